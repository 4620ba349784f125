package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/host"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/network"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	// diffPaths 非空时只比较两份清单并退出。
	diffPaths []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}
	if len(opts.diffPaths) > 0 {
		return runDiff(opts.diffPaths[0], opts.diffPaths[1])
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		return checkConfig(cfg, opts.configPath, logger)
	}

	sites, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 站点注册表 → 每站点缓存与 Controller → 安装/激活 worker → Fiber server。
	controllers, err := buildControllers(cfg, sites, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = versionString()
	logger.WithFields(fields).Info("配置加载完成")

	if err := controllers.StartAll(ctx); err != nil {
		// 启动失败的站点保持直通，等待下一次清单更新。
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).WithError(err).Warn("部分站点未能接管")
	}

	err = serve(ctx, cfg, sites, controllers, logger)
	controllers.Close()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		diffMode   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与清单后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&diffMode, "diff", false, "比较两份清单：-diff old.json new.json")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	opts := cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}
	if diffMode {
		if fs.NArg() != 2 {
			return cliOptions{}, errors.New("-diff 需要两个清单路径")
		}
		opts.diffPaths = fs.Args()
	}
	return opts, nil
}

// checkConfig 在配置校验之外逐个加载站点清单。
func checkConfig(cfg *config.Config, configPath string, logger *logrus.Logger) int {
	fields := logging.BaseFields("check_config", configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)

	failed := 0
	for _, site := range cfg.Sites {
		m, err := manifest.Load(site.Manifest)
		siteFields := logging.SiteFields(site.Name, site.Domain, site.OriginBase())
		siteFields["action"] = "check_config"
		if err != nil {
			failed++
			logger.WithFields(siteFields).WithError(err).Error("清单无效")
			continue
		}
		siteFields["manifest_version"] = m.Version
		siteFields["resources"] = len(m.Resources)
		siteFields["shell"] = len(m.Shell)
		logger.WithFields(siteFields).Info("清单校验通过")
	}
	if failed > 0 {
		fields["result"] = "failed"
		logger.WithFields(fields).Error("配置校验失败")
		return 1
	}
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// runDiff 输出两份清单的差异摘要与 unified diff，便于发布前预估激活时会被淘汰的条目。
func runDiff(prevPath, currPath string) int {
	prev, err := manifest.Load(prevPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载清单失败: %v\n", err)
		return 1
	}
	curr, err := manifest.Load(currPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载清单失败: %v\n", err)
		return 1
	}

	delta := manifest.Compare(prev.Resources, curr.Resources)
	fmt.Fprintf(stdOut, "added: %d, removed: %d, changed: %d, unchanged: %d\n",
		len(delta.Added), len(delta.Removed), len(delta.Changed), len(delta.Unchanged))
	for _, p := range delta.Evicted() {
		fmt.Fprintf(stdOut, "evict %s\n", p)
	}
	text, err := manifest.UnifiedDiff(prevPath, currPath, prev.Resources, curr.Resources)
	if err != nil {
		fmt.Fprintf(stdErr, "生成 diff 失败: %v\n", err)
		return 1
	}
	fmt.Fprint(stdOut, text)
	return 0
}

// buildControllers 为每个站点创建独立的缓存目录、回源 Fetcher 与 Controller。
func buildControllers(cfg *config.Config, sites *server.SiteRegistry, logger *logrus.Logger) (*host.Registry, error) {
	client := server.NewOriginClient(cfg)
	routesList := sites.List()
	controllers := make([]*host.Controller, 0, len(routesList))
	for _, route := range routesList {
		storage, err := newStorage(cfg.Global, route.Config.Name)
		if err != nil {
			return nil, fmt.Errorf("site %s: %w", route.Config.Name, err)
		}
		ctrl, err := host.New(host.Options{
			Site:        route.Config,
			Storage:     storage,
			Fetcher:     network.NewFetcher(client, route.ProxyURL),
			Logger:      logger,
			Concurrency: cfg.Global.PrefetchConcurrency,
		})
		if err != nil {
			return nil, err
		}
		controllers = append(controllers, ctrl)
	}
	return host.NewRegistry(logger, controllers...)
}

func newStorage(global config.GlobalConfig, site string) (cache.Storage, error) {
	if global.StorageBackend == config.StorageBackendMemory {
		return cache.NewMemoryStorage(), nil
	}
	return cache.NewDiskStorage(filepath.Join(global.StoragePath, site))
}

// serve 运行 Fiber 服务与清单监听，ctx 结束后优雅关闭。
func serve(ctx context.Context, cfg *config.Config, sites *server.SiteRegistry, controllers *host.Registry, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   sites,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), controllers, logger),
		ListenPort: port,
		Diagnostics: func(r fiber.Router) {
			routes.RegisterSiteRoutes(r, sites, controllers)
		},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		return app.Shutdown()
	})
	if cfg.Global.WatchManifests {
		g.Go(func() error {
			if err := controllers.Watch(gctx); err != nil {
				logger.WithField("action", "manifest_watch").WithError(err).Warn("清单监听不可用")
			}
			return nil
		})
	}
	return g.Wait()
}
