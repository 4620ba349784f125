package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	StorageBackendDisk   = "disk"
	StorageBackendMemory = "memory"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	StorageBackend      string   `mapstructure:"StorageBackend"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	PrefetchConcurrency int      `mapstructure:"PrefetchConcurrency"`
	WatchManifests      bool     `mapstructure:"WatchManifests"`
}

// SiteConfig 描述一个被缓存的 Web 应用：对外域名、源站地址以及资源清单位置。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Origin   string `mapstructure:"Origin"`
	Manifest string `mapstructure:"Manifest"`
	Proxy    string `mapstructure:"Proxy"`
	// WaitForSkip 为 true 时新版本安装后进入 waiting，直到收到 skipWaiting 消息才激活。
	WaitForSkip bool `mapstructure:"WaitForSkip"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// OriginBase 返回去掉末尾斜杠的源站地址，作为缓存 key 的前缀。
func (s SiteConfig) OriginBase() string {
	return strings.TrimRight(strings.TrimSpace(s.Origin), "/")
}

// ActivationMode 输出 `immediate` 或 `wait-for-skip`，供日志字段使用。
func (s SiteConfig) ActivationMode() string {
	if s.WaitForSkip {
		return "wait-for-skip"
	}
	return "immediate"
}

// SiteNames 返回所有站点名称，保持配置顺序。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = site.Name
	}
	return result
}
