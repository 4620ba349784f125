package config

import (
	"os"
	"path/filepath"
	"testing"
)

// testConfigPath 保持相对路径，便于断言 Manifest 相对配置目录解析的结果。
func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 写入独立临时目录，清单路径相对该目录解析。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
