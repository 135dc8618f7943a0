package config

import (
	"os"
	"path/filepath"
	"testing"
)

// testConfigPath 返回 testdata 下的夹具路径，夹具缺失时立即失败。
func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join("testdata", name)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("夹具 %s 不可用: %v", name, err)
	}
	return p
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
