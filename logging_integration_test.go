package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggingFallbackToStdout(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 不受目录权限限制")
	}
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	logPath := filepath.Join(blocked, "sub", "watermark-hub.log")
	configPath := writeConfigFile(t, fmt.Sprintf(`
LogLevel = "info"
LogFilePath = "%s"
StoragePath = "%s"
ListenPort = 8090

[Origin]
Host = "wanderstories.space"

[Watermark]
Overlay = "{{overlay}}"
Position = "SE"

[[Route]]
Name = "videos"
Prefix = "/content/images/videos/"
`, filepath.ToSlash(logPath), filepath.ToSlash(filepath.Join(dir, "storage"))))

	outBuf, _ := useBufferWriters(t)
	code := run(cliOptions{configPath: configPath, explicitConfig: true, checkOnly: true})
	if code != 0 {
		t.Fatalf("日志 fallback 不应导致失败，得到 %d", code)
	}
	t.Log(outBuf.String())
}
