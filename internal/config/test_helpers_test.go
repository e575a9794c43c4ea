package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// siteTable 生成最小可用的 [Site] 配置片段。
func siteTable(origin, version string) string {
	return fmt.Sprintf("\n[Site]\nOrigin = %q\nCacheVersion = %q\n", origin, version)
}
