package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 保存一次 run 调用写出的 stdout/stderr。
type cliOutput struct {
	out    *bytes.Buffer
	errOut *bytes.Buffer
}

// captureCLI 在测试期间将 stdOut/stdErr 指向内存缓冲，结束后恢复。
func captureCLI(t *testing.T) *cliOutput {
	t.Helper()

	captured := &cliOutput{out: &bytes.Buffer{}, errOut: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.errOut
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// fixturePath 返回 internal/config/testdata 下的配置样例，go test 以包目录为工作目录。
func fixturePath(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("internal", "config", "testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("配置样例不存在: %v", err)
	}
	return path
}

// writeConfigFile 将内联配置写入临时目录并返回路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
