package config

import (
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 0 {
		t.Fatalf("默认不应设置上游超时")
	}
	if cfg.Site.CacheVersion != "study-tracker-v7" {
		t.Fatalf("CacheVersion 解析错误: %s", cfg.Site.CacheVersion)
	}
	if len(cfg.Site.SeedAssets) != 5 {
		t.Fatalf("SeedAssets 解析错误: %v", cfg.Site.SeedAssets)
	}
	if cfg.Site.FallbackDocument != "./index.html" {
		t.Fatalf("FallbackDocument 应该自动填充默认值，得到 %q", cfg.Site.FallbackDocument)
	}
}

func TestValidateRejectsMissingSite(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin/CacheVersion 的配置应返回错误")
	}
}

func TestApplySiteDefaultsFillsSeedAssets(t *testing.T) {
	site := SiteConfig{Origin: " https://site.example ", CacheVersion: "v1"}
	applySiteDefaults(&site)
	if site.Origin != "https://site.example" {
		t.Fatalf("Origin 应去除空白，得到 %q", site.Origin)
	}
	want := DefaultSeedAssets()
	if len(site.SeedAssets) != len(want) {
		t.Fatalf("未配置 SeedAssets 时应使用默认列表，得到 %v", site.SeedAssets)
	}
	for i := range want {
		if site.SeedAssets[i] != want[i] {
			t.Fatalf("默认 SeedAssets 不匹配: %v", site.SeedAssets)
		}
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRejectsNegativeTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Global.UpstreamTimeout = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("负数超时应当报错")
	}
}

func TestOriginValidation(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"https ok", "https://site.example", false},
		{"sub path ok", "http://127.0.0.1:8080/app/", false},
		{"missing", "", true},
		{"ftp", "ftp://site.example", true},
		{"no host", "https://", true},
		{"query", "https://site.example/?a=1", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Site.Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestValidateRejectsAbsoluteSeedAssets(t *testing.T) {
	cfg := validConfig()
	cfg.Site.SeedAssets = []string{"./", "https://cdn.example/lib.js"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("跨站 SeedAssets 应当报错")
	}
}

func TestValidateRejectsBadCacheVersion(t *testing.T) {
	for _, version := range []string{"", ".hidden", "v 1"} {
		cfg := validConfig()
		cfg.Site.CacheVersion = version
		if err := cfg.Validate(); err == nil {
			t.Fatalf("CacheVersion %q 应当报错", version)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:  5000,
			StoragePath: "./data",
		},
		Site: SiteConfig{
			Origin:           "https://site.example",
			CacheVersion:     "site-v1",
			SeedAssets:       DefaultSeedAssets(),
			FallbackDocument: "./index.html",
		},
	}
}
