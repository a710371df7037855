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
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应当被解析，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Store.Path == "" {
		t.Fatalf("Store.Path 应该被保留")
	}
	if len(cfg.Global.StaticAssets) != len(DefaultStaticAssets) {
		t.Fatalf("未配置 StaticAssets 时应使用默认清单")
	}
	if cfg.Global.WriteWorkers == 0 || cfg.Global.WriteQueue == 0 || cfg.Global.WarmConcurrency == 0 {
		t.Fatalf("后台写入与预热参数应当填充默认值")
	}
	if len(cfg.Global.PassThroughHosts) != 2 {
		t.Fatalf("PassThroughHosts 应当被解析，得到 %v", cfg.Global.PassThroughHosts)
	}
	if got := cfg.UpstreamURL().Host; got != "127.0.0.1:8000" {
		t.Fatalf("Upstream 解析错误: %s", got)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestUpstreamFallsBackToOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Upstream = ""
	if got := cfg.UpstreamURL().String(); got != cfg.Global.Origin {
		t.Fatalf("未配置 Upstream 时应回源到 Origin，得到 %s", got)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateStaticAssets(t *testing.T) {
	testCases := []struct {
		name      string
		assets    []string
		shouldErr bool
	}{
		{"relative path", []string{"index.css"}, true},
		{"duplicate", []string{"/index.css", "/index.css"}, true},
		{"root ok", []string{"/", "/index.css"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StaticAssets = tc.assets
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for assets %v", tc.assets)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for assets %v: %v", tc.assets, err)
			}
		})
	}
}

func TestStoreBackendValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*StoreConfig)
		shouldErr bool
	}{
		{"fs ok", func(s *StoreConfig) {}, false},
		{"memory ok", func(s *StoreConfig) { s.Backend = "memory"; s.Path = "" }, false},
		{"sqlite needs path", func(s *StoreConfig) { s.Backend = "sqlite"; s.Path = "" }, true},
		{"redis needs addr", func(s *StoreConfig) { s.Backend = "redis" }, true},
		{"redis ok", func(s *StoreConfig) { s.Backend = "redis"; s.RedisAddr = "127.0.0.1:6379" }, false},
		{"unknown backend", func(s *StoreConfig) { s.Backend = "indexeddb" }, true},
		{"unknown codec", func(s *StoreConfig) { s.Codec = "gob" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg.Store)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsUnknownWarmPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Global.WarmPolicy = "eventually"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("未知 WarmPolicy 应当报错")
	}
	fieldErr, ok := err.(FieldError)
	if !ok || fieldErr.Field != "Global.WarmPolicy" {
		t.Fatalf("应返回 Global.WarmPolicy 字段错误，得到 %v", err)
	}
}

func TestVersionChangedIgnoresPrefix(t *testing.T) {
	prev := validConfig()
	next := validConfig()
	next.Global.Version = "v1.0.0"
	if VersionChanged(prev, next) {
		t.Fatalf("1.0.0 与 v1.0.0 应视为同一版本")
	}
	next.Global.Version = "1.0.1"
	if !VersionChanged(prev, next) {
		t.Fatalf("版本号变化应被识别")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			Version:         "1.0.0",
			Origin:          "https://shop.onlyflans.local",
			UpstreamTimeout: Duration(time.Second),
			StaticAssets:    []string{"/"},
			WarmPolicy:      WarmPolicyBestEffort,
			WarmConcurrency: 1,
			WriteWorkers:    1,
			WriteQueue:      8,
		},
		Store: StoreConfig{
			Backend: "fs",
			Path:    "./data",
			Codec:   "msgpack",
		},
	}
}
