package config

import (
	"strings"
	"testing"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
Origin = "https://shop.onlyflans.local"
UpstreamTimeout = "boom"

[Store]
Path = "./data"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
Origin = "https://shop.onlyflans.local"
UpstreamTimeout = 45

[Store]
Path = "./data"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if got := loaded.Global.UpstreamTimeout.DurationValue().Seconds(); got != 45 {
		t.Fatalf("纯秒值应被解析为 45s，得到 %v", got)
	}
}

func TestLoadCustomManifest(t *testing.T) {
	cfg := `
Origin = "https://shop.onlyflans.local/"
StaticAssets = ["/index.css", "/app.js"]

[Store]
Backend = "Memory"
Codec = "CBOR"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if strings.Join(loaded.Manifest(), ",") != "/index.css,/app.js" {
		t.Fatalf("清单顺序应保持不变，得到 %v", loaded.Manifest())
	}
	if loaded.Global.Origin != "https://shop.onlyflans.local" {
		t.Fatalf("Origin 末尾的 / 应被去除，得到 %s", loaded.Global.Origin)
	}
	if loaded.Store.Backend != "memory" || loaded.Store.Codec != "cbor" {
		t.Fatalf("后端与编码应统一为小写，得到 %s/%s", loaded.Store.Backend, loaded.Store.Codec)
	}
}
