package server

import (
	"testing"

	"github.com/onlyflans/onlyflans-sw/internal/config"
)

func testConfig(port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       port,
			Origin:           "https://shop.onlyflans.local",
			PassThroughHosts: []string{"fonts.example.com", "CDN.Example.com."},
		},
	}
}

func TestHostRegistryLookup(t *testing.T) {
	registry, err := NewHostRegistry(testConfig(5000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("shop.onlyflans.local:5000")
	if !ok {
		t.Fatalf("expected origin route")
	}
	if route.Kind != HostOrigin || !route.Intercepted() || route.Scheme != "https" {
		t.Fatalf("unexpected origin route %+v", route)
	}

	route, ok = registry.Lookup("cdn.example.com")
	if !ok {
		t.Fatalf("expected normalized pass-through route")
	}
	if route.Kind != HostPassThrough || route.Intercepted() {
		t.Fatalf("unexpected pass-through route %+v", route)
	}

	if _, ok := registry.Lookup("unknown.local"); ok {
		t.Fatalf("expected unknown host to be unmapped")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("expected empty host to be unmapped")
	}

	list := registry.List()
	if len(list) != 3 || list[0].Kind != HostOrigin {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestHostRegistryRejectsDuplicates(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Global.PassThroughHosts = []string{"shop.onlyflans.local"}
	if _, err := NewHostRegistry(cfg); err == nil {
		t.Fatalf("expected duplicate origin mapping to fail")
	}
}

func TestHostRegistryRequiresOrigin(t *testing.T) {
	cfg := testConfig(5000)
	cfg.Global.Origin = ""
	if _, err := NewHostRegistry(cfg); err == nil {
		t.Fatalf("expected missing origin to fail")
	}
	if _, err := NewHostRegistry(nil); err == nil {
		t.Fatalf("expected nil config to fail")
	}
}
