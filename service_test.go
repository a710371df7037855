package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/config"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = io.WriteString(w, "<html>flans</html>")
		case "/index.css":
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func serviceConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			Version:         "1.0.0",
			Origin:          "https://shop.onlyflans.local",
			Upstream:        upstream,
			UpstreamTimeout: config.Duration(2 * time.Second),
			StaticAssets:    []string{"/", "/index.css"},
			WarmPolicy:      config.WarmPolicyRequireAll,
			WarmConcurrency: 2,
			WriteWorkers:    1,
			WriteQueue:      16,
		},
		Store: config.StoreConfig{
			Backend: "fs",
			Path:    t.TempDir(),
			Codec:   "msgpack",
		},
	}
}

func TestServiceStartAndDiagnostics(t *testing.T) {
	upstream := newUpstream(t)
	svc, err := newService(serviceConfig(t, upstream.URL), logging.Discard())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() { _ = svc.close(context.Background()) })

	if err := svc.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/-/worker", nil)
	resp, err := svc.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	var status struct {
		State   string `json:"state"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "activated" || status.Version != "1.0.0" {
		t.Fatalf("unexpected status %+v", status)
	}

	req = httptest.NewRequest(http.MethodGet, "http://shop.onlyflans.local/index.css", nil)
	req.Host = "shop.onlyflans.local"
	req.Header.Set("Sec-Fetch-Dest", "style")
	resp, err = svc.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{}" || resp.Header.Get("X-OnlyFlans-Cache") != "hit" {
		t.Fatalf("expected warmed asset from cache, got %q (%s)", body, resp.Header.Get("X-OnlyFlans-Cache"))
	}

	resp, err = svc.app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "onlyflans_sw_activations_total 1") {
		t.Fatalf("expected activation metric, got %s", body)
	}
}

func TestServiceStartFailsWhenWarmPolicyUnmet(t *testing.T) {
	upstream := newUpstream(t)
	cfg := serviceConfig(t, upstream.URL)
	cfg.Global.StaticAssets = []string{"/", "/missing.css"}

	svc, err := newService(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() { _ = svc.close(context.Background()) })

	if err := svc.start(context.Background()); err == nil {
		t.Fatalf("expected require-all warm policy to fail start")
	}
}

func TestServiceReloadRollsOverOnVersionChange(t *testing.T) {
	upstream := newUpstream(t)
	cfg := serviceConfig(t, upstream.URL)
	svc, err := newService(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	t.Cleanup(func() { _ = svc.close(context.Background()) })
	if err := svc.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	same := *cfg
	svc.reload(&same)
	if got := svc.worker.Status().Version; got != "1.0.0" {
		t.Fatalf("reload without version change must not roll over, got %s", got)
	}

	next := *cfg
	next.Global.Version = "v1.0.1"
	svc.reload(&next)
	status := svc.worker.Status()
	if status.Version != "1.0.1" || status.Partitions.Static != "static-v1.0.1" {
		t.Fatalf("expected rollover to 1.0.1, got %+v", status)
	}

	infos, err := svc.worker.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	for _, info := range infos {
		if strings.HasSuffix(info.Name, "-v1.0.0") {
			t.Fatalf("old partition survived rollover: %+v", infos)
		}
	}
}

func TestStoreOptionsPlacesSQLiteFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	opts := storeOptions(config.StoreConfig{Backend: cache.BackendSQLite, Path: dir, Codec: "cbor"})
	if opts.Path != filepath.Join(dir, "cache.db") {
		t.Fatalf("unexpected sqlite path %s", opts.Path)
	}
	opts = storeOptions(config.StoreConfig{Backend: cache.BackendSQLite, Path: filepath.Join(dir, "sw.sqlite")})
	if opts.Path != filepath.Join(dir, "sw.sqlite") {
		t.Fatalf("explicit sqlite file must be kept, got %s", opts.Path)
	}
	opts = storeOptions(config.StoreConfig{Backend: cache.BackendFS, Path: dir})
	if opts.Path != dir {
		t.Fatalf("fs path must be kept, got %s", opts.Path)
	}
}
