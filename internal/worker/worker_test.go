package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/cache"
	"github.com/onlyflans/onlyflans-sw/internal/config"
	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/partition"
)

var testOrigin = &url.URL{Scheme: "https", Host: "shop.onlyflans.local"}

// fakeNetwork 是可切换离线状态、统计调用次数的 Fetcher。
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	status  map[string]int
	bodies  map[string]string
	calls   atomic.Int32
}

func newFakeNetwork(bodies map[string]string) *fakeNetwork {
	return &fakeNetwork{bodies: bodies, status: map[string]int{}}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) setBody(path, body string) {
	n.mu.Lock()
	n.bodies[path] = body
	n.mu.Unlock()
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *fetch.Request) (*cache.Response, error) {
	n.calls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offline {
		return nil, fetch.ErrNetwork
	}
	body, ok := n.bodies[req.URL.Path]
	status := http.StatusOK
	if code, set := n.status[req.URL.Path]; set {
		status = code
	} else if !ok {
		status = http.StatusNotFound
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    req.URL.String(),
	}, nil
}

// recordingSink 记录上报的错误，便于断言。
type recordingSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *recordingSink) Report(kind string, err error, fields logrus.Fields) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

type harness struct {
	worker  *Worker
	network *fakeNetwork
	store   cache.Store
	sink    *recordingSink
}

func newHarness(t *testing.T, policy config.WarmPolicy, manifest []string, bodies map[string]string) *harness {
	t.Helper()
	network := newFakeNetwork(bodies)
	store := cache.NewMemoryStore(cache.MemoryOptions{}, cache.MsgpackCodec{})
	sink := &recordingSink{}
	w, err := New(Options{
		Store:        store,
		Fetcher:      network,
		Origin:       testOrigin,
		Manifest:     manifest,
		WarmPolicy:   policy,
		WriteWorkers: 2,
		WriteQueue:   16,
		Sink:         sink,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return &harness{worker: w, network: network, store: store, sink: sink}
}

func (h *harness) start(t *testing.T, version string) {
	t.Helper()
	if _, err := h.worker.Install(context.Background(), version); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := h.worker.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func request(path, dest string) *fetch.Request {
	req := &fetch.Request{
		Method: http.MethodGet,
		URL:    testOrigin.ResolveReference(&url.URL{Path: path}),
		Header: http.Header{},
	}
	if dest != "" {
		req.Header.Set("Sec-Fetch-Dest", dest)
	}
	return req
}

func TestStaticHitMakesNoNetworkCall(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/", "/index.css"}, map[string]string{
		"/":          "<html>home</html>",
		"/index.css": "body{}",
	})
	h.start(t, "1.0.0")
	before := h.network.calls.Load()

	out, err := h.worker.HandleFetch(context.Background(), request("/index.css", "style"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Source != SourceCache || string(out.Response.Body) != "body{}" {
		t.Fatalf("expected cache hit, got %+v", out)
	}
	if out.Strategy != StrategyCacheFirst {
		t.Fatalf("unexpected strategy %s", out.Strategy)
	}
	if got := h.network.calls.Load(); got != before {
		t.Fatalf("static hit must not touch the network (calls %d -> %d)", before, got)
	}
}

func TestCacheFirstMissWritesThrough(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/static/app.js": "run()"})
	h.start(t, "1.0.0")

	out, err := h.worker.HandleFetch(context.Background(), request("/static/app.js", "script"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Source != SourceNetwork {
		t.Fatalf("expected network on first request, got %s", out.Source)
	}
	h.worker.Flush()

	calls := h.network.calls.Load()
	out, err = h.worker.HandleFetch(context.Background(), request("/static/app.js", "script"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Source != SourceCache || string(out.Response.Body) != "run()" {
		t.Fatalf("expected cached copy, got %+v", out)
	}
	if h.network.calls.Load() != calls {
		t.Fatalf("second request must be served from cache")
	}
}

func TestCacheFirstDoesNotCacheNon200(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{})
	h.start(t, "1.0.0")

	out, err := h.worker.HandleFetch(context.Background(), request("/missing.css", "style"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Response.Status != http.StatusNotFound {
		t.Fatalf("expected 404 passed through, got %d", out.Response.Status)
	}
	h.worker.Flush()

	part, _ := h.store.Open(context.Background(), "static-v1.0.0")
	keys, _ := part.Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("non-200 must not be cached, got %v", keys)
	}
}

func TestNetworkFirstMirrorsAndFallsBack(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/cart": "[]"})
	h.start(t, "1.0.0")

	out, err := h.worker.HandleFetch(context.Background(), request("/api/cart", ""))
	if err != nil {
		t.Fatalf("handle online: %v", err)
	}
	if out.Strategy != StrategyNetworkFirst || out.Source != SourceNetwork {
		t.Fatalf("unexpected online outcome %+v", out)
	}
	h.worker.Flush()

	h.network.setOffline(true)
	out, err = h.worker.HandleFetch(context.Background(), request("/api/cart", ""))
	if err != nil {
		t.Fatalf("handle offline: %v", err)
	}
	if out.Source != SourceFallback || string(out.Response.Body) != "[]" {
		t.Fatalf("expected cached fallback body [], got %+v", out)
	}
}

func TestNetworkFirstPrefersFreshNetwork(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/products": "[1]"})
	h.start(t, "1.0.0")

	if _, err := h.worker.HandleFetch(context.Background(), request("/api/products", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.worker.Flush()
	h.network.setBody("/api/products", "[1,2]")

	out, err := h.worker.HandleFetch(context.Background(), request("/api/products", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(out.Response.Body) != "[1,2]" {
		t.Fatalf("network-first must return fresh body, got %q", out.Response.Body)
	}
}

func TestNetworkFirstOfflineWithoutCache(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{})
	h.start(t, "1.0.0")
	h.network.setOffline(true)

	_, err := h.worker.HandleFetch(context.Background(), request("/api/orders", ""))
	if !errors.Is(err, ErrNoFallbackAvailable) {
		t.Fatalf("expected ErrNoFallbackAvailable, got %v", err)
	}
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected wrapped network error, got %v", err)
	}
}

func TestDocumentFallsBackToRoot(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/", "/about"}, map[string]string{"/": "<html>home</html>"})
	h.start(t, "1.0.0")
	h.network.setOffline(true)

	out, err := h.worker.HandleFetch(context.Background(), request("/about", "document"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Source != SourceFallback || string(out.Response.Body) != "<html>home</html>" {
		t.Fatalf("expected root fallback, got %+v", out)
	}

	// 非 document 的静态资源离线且未缓存时无回退。
	_, err = h.worker.HandleFetch(context.Background(), request("/theme.css", "style"))
	if !errors.Is(err, ErrNoFallbackAvailable) {
		t.Fatalf("expected ErrNoFallbackAvailable for sub-resource, got %v", err)
	}
}

func TestDocumentWithoutRootHasNoFallback(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/about"}, map[string]string{})
	h.start(t, "1.0.0")
	h.network.setOffline(true)

	_, err := h.worker.HandleFetch(context.Background(), request("/about", "document"))
	if !errors.Is(err, ErrNoFallbackAvailable) {
		t.Fatalf("expected ErrNoFallbackAvailable, got %v", err)
	}
}

func TestCrossOriginIsDeclined(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/index.css"}, map[string]string{"/index.css": "body{}"})
	h.start(t, "1.0.0")
	calls := h.network.calls.Load()

	req := &fetch.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "cdn.example.com", Path: "/index.css"}}
	out, err := h.worker.HandleFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !out.Declined || out.Response != nil || out.Source != SourceBypass {
		t.Fatalf("expected declined outcome, got %+v", out)
	}
	if h.network.calls.Load() != calls {
		t.Fatalf("worker must not fetch declined requests itself")
	}
}

func TestRolloverEvictsOldPartitions(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/"}, map[string]string{"/": "v1", "/api/cart": "[]"})
	h.start(t, "1.0.0")
	if _, err := h.worker.HandleFetch(context.Background(), request("/api/cart", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.worker.Flush()

	h.network.setBody("/", "v2")
	if err := h.worker.Rollover(context.Background(), "1.0.1"); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	names, err := h.store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(names) != 2 || names[0] != "dynamic-v1.0.1" || names[1] != "static-v1.0.1" {
		t.Fatalf("expected only v1.0.1 partitions, got %v", names)
	}

	status := h.worker.Status()
	if status.Version != "1.0.1" || status.State != StateActivated {
		t.Fatalf("unexpected status %+v", status)
	}

	out, err := h.worker.HandleFetch(context.Background(), request("/", "document"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if string(out.Response.Body) != "v2" {
		t.Fatalf("expected new version content, got %q", out.Response.Body)
	}
}

func TestRolloverToSameVersionIsNoop(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, []string{"/"}, map[string]string{"/": "v1"})
	h.start(t, "1.0.0")
	calls := h.network.calls.Load()
	if err := h.worker.Rollover(context.Background(), "v1.0.0"); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if h.network.calls.Load() != calls {
		t.Fatalf("same-version rollover must not re-warm")
	}
}

func TestLateWriteFromOldGenerationIsDiscarded(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/cart": "[]"})
	h.start(t, "1.0.0")
	old := h.worker.activeGeneration()

	if err := h.worker.Rollover(context.Background(), "1.0.1"); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	key := request("/api/cart", "").Key()
	if err := h.worker.writer.Submit(context.Background(), old.manager, partition.RoleDynamic, key, &cache.Response{Status: http.StatusOK}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.worker.Flush()

	names, _ := h.store.Partitions(context.Background())
	for _, name := range names {
		if name == "dynamic-v1.0.0" {
			t.Fatalf("late write recreated an evicted partition: %v", names)
		}
	}
	if h.sink.count() != 0 {
		t.Fatalf("discarded stale write should not be reported as an error")
	}
}

func TestWarmPolicies(t *testing.T) {
	cases := []struct {
		policy  config.WarmPolicy
		bodies  map[string]string
		wantErr bool
	}{
		{config.WarmPolicyBestEffort, map[string]string{}, false},
		{config.WarmPolicyRequireAny, map[string]string{"/": "home"}, false},
		{config.WarmPolicyRequireAny, map[string]string{}, true},
		{config.WarmPolicyRequireAll, map[string]string{"/": "home"}, true},
		{config.WarmPolicyRequireAll, map[string]string{"/": "home", "/index.css": "body{}"}, false},
	}
	for _, tc := range cases {
		h := newHarness(t, tc.policy, []string{"/", "/index.css"}, tc.bodies)
		_, err := h.worker.Install(context.Background(), "1.0.0")
		if tc.wantErr {
			if !errors.Is(err, ErrWarmIncomplete) {
				t.Fatalf("%s: expected ErrWarmIncomplete, got %v", tc.policy, err)
			}
			if h.worker.Status().State != StateRedundant {
				t.Fatalf("%s: expected redundant state, got %s", tc.policy, h.worker.Status().State)
			}
			if _, err := h.worker.Activate(context.Background()); !errors.Is(err, ErrNothingToActivate) {
				t.Fatalf("%s: failed install must not be activatable, got %v", tc.policy, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.policy, err)
		}
	}
}

func TestFailedRolloverKeepsServingOldVersion(t *testing.T) {
	h := newHarness(t, config.WarmPolicyRequireAny, []string{"/"}, map[string]string{"/": "v1"})
	h.start(t, "1.0.0")

	h.network.setOffline(true)
	if err := h.worker.Rollover(context.Background(), "2.0.0"); !errors.Is(err, ErrWarmIncomplete) {
		t.Fatalf("expected rollover to fail warm policy, got %v", err)
	}
	status := h.worker.Status()
	if status.Version != "1.0.0" || status.State != StateActivated {
		t.Fatalf("old version must keep serving, got %+v", status)
	}
	out, err := h.worker.HandleFetch(context.Background(), request("/", "document"))
	if err != nil || string(out.Response.Body) != "v1" {
		t.Fatalf("expected cached v1 root, got %+v %v", out, err)
	}
}

func TestHandleFetchWaitsForActivation(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/cart": "[]"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.worker.HandleFetch(ctx, request("/api/cart", "")); !errors.Is(err, ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated before activation, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.HandleFetch(context.Background(), request("/api/cart", ""))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("request completed before activation: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	h.start(t, "1.0.0")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle after activation: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("request was not released by activation")
	}
}

func TestNonGetIsNotCached(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/cart": "{}"})
	h.start(t, "1.0.0")

	req := request("/api/cart", "")
	req.Method = http.MethodPost
	out, err := h.worker.HandleFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out.Source != SourceNetwork {
		t.Fatalf("unexpected source %s", out.Source)
	}
	h.worker.Flush()
	if h.sink.count() != 0 {
		t.Fatalf("skipping a POST write is not an error, got %v", h.sink.errs)
	}
	if h.worker.Status().PendingWrites != 0 {
		t.Fatalf("POST response must not be queued for writing")
	}

	h.network.setOffline(true)
	if _, err := h.worker.HandleFetch(context.Background(), req); !errors.Is(err, ErrNoFallbackAvailable) {
		t.Fatalf("POST must not be served from cache, got %v", err)
	}
}

func TestSync(t *testing.T) {
	h := newHarness(t, config.WarmPolicyBestEffort, nil, map[string]string{"/api/cart": "[]"})
	h.start(t, "1.0.0")
	if _, err := h.worker.HandleFetch(context.Background(), request("/api/cart", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := h.worker.Sync(context.Background(), SyncTagBackground); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if h.worker.Status().PendingWrites != 0 {
		t.Fatalf("background-sync must drain pending writes")
	}
	if err := h.worker.Sync(context.Background(), "periodic"); !errors.Is(err, ErrUnknownSyncTag) {
		t.Fatalf("expected ErrUnknownSyncTag, got %v", err)
	}
}
