package worker

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/onlyflans/onlyflans-sw/internal/fetch"
)

func TestRouterClassifies(t *testing.T) {
	router := NewRouter(testOrigin, []string{"/", "/index.css", "/static/flan.ico"})

	cases := []struct {
		name  string
		url   string
		dest  string
		class Class
		ok    bool
	}{
		{"manifest root", "https://shop.onlyflans.local/", "document", ClassStatic, true},
		{"manifest asset", "https://shop.onlyflans.local/static/flan.ico", "image", ClassStatic, true},
		{"empty path is root", "https://shop.onlyflans.local", "", ClassStatic, true},
		{"style destination", "https://shop.onlyflans.local/theme/extra.css", "style", ClassStatic, true},
		{"script destination", "https://shop.onlyflans.local/bundle.js", "SCRIPT", ClassStatic, true},
		{"api", "https://shop.onlyflans.local/api/cart", "", ClassDynamic, true},
		{"unlisted document", "https://shop.onlyflans.local/about", "document", ClassDynamic, true},
		{"explicit default port", "https://shop.onlyflans.local:443/api/cart", "", ClassDynamic, true},
		{"other host", "https://cdn.example.com/index.css", "style", 0, false},
		{"other scheme", "http://shop.onlyflans.local/index.css", "style", 0, false},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.url)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		req := &fetch.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
		if tc.dest != "" {
			req.Header.Set("Sec-Fetch-Dest", tc.dest)
		}
		class, ok := router.Route(req)
		if ok != tc.ok || class != tc.class {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tc.name, class, ok, tc.class, tc.ok)
		}
	}
}

func TestClassStrategyMapping(t *testing.T) {
	if ClassStatic.Strategy() != StrategyCacheFirst || ClassStatic.Role() != "static" {
		t.Fatalf("static class must map to cache-first/static")
	}
	if ClassDynamic.Strategy() != StrategyNetworkFirst || ClassDynamic.Role() != "dynamic" {
		t.Fatalf("dynamic class must map to network-first/dynamic")
	}
}
