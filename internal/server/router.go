package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Interception is the routing decision taken for one request: which host it
// addressed, the storefront URL it resolves to, and its request ID. Proxy
// handlers consume it as-is and never inspect the Host header themselves.
type Interception struct {
	Route     *HostRoute
	Target    *url.URL
	RequestID string
}

// Intercepted reports whether the request belongs to the worker.
func (i *Interception) Intercepted() bool {
	return i != nil && i.Route.Intercepted()
}

// ProxyHandler serves a request once the router has resolved it.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Interception) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Interception) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, in *Interception) error {
	return f(c, in)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *HostRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	localsInterception = "onlyflans.interception"
	localsRequestID    = "onlyflans.request_id"
)

// NewApp builds the interception app. Every request gets an X-Request-ID;
// requests outside /-/ are resolved into an Interception before reaching the
// proxy. Diagnostics routes registered after NewApp are reached through
// c.Next().
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil || opts.Registry.Origin() == nil {
		return nil, errors.New("host registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(assignRequestID)
	app.Use(interceptMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		in := interceptionFrom(c)
		if in == nil {
			return c.Next()
		}
		return opts.Proxy.Handle(c, in)
	})

	return app, nil
}

func assignRequestID(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(localsRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

// interceptMiddleware 解析 Host：店面主机改写为 origin 的协议与主机，
// pass-through 主机保留自身；未登记的主机直接返回 404。
func interceptMiddleware(opts AppOptions) fiber.Handler {
	origin := opts.Registry.Origin()
	return func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(hostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		target, err := storefrontURL(c, route, origin)
		if err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "host_lookup",
				"host":       route.Host,
				"request_id": RequestID(c),
			}).WithError(err).Warn("request_uri_invalid")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request_uri"})
		}

		c.Locals(localsInterception, &Interception{
			Route:     route,
			Target:    target,
			RequestID: RequestID(c),
		})
		return c.Next()
	}
}

// storefrontURL 还原浏览器眼中的请求地址。店面请求一律使用 origin，
// 这样带监听端口的 Host 头仍被视为同源。
func storefrontURL(c fiber.Ctx, route *HostRoute, origin *url.URL) (*url.URL, error) {
	target, err := url.ParseRequestURI(string(c.Request().RequestURI()))
	if err != nil {
		return nil, err
	}
	if route.Intercepted() {
		target.Scheme = origin.Scheme
		target.Host = origin.Host
		return target, nil
	}
	target.Scheme = route.Scheme
	if proto := strings.ToLower(c.Get("X-Forwarded-Proto")); proto == "http" || proto == "https" {
		target.Scheme = proto
	}
	target.Host = route.Host
	return target, nil
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       port,
		"request_id": RequestID(c),
	}).Warn("host_unmapped")

	if host != "" {
		c.Set("X-OnlyFlans-Host", host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func interceptionFrom(c fiber.Ctx) *Interception {
	in, _ := c.Locals(localsInterception).(*Interception)
	return in
}

// RequestID returns the request identifier assigned by the app.
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(localsRequestID).(string)
	return reqID
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
