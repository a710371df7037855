package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/fetch"
	"github.com/onlyflans/onlyflans-sw/internal/logging"
	"github.com/onlyflans/onlyflans-sw/internal/metrics"
	"github.com/onlyflans/onlyflans-sw/internal/server"
	"github.com/onlyflans/onlyflans-sw/internal/worker"
)

// 对外暴露的响应头。
const (
	headerCache    = "X-OnlyFlans-Cache"
	headerStrategy = "X-OnlyFlans-Strategy"
)

// Interceptor 是 worker 的请求入口，测试中可替换。
type Interceptor interface {
	HandleFetch(ctx context.Context, req *fetch.Request) (worker.Outcome, error)
}

// Handler 把路由层的判定转换为 fetch.Request：店面请求交给 worker 的策略处理，
// pass-through 主机与 worker 拒绝拦截的请求直接走网络。
type Handler struct {
	worker  Interceptor
	network fetch.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs the interception handler. network serves requests the
// worker declines.
func NewHandler(w Interceptor, network fetch.Fetcher, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		worker:  w,
		network: network,
		logger:  logger,
		metrics: m,
	}
}

// Handle 执行拦截或放行，并统一输出响应头、结构化日志与 metrics。
func (h *Handler) Handle(c fiber.Ctx, in *server.Interception) error {
	started := time.Now()
	req := buildRequest(c, in)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !in.Intercepted() {
		return h.passThrough(ctx, c, req, started)
	}

	out, err := h.worker.HandleFetch(ctx, req)
	if err != nil {
		h.logResult(req.Method, req.URL.String(), req.ID, out.Strategy, out.Source, 0, started, err)
		c.Set(headerStrategy, out.Strategy)
		if errors.Is(err, worker.ErrNotActivated) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "not_activated")
		}
		return h.writeError(c, fiber.StatusBadGateway, "no_fallback_available")
	}
	if out.Declined {
		return h.passThrough(ctx, c, req, started)
	}
	return h.respond(c, req, out, started)
}

// passThrough 原样把请求交给网络，不读写任何分区。
func (h *Handler) passThrough(ctx context.Context, c fiber.Ctx, req *fetch.Request, started time.Time) error {
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(req.Method, req.URL.String(), req.ID, worker.StrategyPassthrough, worker.SourceBypass, 0, started, err)
		c.Set(headerStrategy, worker.StrategyPassthrough)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.respond(c, req, worker.Outcome{
		Response: resp,
		Strategy: worker.StrategyPassthrough,
		Source:   worker.SourceBypass,
		Declined: true,
	}, started)
}

func (h *Handler) respond(c fiber.Ctx, req *fetch.Request, out worker.Outcome, started time.Time) error {
	resp := out.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCache, string(out.Source))
	c.Set(headerStrategy, out.Strategy)
	if req.ID != "" {
		c.Set("X-Request-ID", req.ID)
	}
	c.Status(resp.Status)

	h.logResult(req.Method, req.URL.String(), req.ID, out.Strategy, out.Source, resp.Status, started, nil)
	if req.Method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// buildRequest 复制请求头与正文，fasthttp 会在 handler 返回后复用这些缓冲区。
func buildRequest(c fiber.Ctx, in *server.Interception) *fetch.Request {
	return &fetch.Request{
		Method:        c.Method(),
		URL:           in.Target,
		Header:        fiberHeadersAsHTTP(c),
		Body:          append([]byte(nil), c.Body()...),
		ID:            in.RequestID,
		ClientIP:      c.IP(),
		ForwardedHost: c.Hostname(),
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	requestID string,
	strategy string,
	source worker.Source,
	status int,
	started time.Time,
	err error,
) {
	elapsed := time.Since(started)
	if strategy != "" {
		h.metrics.RecordFetch(strategy, string(source), elapsed)
	}

	fields := logging.RequestFields(requestID, method, target, strategy, string(source))
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
