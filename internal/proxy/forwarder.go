package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/onlyflans/onlyflans-sw/internal/server"
)

// Forwarder 根据命中主机的类型选择对应的 ProxyHandler，默认回退到构造时注入的 handler，
// 并把 handler 内的 panic 转换为结构化的 500 响应。
type Forwarder struct {
	defaultHandler server.ProxyHandler
	handlers       map[server.HostKind]server.ProxyHandler
	logger         *logrus.Logger
}

// NewForwarder 创建 Forwarder；defaultHandler 可为空，此时未注册的主机类型返回 500。
func NewForwarder(defaultHandler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		defaultHandler: defaultHandler,
		handlers:       make(map[server.HostKind]server.ProxyHandler),
		logger:         logger,
	}
}

// Register 为某类主机指定专用 handler，需在开始服务前调用。
func (f *Forwarder) Register(kind server.HostKind, handler server.ProxyHandler) {
	if handler == nil {
		delete(f.handlers, kind)
		return
	}
	f.handlers[kind] = handler
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, in *server.Interception) error {
	handler := f.lookup(in)
	if handler == nil {
		return f.respondMissingHandler(c, in)
	}
	return f.invokeHandler(c, in, handler)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, in *server.Interception) error {
	f.logHandlerError(in, "proxy_handler_missing", nil)
	setRequestIDHeader(c, in)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, in *server.Interception, handler server.ProxyHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, in, r)
		}
	}()
	return handler.Handle(c, in)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, in *server.Interception, recovered interface{}) error {
	f.logHandlerError(in, "proxy_handler_panic", fmt.Errorf("panic: %v", recovered))
	setRequestIDHeader(c, in)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "proxy_handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, in *server.Interception) {
	if in != nil && in.RequestID != "" {
		c.Set("X-Request-ID", in.RequestID)
	}
}

func (f *Forwarder) logHandlerError(in *server.Interception, code string, err error) {
	if f.logger == nil {
		return
	}
	fields := interceptionFields(in)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error(code)
}

func (f *Forwarder) lookup(in *server.Interception) server.ProxyHandler {
	if in != nil && in.Route != nil {
		if handler, ok := f.handlers[in.Route.Kind]; ok {
			return handler
		}
	}
	return f.defaultHandler
}

func interceptionFields(in *server.Interception) logrus.Fields {
	fields := logrus.Fields{"host": "", "host_kind": ""}
	if in == nil {
		return fields
	}
	if in.Route != nil {
		fields["host"] = in.Route.Host
		fields["host_kind"] = string(in.Route.Kind)
	}
	if in.Target != nil {
		fields["target"] = in.Target.String()
	}
	if in.RequestID != "" {
		fields["request_id"] = in.RequestID
	}
	return fields
}
