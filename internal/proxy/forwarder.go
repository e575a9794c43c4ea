package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-cache/offline-cache/internal/server"
)

// HandlerSource 提供当前接管请求的 handler，通常由生命周期控制器实现。
type HandlerSource interface {
	ActiveHandler() (server.ProxyHandler, bool)
}

// Forwarder 将请求交给当前激活实例；尚无激活实例时回退到直通 handler。
type Forwarder struct {
	source      HandlerSource
	passthrough server.ProxyHandler
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder，passthrough 可以为空（此时无激活实例直接返回 503）。
func NewForwarder(source HandlerSource, passthrough server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		source:      source,
		passthrough: passthrough,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	handler := f.lookup()
	if handler == nil {
		return f.respondMissingHandler(c, requestID)
	}
	return f.invokeHandler(c, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, requestID string) error {
	f.logForwardError("no_active_worker", nil, c, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "no_active_worker"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler server.ProxyHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, r, requestID)
		}
	}()
	return handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	f.logForwardError("worker_panic", fmt.Errorf("panic: %v", recovered), c, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logForwardError(code string, err error, c fiber.Ctx, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
		"method": c.Method(),
		"path":   string(c.Request().URI().Path()),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("worker unavailable")
}

func (f *Forwarder) lookup() server.ProxyHandler {
	if f.source != nil {
		if handler, ok := f.source.ActiveHandler(); ok && handler != nil {
			return handler
		}
	}
	return f.passthrough
}
