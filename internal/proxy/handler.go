package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/logging"
	"github.com/offline-cache/offline-cache/internal/server"
	"github.com/offline-cache/offline-cache/internal/version"
)

// Strategy 描述单个请求采用的缓存策略。
type Strategy string

const (
	// StrategyNetworkFirst 用于导航请求：先回源，失败时回退到缓存的根文档。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyStaleWhileRevalidate 用于子资源：命中直接返回，后台刷新供下次使用。
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	// StrategyNetworkOnly 用于非 GET 请求或尚无激活实例时的直通。
	StrategyNetworkOnly Strategy = "network-only"
)

// 响应头，便于客户端与排障时区分命中来源。
const (
	HeaderCacheHit     = "X-Offline-Cache-Hit"
	HeaderCacheVersion = "X-Offline-Cache-Version"
	HeaderStrategy     = "X-Offline-Cache-Strategy"
	HeaderFallback     = "X-Offline-Cache-Fallback"
)

// Options 描述 Handler 的依赖。Store 为空时 Handler 只做直通转发。
type Options struct {
	Client *http.Client
	Logger *logrus.Logger
	Site   *server.Site
	Store  cache.Store
}

// Handler 负责 orchestrate “导航 network-first / 子资源 stale-while-revalidate”
// 的全流程，绑定一个缓存库；后台刷新在原请求结束后继续执行，不支持取消。
type Handler struct {
	client   *http.Client
	logger   *logrus.Logger
	site     *server.Site
	store    cache.Store
	version  string
	fallback cache.Key

	refreshes singleflight.Group
	pending   sync.WaitGroup
}

// NewHandler constructs a proxy handler bound to one cache store.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Site == nil {
		return nil, errors.New("site is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	h := &Handler{
		client: client,
		logger: logger,
		site:   opts.Site,
		store:  opts.Store,
		fallback: cache.Key{
			Method: http.MethodGet,
			URL:    opts.Site.FallbackURL.String(),
		},
	}
	if opts.Store != nil {
		h.version = opts.Store.Name()
	}
	return h, nil
}

// Version 返回绑定缓存库的名称，直通 Handler 返回空串。
func (h *Handler) Version() string {
	return h.version
}

// Wait 阻塞直到所有已调度的后台刷新结束。
func (h *Handler) Wait() {
	h.pending.Wait()
}

// Handle 根据请求类型选择策略，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	out := snapshotRequest(c, h.site)
	ctx := requestContext(c)

	switch h.strategyFor(out) {
	case StrategyNetworkFirst:
		return h.networkFirst(c, ctx, out, started)
	case StrategyStaleWhileRevalidate:
		return h.staleWhileRevalidate(c, ctx, out, started)
	default:
		return h.networkOnly(c, ctx, out, started)
	}
}

func (h *Handler) strategyFor(out outbound) Strategy {
	if h.store == nil || out.method != http.MethodGet {
		return StrategyNetworkOnly
	}
	if out.navigate {
		return StrategyNetworkFirst
	}
	return StrategyStaleWhileRevalidate
}

func (h *Handler) networkFirst(c fiber.Ctx, ctx context.Context, out outbound, started time.Time) error {
	resp, err := h.fetch(ctx, out)
	if err != nil {
		h.logResult(out, StrategyNetworkFirst, 0, false, started, err)
		return h.serveFallback(c, ctx, out, started)
	}
	defer resp.Body.Close()

	if h.storable(out, resp) {
		return h.cacheAndStream(c, ctx, out, StrategyNetworkFirst, resp, started)
	}
	return h.streamUpstream(c, out, StrategyNetworkFirst, resp, started)
}

func (h *Handler) serveFallback(c fiber.Ctx, ctx context.Context, out outbound, started time.Time) error {
	cached, err := h.store.Match(ctx, h.fallback)
	switch {
	case err == nil:
		defer cached.Body.Close()
		c.Set(HeaderFallback, "true")
		return h.serveCached(c, out, StrategyNetworkFirst, cached, started)
	case errors.Is(err, cache.ErrNotFound):
		// 无可回退的根文档，直接失败
	default:
		h.logger.WithError(err).
			WithFields(logrus.Fields{"action": "fallback", "cache_version": h.version}).
			Warn("cache_match_failed")
	}

	h.logger.WithFields(logrus.Fields{
		"action":        "fallback",
		"cache_version": h.version,
		"url":           out.url.String(),
		"fallback":      h.fallback.URL,
		"request_id":    out.requestID,
	}).Error("offline_unavailable")
	return h.writeError(c, StrategyNetworkFirst, fiber.StatusServiceUnavailable, "offline_unavailable")
}

func (h *Handler) staleWhileRevalidate(c fiber.Ctx, ctx context.Context, out outbound, started time.Time) error {
	cached, err := h.store.Match(ctx, out.key())
	switch {
	case err == nil:
		defer cached.Body.Close()
		h.scheduleRefresh(out)
		return h.serveCached(c, out, StrategyStaleWhileRevalidate, cached, started)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithError(err).
			WithFields(logrus.Fields{"cache_version": h.version, "url": out.url.String()}).
			Warn("cache_match_failed")
	}

	resp, err := h.fetch(ctx, out)
	if err != nil {
		h.logResult(out, StrategyStaleWhileRevalidate, 0, false, started, err)
		return h.writeError(c, StrategyStaleWhileRevalidate, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	if h.storable(out, resp) {
		return h.cacheAndStream(c, ctx, out, StrategyStaleWhileRevalidate, resp, started)
	}
	return h.streamUpstream(c, out, StrategyStaleWhileRevalidate, resp, started)
}

func (h *Handler) networkOnly(c fiber.Ctx, ctx context.Context, out outbound, started time.Time) error {
	resp, err := h.fetch(ctx, out)
	if err != nil {
		h.logResult(out, StrategyNetworkOnly, 0, false, started, err)
		return h.writeError(c, StrategyNetworkOnly, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	return h.streamUpstream(c, out, StrategyNetworkOnly, resp, started)
}

func (h *Handler) serveCached(c fiber.Ctx, out outbound, strategy Strategy, cached *cache.Response, started time.Time) error {
	for key, values := range cached.Entry.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	h.setCacheHeaders(c, strategy, true)

	status := cached.Entry.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)

	_, err := io.Copy(c.Response().BodyWriter(), cached.Body)
	h.logResult(out, strategy, status, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) streamUpstream(c fiber.Ctx, out outbound, strategy Strategy, resp *http.Response, started time.Time) error {
	copyResponseHeaders(c, resp.Header)
	h.setCacheHeaders(c, strategy, false)
	c.Status(resp.StatusCode)

	if out.method == http.MethodHead {
		h.logResult(out, strategy, resp.StatusCode, false, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(out, strategy, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// cacheAndStream 将上游正文同时写入客户端与缓存。缓存写入失败时继续把剩余正文
// 转发给客户端，实时响应优先于缓存。
func (h *Handler) cacheAndStream(
	c fiber.Ctx,
	ctx context.Context,
	out outbound,
	strategy Strategy,
	resp *http.Response,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	h.setCacheHeaders(c, strategy, false)
	c.Status(resp.StatusCode)

	writer := c.Response().BodyWriter()
	reader := io.TeeReader(resp.Body, writer)
	meta := cache.ResponseMeta{
		Status: resp.StatusCode,
		Header: server.StorableHeaders(resp.Header),
	}

	if _, err := h.store.Put(ctx, out.key(), meta, reader); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":        "cache_write",
			"cache_version": h.version,
			"url":           out.url.String(),
			"request_id":    out.requestID,
		}).Warn("cache_write_failed")
		if _, copyErr := io.Copy(writer, resp.Body); copyErr != nil {
			h.logResult(out, strategy, resp.StatusCode, false, started, copyErr)
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", copyErr))
		}
	}
	h.logResult(out, strategy, resp.StatusCode, false, started, nil)
	return nil
}

// scheduleRefresh 在后台回源并覆盖缓存，结果从不返回给原请求。同一 Key 的并发刷新合并为一次。
func (h *Handler) scheduleRefresh(out outbound) {
	refresh := out.forRefresh()
	key := refresh.key().String()

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		_, _, _ = h.refreshes.Do(key, func() (interface{}, error) {
			return nil, h.revalidate(context.Background(), refresh)
		})
	}()
}

func (h *Handler) revalidate(ctx context.Context, out outbound) error {
	started := time.Now()
	fields := logrus.Fields{
		"action":        "refresh",
		"cache_version": h.version,
		"url":           out.url.String(),
	}

	resp, err := h.fetch(ctx, out)
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("refresh_failed")
		return err
	}
	defer resp.Body.Close()

	fields["upstream_status"] = resp.StatusCode
	if !h.storable(out, resp) {
		h.logger.WithFields(fields).Debug("refresh_skipped")
		return nil
	}

	meta := cache.ResponseMeta{
		Status: resp.StatusCode,
		Header: server.StorableHeaders(resp.Header),
	}
	if _, err := h.store.Put(ctx, out.key(), meta, resp.Body); err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("refresh_write_failed")
		return err
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	h.logger.WithFields(fields).Debug("refresh_complete")
	return nil
}

func (h *Handler) fetch(ctx context.Context, out outbound) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if len(out.body) > 0 {
		body = bytes.NewReader(out.body)
	}

	req, err := http.NewRequestWithContext(ctx, out.method, out.url.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, out.header)
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = out.url.Host
	if out.clientHost != "" {
		req.Header.Set("X-Forwarded-Host", out.clientHost)
	}
	if out.clientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+out.clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", out.clientIP)
		}
	}
	if out.scheme != "" {
		req.Header.Set("X-Forwarded-Proto", out.scheme)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	return h.client.Do(req)
}

// storable 对应浏览器缓存的 basic 响应：GET、200、同源且没有 Vary: *。
// 缓存由所有客户端共享，携带 Authorization 的请求与 private/no-store 响应不写入。
func (h *Handler) storable(out outbound, resp *http.Response) bool {
	if h.store == nil || resp == nil || out.method != http.MethodGet {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if resp.Request == nil || !h.site.SameOrigin(resp.Request.URL) {
		return false
	}
	if out.header.Get("Authorization") != "" {
		return false
	}
	for _, vary := range resp.Header.Values("Vary") {
		if strings.Contains(vary, "*") {
			return false
		}
	}
	return !forbidsSharedCache(resp.Header)
}

// forbidsSharedCache 判断 Cache-Control 是否包含 private 或 no-store 指令。
func forbidsSharedCache(header http.Header) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "private", "no-store":
				return true
			}
		}
	}
	return false
}

func (h *Handler) setCacheHeaders(c fiber.Ctx, strategy Strategy, cacheHit bool) {
	c.Set(HeaderCacheHit, fmt.Sprintf("%t", cacheHit))
	c.Set(HeaderStrategy, string(strategy))
	if h.version != "" {
		c.Set(HeaderCacheVersion, h.version)
	}
}

func (h *Handler) writeError(c fiber.Ctx, strategy Strategy, status int, code string) error {
	h.setCacheHeaders(c, strategy, false)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	out outbound,
	strategy Strategy,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(h.version, string(strategy), out.method, out.url.String(), cacheHit)
	fields["action"] = "proxy"
	fields["navigate"] = out.navigate
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if out.requestID != "" {
		fields["request_id"] = out.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
