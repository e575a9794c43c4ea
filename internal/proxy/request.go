package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-cache/offline-cache/internal/cache"
	"github.com/offline-cache/offline-cache/internal/server"
)

// outbound 是被拦截请求的快照。后台刷新会在原请求结束后继续使用它，
// 因此不能持有 fiber.Ctx（fasthttp 会复用 ctx）。
type outbound struct {
	method     string
	url        *url.URL
	header     http.Header
	body       []byte
	navigate   bool
	requestID  string
	clientHost string
	clientIP   string
	scheme     string
}

func snapshotRequest(c fiber.Ctx, site *server.Site) outbound {
	uri := c.Request().URI()
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	method := c.Method()

	return outbound{
		method:     method,
		url:        site.UpstreamURL(string(uri.PathOriginal()), string(uri.QueryString())),
		header:     header,
		body:       append([]byte(nil), c.Body()...),
		navigate:   IsNavigationRequest(method, header),
		requestID:  server.RequestID(c),
		clientHost: c.Hostname(),
		clientIP:   c.IP(),
		scheme:     c.Scheme(),
	}
}

// key 返回请求身份；只有 GET 请求会被写入缓存。
func (o outbound) key() cache.Key {
	return cache.Key{Method: http.MethodGet, URL: o.url.String()}
}

// conditionalHeaders 在后台刷新时移除，保证拿到完整的 200 响应用于覆盖缓存。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

func (o outbound) forRefresh() outbound {
	refresh := o
	refresh.header = o.header.Clone()
	for _, name := range conditionalHeaders {
		refresh.header.Del(name)
	}
	refresh.body = nil
	return refresh
}

// IsNavigationRequest 判断请求是否为整页导航：优先使用 Sec-Fetch-Mode，
// 缺少 fetch metadata 的客户端退回到 Accept: text/html 判断。仅 GET 参与。
func IsNavigationRequest(method string, header http.Header) bool {
	if method != http.MethodGet {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))) {
	case "navigate":
		return true
	case "":
		return strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
	default:
		return false
	}
}

func requestContext(c fiber.Ctx) context.Context {
	var ctx context.Context = c.Context()
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
