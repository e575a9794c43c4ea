package server

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/offline-cache/offline-cache/internal/config"
)

// Site 将 [Site] 配置与派生属性（解析后的源站、预热资源与回退文档 URL）
// 聚合在一起，供生命周期与代理层直接复用，避免重复解析配置。
type Site struct {
	// Origin 总是以 "/" 结尾，请求路径拼接在其后。
	Origin *url.URL
	// CacheVersion 是当前配置声明的缓存库名称。
	CacheVersion string
	// SeedURLs 与 SeedAssets 一一对应，保持配置顺序。
	SeedURLs []*url.URL
	// FallbackURL 是导航离线时回退的根文档。
	FallbackURL *url.URL
	ListenPort  int
}

// NewSite 根据配置构建站点描述。调用方应在每次加载配置后创建一次并复用。
func NewSite(cfg *config.Config) (*Site, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	origin, err := url.Parse(cfg.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %s: %w", cfg.Site.Origin, err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", cfg.Site.Origin)
	}
	origin.RawQuery = ""
	origin.Fragment = ""
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}
	origin.RawPath = ""

	site := &Site{
		Origin:       origin,
		CacheVersion: cfg.Site.CacheVersion,
		ListenPort:   cfg.Global.ListenPort,
	}

	for _, asset := range cfg.Site.SeedAssets {
		resolved, err := site.ResolveAsset(asset)
		if err != nil {
			return nil, fmt.Errorf("invalid seed asset %s: %w", asset, err)
		}
		site.SeedURLs = append(site.SeedURLs, resolved)
	}

	fallback := cfg.Site.FallbackDocument
	if fallback == "" {
		fallback = "./index.html"
	}
	site.FallbackURL, err = site.ResolveAsset(fallback)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback document %s: %w", fallback, err)
	}

	return site, nil
}

// ResolveAsset 将站内相对路径（如 "./"、"./index.html"）解析为源站 URL。
func (s *Site) ResolveAsset(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if ref.Scheme != "" || ref.Host != "" {
		return nil, fmt.Errorf("asset must be site-relative: %s", raw)
	}
	resolved := (&url.URL{Path: "/"}).ResolveReference(ref)
	return s.UpstreamURL(resolved.EscapedPath(), resolved.RawQuery), nil
}

// UpstreamURL 将客户端请求路径与查询串映射到源站 URL。requestPath 为未解码的原始路径，
// "%2F" 等转义按原样转发并作为缓存键的一部分。
func (s *Site) UpstreamURL(requestPath, rawQuery string) *url.URL {
	upstream := *s.Origin
	escaped := strings.TrimSuffix(s.Origin.EscapedPath(), "/") + NormalizePath(requestPath)
	decoded, err := url.PathUnescape(escaped)
	if err != nil {
		decoded = escaped
	}
	upstream.Path = decoded
	upstream.RawPath = escaped
	upstream.RawQuery = rawQuery
	upstream.Fragment = ""
	return &upstream
}

// SameOrigin 判断 u 是否与源站同源（scheme + host），跨源响应视为不可缓存。
func (s *Site) SameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, s.Origin.Scheme) && strings.EqualFold(u.Host, s.Origin.Host)
}

// NormalizePath 清理请求路径，保留末尾 "/" 以区分目录与文件。
func NormalizePath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}
