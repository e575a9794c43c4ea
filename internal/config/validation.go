package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	s := c.Site
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("%s: %w", siteField("Origin"), err)
	}
	if err := validateCacheVersion(s.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", siteField("CacheVersion"), err)
	}
	for i, asset := range s.SeedAssets {
		if err := validateRelativePath(asset); err != nil {
			return fmt.Errorf("%s: %w", siteField(fmt.Sprintf("SeedAssets[%d]", i)), err)
		}
	}
	if err := validateRelativePath(s.FallbackDocument); err != nil {
		return fmt.Errorf("%s: %w", siteField("FallbackDocument"), err)
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询参数或锚点: %s", raw)
	}
	return nil
}

func validateCacheVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(version, ".") {
		return errors.New("不能以 . 开头")
	}
	if strings.ContainsAny(version, " \t\r\n") {
		return errors.New("不允许包含空白字符")
	}
	return nil
}

// validateRelativePath 要求资源路径相对于站点根目录，禁止携带协议或主机。
func validateRelativePath(raw string) error {
	if raw == "" {
		return errors.New("路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("仅支持站内相对路径: %s", raw)
	}
	return nil
}
