package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
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
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.SweepInterval.DurationValue() <= 0 {
		return newFieldError("Global.SweepInterval", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxOriginRPS < 0 {
		return newFieldError("Global.MaxOriginRPS", "不能为负数")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenPrefixes := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validatePrefix(origin.Prefix); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Prefix"), err)
		}
		if _, exists := seenPrefixes[origin.Prefix]; exists {
			return newFieldError(originField(origin.Name, "Prefix"), "与其它 Origin 重复")
		}
		seenPrefixes[origin.Prefix] = struct{}{}

		if (origin.Username == "") != (origin.Password == "") {
			return newFieldError(originField(origin.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("Prefix 不能为空")
	}
	if !strings.HasPrefix(prefix, "/") {
		return errors.New("Prefix 必须以 / 开头")
	}
	if strings.HasPrefix(prefix, "/-/") || prefix == "/-" || prefix == "/health" {
		return errors.New("Prefix 与诊断接口冲突")
	}
	if strings.ContainsAny(prefix, " ?#") {
		return errors.New("Prefix 不允许包含空格、查询或片段")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveCacheTTL 返回特定 Origin 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveCacheTTL(o OriginConfig) time.Duration {
	if o.CacheTTL.DurationValue() > 0 {
		return o.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}
