package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/medcache/medcache/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（生效 TTL、解析后的 URL、专属 http.Client）
// 聚合在一起，供代理层直接复用。
type OriginRoute struct {
	// Config 是 config.toml 中 Origin 字段的副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，用于日志与转发头。
	ListenPort int
	// CacheTTL 是对当前 Origin 生效的 TTL，未覆盖时等于全局值。
	CacheTTL    time.Duration
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Client 在配置了 Proxy 时使用独立 Transport，否则与全局共享。
	Client *http.Client
}

// UpstreamFor 将去掉前缀后的路径与查询串拼接到 Upstream 上。
func (r *OriginRoute) UpstreamFor(rest, rawQuery string) string {
	target := *r.UpstreamURL
	base := strings.TrimSuffix(target.Path, "/")
	if rest == "" || rest == "/" {
		if base == "" {
			base = "/"
		}
		target.Path = base
	} else {
		target.Path = base + "/" + strings.TrimPrefix(rest, "/")
	}
	target.RawPath = ""
	switch {
	case target.RawQuery != "" && rawQuery != "":
		target.RawQuery = target.RawQuery + "&" + rawQuery
	case rawQuery != "":
		target.RawQuery = rawQuery
	}
	return target.String()
}

// OriginRegistry 按最长前缀匹配请求路径，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	ordered  []*OriginRoute
	byLength []*OriginRoute
}

// NewOriginRegistry 根据配置构建前缀映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config, client *http.Client) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if client == nil {
		client = NewUpstreamClient(cfg)
	}

	registry := &OriginRegistry{}
	seen := make(map[string]struct{}, len(cfg.Origins))
	for _, origin := range cfg.Origins {
		prefix := normalizePrefix(origin.Prefix)
		if _, exists := seen[prefix]; exists {
			return nil, fmt.Errorf("duplicate prefix mapping detected for %s", prefix)
		}
		seen[prefix] = struct{}{}
		origin.Prefix = prefix

		route, err := buildOriginRoute(cfg, origin, client)
		if err != nil {
			return nil, err
		}
		registry.ordered = append(registry.ordered, route)
	}

	registry.byLength = append([]*OriginRoute(nil), registry.ordered...)
	sort.SliceStable(registry.byLength, func(i, j int) bool {
		return len(registry.byLength[i].Config.Prefix) > len(registry.byLength[j].Config.Prefix)
	})
	return registry, nil
}

// Lookup 返回匹配 path 的路由以及去掉前缀后的剩余路径（总以 / 开头）。
func (r *OriginRegistry) Lookup(path string) (*OriginRoute, string, bool) {
	if r == nil {
		return nil, "", false
	}
	if path == "" {
		path = "/"
	}
	for _, route := range r.byLength {
		prefix := route.Config.Prefix
		if prefix == "/" {
			return route, path, true
		}
		if path == prefix {
			return route, "/", true
		}
		if strings.HasPrefix(path, prefix+"/") {
			return route, path[len(prefix):], true
		}
	}
	return nil, "", false
}

// List 返回按配置顺序排列的路由副本，用于 /-/origins 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig, client *http.Client) (*OriginRoute, error) {
	upstreamURL, err := url.Parse(origin.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
	}

	route := &OriginRoute{
		Config:      origin,
		ListenPort:  cfg.Global.ListenPort,
		CacheTTL:    cfg.EffectiveCacheTTL(origin),
		UpstreamURL: upstreamURL,
		Client:      client,
	}

	if origin.Proxy != "" {
		proxyURL, err := url.Parse(origin.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", origin.Name, err)
		}
		route.ProxyURL = proxyURL
		route.Client = clientWithProxy(client, proxyURL)
	}
	return route, nil
}

func clientWithProxy(base *http.Client, proxyURL *url.URL) *http.Client {
	transport := &http.Transport{}
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *base
	client.Transport = transport
	return &client
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
