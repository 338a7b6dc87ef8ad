package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/medcache/medcache/internal/cache"
	"github.com/medcache/medcache/internal/logging"
	"github.com/medcache/medcache/internal/server"
)

const (
	cacheStatusHit    = "HIT"
	cacheStatusMiss   = "MISS"
	cacheStatusBypass = "BYPASS"
)

// Resolver 是代理层依赖的缓存能力。
type Resolver interface {
	Resolve(ctx context.Context, originURL string, opts ...cache.ResolveOption) (*cache.Result, error)
	Open(ctx context.Context, fingerprint string) (*cache.Result, error)
}

// Handler 将请求映射为上游 URL，交给缓存解析；缓存无法提供时直接转发上游。
type Handler struct {
	cache  Resolver
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the shared cache.
func NewHandler(resolver Resolver, logger *logrus.Logger) *Handler {
	return &Handler{
		cache:  resolver,
		logger: logger,
	}
}

// Handle 解析缓存并流式返回正文，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute, rest string) error {
	started := time.Now()
	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD, OPTIONS")
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	upstream := route.UpstreamFor(rest, string(c.Request().URI().QueryString()))
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := []cache.ResolveOption{
		cache.WithTTL(route.CacheTTL),
		cache.WithClient(route.Client),
	}
	if auth := buildCredentialHeader(route.Config.Username, route.Config.Password); auth != "" {
		opts = append(opts, cache.WithHeader(fiber.HeaderAuthorization, auth))
	}

	result, err := h.cache.Resolve(ctx, upstream, opts...)
	if err != nil {
		h.logResult(c, route, upstream, cacheStatusBypass, 0, started, err)
		switch {
		case errors.Is(err, cache.ErrClosed):
			return h.writeError(c, fiber.StatusServiceUnavailable, "cache_closed")
		case errors.Is(err, cache.ErrInvalidOrigin):
			return h.writeError(c, fiber.StatusBadRequest, "invalid_origin_url")
		default:
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
	}

	if result.Outcome == cache.OutcomeCached {
		status := cacheStatusMiss
		if result.Hit {
			status = cacheStatusHit
		}
		return h.serveCached(c, route, upstream, rest, result, status, started)
	}

	h.logger.WithFields(logging.CacheFields("cache_passthrough", result.Entry.Fingerprint, upstream)).
		WithField("request_id", server.RequestID(c)).
		WithError(result.Reason).
		Warn("缓存不可用，直接转发上游")
	return h.passThrough(c, route, upstream, started)
}

// RegisterBlobRoutes 暴露按指纹读取已缓存正文的接口。
func (h *Handler) RegisterBlobRoutes(app *fiber.App) {
	app.Get("/-/blobs/:fingerprint", h.serveBlob)
	app.Head("/-/blobs/:fingerprint", h.serveBlob)
}

func (h *Handler) serveBlob(c fiber.Ctx) error {
	fp := c.Params("fingerprint")
	result, err := h.cache.Open(c.Context(), fp)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		return h.writeError(c, fiber.StatusNotFound, "entry_not_found")
	case errors.Is(err, cache.ErrInvalidFingerprint):
		return h.writeError(c, fiber.StatusBadRequest, "invalid_fingerprint")
	default:
		return h.writeError(c, fiber.StatusServiceUnavailable, "cache_unavailable")
	}
	return h.serveCached(c, nil, result.Entry.OriginURL, result.Entry.OriginURL, result, cacheStatusHit, time.Now())
}

func (h *Handler) serveCached(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstream string,
	name string,
	result *cache.Result,
	status string,
	started time.Time,
) error {
	entry := result.Entry
	etag := ""
	if entry.ContentHash != "" {
		etag = `"` + entry.ContentHash.Encoded() + `"`
		c.Set(fiber.HeaderETag, etag)
		c.Set("X-Content-Digest", entry.ContentHash.String())
	}
	c.Set(fiber.HeaderContentType, contentTypeFor(name))
	c.Set(fiber.HeaderLastModified, entry.CreatedAt.UTC().Format(http.TimeFormat))
	c.Set("X-Cache", status)

	if etag != "" && matchesETag(c.Get(fiber.HeaderIfNoneMatch), etag) {
		result.Close()
		h.logResult(c, route, upstream, status, fiber.StatusNotModified, started, nil)
		return c.SendStatus(fiber.StatusNotModified)
	}

	c.Status(fiber.StatusOK)
	if c.Method() == fiber.MethodHead {
		result.Close()
		c.Response().Header.SetContentLength(int(entry.SizeBytes))
		h.logResult(c, route, upstream, status, fiber.StatusOK, started, nil)
		return nil
	}

	h.logResult(c, route, upstream, status, fiber.StatusOK, started, nil)
	// fasthttp 在写完后关闭实现了 io.Closer 的正文。
	return c.SendStream(result.Body, int(entry.SizeBytes))
}

// passThrough 直接转发上游响应，不写入缓存。
func (h *Handler) passThrough(c fiber.Ctx, route *server.OriginRoute, upstream string, started time.Time) error {
	req, err := h.buildUpstreamRequest(c, route, upstream)
	if err != nil {
		h.logResult(c, route, upstream, cacheStatusBypass, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	client := route.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		h.logResult(c, route, upstream, cacheStatusBypass, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Cache", cacheStatusBypass)
	c.Status(resp.StatusCode)
	h.logResult(c, route, upstream, cacheStatusBypass, resp.StatusCode, started, nil)

	if c.Method() == fiber.MethodHead {
		resp.Body.Close()
		return nil
	}
	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	return c.SendStream(resp.Body, size)
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, route *server.OriginRoute, upstream string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream, http.NoBody)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del(fiber.HeaderHost)
	req.Header.Del(fiber.HeaderOrigin)
	req.Header.Set(fiber.HeaderAcceptEncoding, "identity")
	req.Header.Set(fiber.HeaderXForwardedHost, c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get(fiber.HeaderXForwardedFor); prior != "" {
			req.Header.Set(fiber.HeaderXForwardedFor, prior+", "+ip)
		} else {
			req.Header.Set(fiber.HeaderXForwardedFor, ip)
		}
	}
	req.Header.Set(fiber.HeaderXForwardedProto, c.Protocol())
	req.Header.Set("X-Forwarded-Port", fmt.Sprintf("%d", route.ListenPort))

	if auth := buildCredentialHeader(route.Config.Username, route.Config.Password); auth != "" {
		req.Header.Set(fiber.HeaderAuthorization, auth)
	}
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstream string,
	cacheStatus string,
	status int,
	started time.Time,
	err error,
) {
	var fields logrus.Fields
	if route != nil {
		fields = logging.RequestFields(route.Config.Name, route.Config.Prefix, route.Config.AuthMode(), cacheStatus)
	} else {
		fields = logging.RequestFields("", "/-/blobs", "", cacheStatus)
	}
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["upstream"] = upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
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
		if server.IsHopByHopHeader(key) || strings.HasPrefix(key, "Access-Control-") {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

func matchesETag(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}
