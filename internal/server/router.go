package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers a request for a mapped
// origin. rest is the request path with the origin prefix removed.
type ProxyHandler interface {
	Handle(c fiber.Ctx, route *OriginRoute, rest string) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute, string) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute, rest string) error {
	return f(c, route, rest)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
	// AllowOrigin 为空时不输出 CORS 头。
	AllowOrigin string
}

const (
	contextKeyRoute     = "_medcache_route"
	contextKeyRest      = "_medcache_rest"
	contextKeyRequestID = "_medcache_request_id"
)

// exposedHeaders 允许浏览器端查看器读取的响应头。
var exposedHeaders = strings.Join([]string{
	fiber.HeaderContentLength,
	fiber.HeaderContentType,
	"X-Cache",
	"X-Content-Digest",
	"X-Request-ID",
}, ", ")

// NewApp builds a Fiber application with prefix routing middleware, CORS and
// structured error handling. Diagnostics routes are attached by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(corsMiddleware(opts.AllowOrigin))
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if IsDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, rest, ok := routeFromContext(c)
		if !ok {
			return renderOriginUnmapped(c, opts.Logger, string(c.Request().URI().Path()), opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route, rest)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于路径前缀查找 OriginRoute。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if IsDiagnosticsPath(path) {
			return c.Next()
		}

		route, rest, ok := opts.Registry.Lookup(path)
		if !ok {
			return renderOriginUnmapped(c, opts.Logger, path, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		c.Locals(contextKeyRest, rest)
		return c.Next()
	}
}

// corsMiddleware 为所有响应附加 CORS 头，并直接应答 OPTIONS 预检。
func corsMiddleware(allowOrigin string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if allowOrigin == "" {
			return c.Next()
		}
		c.Set(fiber.HeaderAccessControlAllowOrigin, allowOrigin)
		c.Set(fiber.HeaderAccessControlExposeHeaders, exposedHeaders)
		if allowOrigin != "*" {
			c.Set(fiber.HeaderVary, fiber.HeaderOrigin)
		}
		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}

		c.Set(fiber.HeaderAccessControlAllowMethods, "GET, HEAD, OPTIONS")
		if requested := c.Get(fiber.HeaderAccessControlRequestHeaders); requested != "" {
			c.Set(fiber.HeaderAccessControlAllowHeaders, requested)
		} else {
			c.Set(fiber.HeaderAccessControlAllowHeaders, "Range, Content-Type, Authorization")
		}
		c.Set(fiber.HeaderAccessControlMaxAge, "600")
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func renderOriginUnmapped(c fiber.Ctx, logger *logrus.Logger, path string, port int) error {
	logger.WithFields(logrus.Fields{
		"action": "origin_lookup",
		"path":   path,
		"port":   port,
	}).Warn("origin unmapped")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "origin_unmapped",
	})
}

func routeFromContext(c fiber.Ctx) (*OriginRoute, string, bool) {
	route, ok := c.Locals(contextKeyRoute).(*OriginRoute)
	if !ok || route == nil {
		return nil, "", false
	}
	rest, _ := c.Locals(contextKeyRest).(string)
	return route, rest, true
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsDiagnosticsPath reports whether path belongs to the built-in operator
// surface rather than a proxied origin.
func IsDiagnosticsPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/-/")
}
