package proxy

import (
	"context"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/medcache/medcache/internal/cache"
	"github.com/medcache/medcache/internal/config"
	"github.com/medcache/medcache/internal/server"
)

func testRoute() *server.OriginRoute {
	upstream, _ := url.Parse("https://inference.example.org/files")
	return &server.OriginRoute{
		Config: config.OriginConfig{
			Name:     "scans",
			Prefix:   "/files",
			Upstream: "https://inference.example.org/files",
			Username: "viewer",
			Password: "s3cret",
		},
		ListenPort:  5000,
		UpstreamURL: upstream,
	}
}

func TestBuildUpstreamRequestRewritesHeaders(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/files/a.nii.gz")
	ctx.Request().Header.SetMethod(fiber.MethodGet)
	ctx.Request().Header.SetHost("medcache.local")
	ctx.Request().Header.Set("Origin", "https://viewer.example.org")
	ctx.Request().Header.Set("Connection", "keep-alive")
	ctx.Request().Header.Set("Accept-Encoding", "gzip")
	ctx.Request().Header.Set("X-Forwarded-For", "10.0.0.1")
	ctx.Request().Header.Set("Range", "bytes=0-99")

	h := NewHandler(nil, logrus.New())
	req, err := h.buildUpstreamRequest(ctx, testRoute(), "https://inference.example.org/files/a.nii.gz")
	if err != nil {
		t.Fatalf("buildUpstreamRequest: %v", err)
	}

	if req.Header.Get("Origin") != "" || req.Header.Get("Connection") != "" {
		t.Fatalf("origin and hop-by-hop headers must be stripped: %v", req.Header)
	}
	if req.Header.Get("Accept-Encoding") != "identity" {
		t.Fatalf("upstream should be asked for identity encoding, got %s", req.Header.Get("Accept-Encoding"))
	}
	if req.Header.Get("Range") != "bytes=0-99" {
		t.Fatalf("end-to-end headers should be forwarded")
	}
	if !strings.HasPrefix(req.Header.Get("X-Forwarded-For"), "10.0.0.1") {
		t.Fatalf("existing X-Forwarded-For should be extended, got %s", req.Header.Get("X-Forwarded-For"))
	}
	if req.Header.Get("X-Forwarded-Host") != "medcache.local" || req.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("unexpected forwarding headers: %v", req.Header)
	}
	if req.Header.Get("Authorization") != buildCredentialHeader("viewer", "s3cret") {
		t.Fatalf("origin credentials should be injected")
	}
}

type closedResolver struct{}

func (closedResolver) Resolve(context.Context, string, ...cache.ResolveOption) (*cache.Result, error) {
	return nil, cache.ErrClosed
}

func (closedResolver) Open(context.Context, string) (*cache.Result, error) {
	return nil, cache.ErrClosed
}

func TestHandleMapsResolverErrors(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Request().SetRequestURI("/files/a.nii.gz")
	ctx.Request().Header.SetMethod(fiber.MethodGet)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := NewHandler(closedResolver{}, logger)
	if err := h.Handle(ctx, testRoute(), "/a.nii.gz"); err != nil {
		t.Fatalf("Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusServiceUnavailable {
		t.Fatalf("closed cache should map to 503, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "cache_closed") {
		t.Fatalf("unexpected body %s", body)
	}
}
