package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/medcache/medcache/internal/cache"
	"github.com/medcache/medcache/internal/server"
)

// CacheAdmin 是诊断接口依赖的缓存能力子集。
type CacheAdmin interface {
	Stats() cache.Stats
	ResetStats()
	Entries() []cache.Entry
	Remove(ctx context.Context, fingerprint string) error
	Clear(ctx context.Context) int
	Registry() *prometheus.Registry
}

// RegisterDiagnostics 暴露 /health 与 /-/ 下的运维接口。
func RegisterDiagnostics(app *fiber.App, admin CacheAdmin, registry *server.OriginRegistry, logger *logrus.Logger) {
	if app == nil || admin == nil {
		return
	}

	stats := func(c fiber.Ctx) error {
		return c.JSON(encodeStats(admin.Stats()))
	}
	app.Get("/health", stats)
	app.Get("/-/stats", stats)

	app.Post("/-/stats/reset", func(c fiber.Ctx) error {
		admin.ResetStats()
		logOperator(logger, c, "stats_reset", nil)
		return c.JSON(encodeStats(admin.Stats()))
	})

	app.Get("/-/entries", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"entries": encodeEntries(admin.Entries())})
	})

	app.Delete("/-/entries/:fingerprint", func(c fiber.Ctx) error {
		fp := c.Params("fingerprint")
		err := admin.Remove(c.Context(), fp)
		switch {
		case err == nil:
			logOperator(logger, c, "entry_remove", logrus.Fields{"fingerprint": fp})
			return c.SendStatus(fiber.StatusNoContent)
		case errors.Is(err, cache.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "entry_not_found"})
		case errors.Is(err, cache.ErrInvalidFingerprint):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_fingerprint"})
		case errors.Is(err, cache.ErrEntryPending):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "entry_pending"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "remove_failed"})
		}
	})

	app.Post("/-/cache/clear", func(c fiber.Ctx) error {
		removed := admin.Clear(c.Context())
		logOperator(logger, c, "cache_clear", logrus.Fields{"removed": removed})
		return c.JSON(fiber.Map{"removed": removed})
	})

	app.Get("/-/origins", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"origins": encodeOrigins(registry.List())})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(admin.Registry(), promhttp.HandlerOpts{})))
}

type statsPayload struct {
	cache.Stats
	HitRatio float64 `json:"hit_ratio"`
}

type entryPayload struct {
	Fingerprint    string    `json:"fingerprint"`
	OriginURL      string    `json:"origin_url"`
	SizeBytes      int64     `json:"size_bytes"`
	ContentHash    string    `json:"content_hash,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	TTLSeconds     int64     `json:"ttl_seconds"`
}

type originPayload struct {
	Name       string `json:"name"`
	Prefix     string `json:"prefix"`
	Upstream   string `json:"upstream"`
	Proxied    bool   `json:"proxied"`
	AuthMode   string `json:"auth_mode"`
	TTLSeconds int64  `json:"ttl_seconds"`
	Port       int    `json:"port"`
}

func encodeStats(stats cache.Stats) statsPayload {
	return statsPayload{Stats: stats, HitRatio: stats.HitRatio()}
}

func encodeEntries(entries []cache.Entry) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entryPayload{
			Fingerprint:    entry.Fingerprint,
			OriginURL:      entry.OriginURL,
			SizeBytes:      entry.SizeBytes,
			ContentHash:    entry.ContentHash.String(),
			State:          string(entry.State),
			CreatedAt:      entry.CreatedAt,
			LastAccessedAt: entry.LastAccessedAt,
			TTLSeconds:     int64(entry.TTL / time.Second),
		})
	}
	return result
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:       route.Config.Name,
			Prefix:     route.Config.Prefix,
			Upstream:   route.UpstreamURL.Redacted(),
			Proxied:    route.ProxyURL != nil,
			AuthMode:   route.Config.AuthMode(),
			TTLSeconds: int64(route.CacheTTL / time.Second),
			Port:       route.ListenPort,
		})
	}
	return result
}

func logOperator(logger *logrus.Logger, c fiber.Ctx, action string, extra logrus.Fields) {
	if logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":     action,
		"request_id": server.RequestID(c),
		"remote_ip":  c.IP(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	logger.WithFields(fields).Info("operator action")
}
