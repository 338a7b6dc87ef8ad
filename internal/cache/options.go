package cache

import (
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout   = 5 * time.Minute
	defaultInitialBackoff = 500 * time.Millisecond
	maxBackoff            = 30 * time.Second
)

// Options 描述 Cache 的运行参数，零值字段使用默认值。
type Options struct {
	// Root 为缓存根目录，正文位于 Root/blobs，索引位于 Root/index。
	Root string
	// Store 可替换默认的磁盘正文存储。
	Store Store

	Capacity       int64
	DefaultTTL     time.Duration
	FetchTimeout   time.Duration
	SweepInterval  time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	VerifyOnRead   bool

	// Limiter 限制对上游的请求速率，nil 表示不限速。
	Limiter *rate.Limiter
	Client  *http.Client
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// ResolveOption 调整单次 Resolve 的行为。
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	ttl    time.Duration
	client *http.Client
	header http.Header
}

// WithTTL 覆盖本次写入条目的 TTL，<=0 时使用默认值。
func WithTTL(ttl time.Duration) ResolveOption {
	return func(o *resolveOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClient 指定回源使用的 HTTP 客户端（例如带代理的 Transport）。
func WithClient(client *http.Client) ResolveOption {
	return func(o *resolveOptions) {
		if client != nil {
			o.client = client
		}
	}
}

// WithHeader 为回源请求附加请求头，例如 Authorization。
func WithHeader(key, value string) ResolveOption {
	return func(o *resolveOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Set(key, value)
	}
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
