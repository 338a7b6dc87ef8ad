package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Outcome 区分 Resolve 的两种结果。
type Outcome int

const (
	// OutcomeCached 表示 Body 指向一个已校验的本地正文。
	OutcomeCached Outcome = iota + 1
	// OutcomePassThrough 表示缓存无法提供内容，调用方应直接访问上游。
	OutcomePassThrough
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomePassThrough:
		return "pass_through"
	default:
		return "unknown"
	}
}

// Result 是 Resolve/Open 的返回值。Outcome 为 OutcomeCached 时调用方必须 Close。
type Result struct {
	Outcome Outcome
	// Hit 表示正文在本次调用前已就绪，未触发新的下载。
	Hit   bool
	Entry Entry
	Body  io.ReadSeekCloser
	// Reason 记录直通原因（上游失败、超出容量、写盘失败等）。
	Reason error
}

// Close 释放正文句柄。
func (r *Result) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Cache 组合正文存储、元数据索引与回源协调，是对外唯一的缓存入口。
type Cache struct {
	store  Store
	index  *Index
	locks  *keyLocks
	flight singleflight.Group

	capacity       atomic.Int64
	defaultTTL     time.Duration
	fetchTimeout   time.Duration
	sweepInterval  time.Duration
	maxRetries     int
	initialBackoff time.Duration
	verifyOnRead   bool
	limiter        *rate.Limiter
	client         *http.Client
	logger         logrus.FieldLogger
	now            func() time.Time

	counters counters
	registry *prometheus.Registry

	sweepMu sync.Mutex

	closed    atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New 打开（或创建）Root 下的缓存，恢复索引、清理孤儿正文并启动后台清扫。
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root required")
	}
	if opts.Capacity <= 0 {
		return nil, errors.New("cache capacity must be positive")
	}
	if opts.MaxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = NewStore(filepath.Join(opts.Root, "blobs"))
		if err != nil {
			return nil, err
		}
	}
	index, err := NewIndex(filepath.Join(opts.Root, "index"), logger)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:          store,
		index:          index,
		locks:          newKeyLocks(),
		defaultTTL:     opts.DefaultTTL,
		fetchTimeout:   opts.FetchTimeout,
		sweepInterval:  opts.SweepInterval,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		verifyOnRead:   opts.VerifyOnRead,
		limiter:        opts.Limiter,
		client:         opts.Client,
		logger:         logger,
		now:            opts.Now,
	}
	c.capacity.Store(opts.Capacity)
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = defaultFetchTimeout
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.registry = newRegistry(c)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if err := c.restore(ctx); err != nil {
		cancel()
		return nil, err
	}
	c.Sweep(ctx)

	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.janitor(ctx)
	}
	return c, nil
}

// restore 加载索引并与磁盘正文对账：缺失或大小不符的记录被丢弃，
// 没有记录的正文被删除。
func (c *Cache) restore(ctx context.Context) error {
	loaded, err := c.index.Load()
	if err != nil {
		// 索引不可读时按空缓存启动，孤立正文随后被清理。
		c.logger.WithField("action", "cache_restore").WithError(err).Warn("索引目录不可读，以空缓存启动")
		loaded = nil
	}

	known := make(map[string]struct{}, len(loaded))
	dropped := 0
	for _, entry := range loaded {
		size, err := c.store.SizeOf(ctx, entry.Fingerprint)
		if err != nil || size != entry.SizeBytes {
			c.index.Remove(entry.Fingerprint)
			if err == nil {
				c.deleteBlob(ctx, entry.Fingerprint)
			}
			dropped++
			continue
		}
		known[entry.Fingerprint] = struct{}{}
	}

	blobs, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	orphans := 0
	for _, fp := range blobs {
		if _, ok := known[fp]; ok {
			continue
		}
		c.deleteBlob(ctx, fp)
		orphans++
	}

	c.logger.WithFields(logrus.Fields{
		"action":  "cache_restore",
		"entries": len(known),
		"dropped": dropped,
		"orphans": orphans,
	}).Info("缓存索引已恢复")
	return nil
}

// Registry 返回该实例的 Prometheus 注册表。
func (c *Cache) Registry() *prometheus.Registry {
	return c.registry
}

// Capacity 返回当前容量上限（字节）。
func (c *Cache) Capacity() int64 {
	return c.capacity.Load()
}

// SetCapacity 调整容量并立即执行一次清扫。
func (c *Cache) SetCapacity(ctx context.Context, capacity int64) error {
	if capacity <= 0 {
		return errors.New("cache capacity must be positive")
	}
	old := c.capacity.Swap(capacity)
	if old != capacity {
		c.logger.WithFields(logrus.Fields{
			"action":   "cache_capacity",
			"previous": old,
			"capacity": capacity,
		}).Info("缓存容量已更新")
		c.Sweep(ctx)
	}
	return nil
}

// Resolve 返回 originURL 对应的本地正文；缺失或过期时回源下载。
// 同一指纹的并发调用共享一次下载。返回的 error 仅表示参数非法、
// 调用方取消或缓存已关闭；回源失败通过 OutcomePassThrough 表达。
func (c *Cache) Resolve(ctx context.Context, originURL string, opts ...ResolveOption) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	fp, normalized, err := fingerprintURL(originURL)
	if err != nil {
		return nil, err
	}

	ro := resolveOptions{ttl: c.defaultTTL, client: c.client}
	for _, opt := range opts {
		opt(&ro)
	}

	if res, ok := c.tryHit(ctx, fp); ok {
		return res, nil
	}

	// 刚写入的正文可能在交给等待者之前就被清扫，此时重新协调一次。
	for attempt := 0; attempt < 2; attempt++ {
		ch := c.flight.DoChan(fp, func() (any, error) {
			return c.fetch(fp, normalized, ro)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}

		if res.Err != nil {
			c.counters.misses.Add(1)
			return c.passThrough(fp, normalized, res.Err), nil
		}

		fetched := res.Val.(bool)
		out, err := c.openReady(ctx, fp)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		}
		if fetched {
			c.counters.misses.Add(1)
		} else {
			c.counters.hits.Add(1)
			out.Hit = true
		}
		c.counters.bytesServed.Add(out.Entry.SizeBytes)
		return out, nil
	}

	c.counters.misses.Add(1)
	return c.passThrough(fp, normalized, ErrEvicted), nil
}

// Open 按指纹读取已就绪的正文，不会触发回源。
func (c *Cache) Open(ctx context.Context, fingerprint string) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !validFingerprint(fingerprint) {
		return nil, ErrInvalidFingerprint
	}
	res, ok := c.tryHit(ctx, fingerprint)
	if !ok {
		return nil, ErrNotFound
	}
	return res, nil
}

// Lookup 返回索引中的条目，不更新访问时间。
func (c *Cache) Lookup(fingerprint string) (Entry, bool) {
	return c.index.Lookup(fingerprint)
}

// Entries 返回索引快照。
func (c *Cache) Entries() []Entry {
	return c.index.Snapshot()
}

// Remove 删除一个条目及其正文。不存在时返回 ErrNotFound，重复调用结果一致。
func (c *Cache) Remove(ctx context.Context, fingerprint string) error {
	if !validFingerprint(fingerprint) {
		return ErrInvalidFingerprint
	}
	unlock := c.locks.lock(fingerprint)
	defer unlock()

	entry, ok := c.index.Lookup(fingerprint)
	if !ok {
		return ErrNotFound
	}
	if entry.State == StatePending {
		return ErrEntryPending
	}
	c.index.Remove(fingerprint)
	c.deleteBlob(ctx, fingerprint)
	c.logger.WithFields(logrus.Fields{
		"action":      "cache_remove",
		"fingerprint": fingerprint,
		"origin_url":  entry.OriginURL,
	}).Info("缓存条目已删除")
	return nil
}

// Clear 删除所有非 Pending 条目，返回删除数量。
func (c *Cache) Clear(ctx context.Context) int {
	removed := 0
	for _, entry := range c.index.Snapshot() {
		if entry.State == StatePending {
			continue
		}
		if c.removeIfUnchanged(ctx, entry) {
			removed++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"action":  "cache_clear",
		"removed": removed,
	}).Info("缓存已清空")
	return removed
}

// Close 停止后台清扫并将访问时间落盘。重复调用安全。
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		err = c.index.Flush()
	})
	return err
}

// tryHit 在指纹锁内读取就绪条目并刷新访问时间，校验在锁外进行。
func (c *Cache) tryHit(ctx context.Context, fp string) (*Result, bool) {
	out, err := c.openReady(ctx, fp)
	if err != nil {
		return nil, false
	}
	out.Hit = true
	c.counters.hits.Add(1)
	c.counters.bytesServed.Add(out.Entry.SizeBytes)
	return out, true
}

func (c *Cache) openReady(ctx context.Context, fp string) (*Result, error) {
	unlock := c.locks.lock(fp)
	entry, ok := c.index.Lookup(fp)
	if !ok || !entry.Servable(c.now()) {
		unlock()
		return nil, ErrNotFound
	}
	read, err := c.store.Get(ctx, fp)
	if err != nil {
		unlock()
		if errors.Is(err, ErrNotFound) {
			c.discard(ctx, entry, "blob_missing")
		}
		return nil, ErrNotFound
	}
	now := c.now()
	c.index.Touch(fp, now)
	entry.LastAccessedAt = now
	unlock()

	if read.SizeBytes != entry.SizeBytes || (c.verifyOnRead && !verifyBlob(read.Reader, entry)) {
		read.Reader.Close()
		c.discard(ctx, entry, "integrity_mismatch")
		return nil, ErrIntegrityMismatch
	}

	return &Result{
		Outcome: OutcomeCached,
		Entry:   entry,
		Body:    read.Reader,
	}, nil
}

// discard 移除损坏的条目，下一次 Resolve 会重新回源。
func (c *Cache) discard(ctx context.Context, entry Entry, reason string) {
	if c.removeIfUnchanged(ctx, entry) {
		c.logger.WithFields(logrus.Fields{
			"action":      "cache_discard",
			"reason":      reason,
			"fingerprint": entry.Fingerprint,
			"origin_url":  entry.OriginURL,
		}).Warn("缓存正文校验失败，已丢弃")
	}
}

func verifyBlob(r io.ReadSeeker, entry Entry) bool {
	if entry.ContentHash == "" {
		return true
	}
	verifier := entry.ContentHash.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return false
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return false
	}
	return verifier.Verified()
}

func (c *Cache) passThrough(fp, originURL string, reason error) *Result {
	c.counters.passThroughs.Add(1)
	return &Result{
		Outcome: OutcomePassThrough,
		Entry: Entry{
			Fingerprint: fp,
			OriginURL:   originURL,
		},
		Reason: reason,
	}
}

// removeIfUnchanged 在指纹锁内确认条目未被替换后先删索引再删正文。
func (c *Cache) removeIfUnchanged(ctx context.Context, entry Entry) bool {
	unlock := c.locks.lock(entry.Fingerprint)
	defer unlock()

	current, ok := c.index.Lookup(entry.Fingerprint)
	if !ok || current.State != entry.State || !current.CreatedAt.Equal(entry.CreatedAt) {
		return false
	}
	c.index.Remove(entry.Fingerprint)
	c.deleteBlob(ctx, entry.Fingerprint)
	return true
}

func (c *Cache) deleteBlob(ctx context.Context, fp string) {
	if err := c.store.Delete(ctx, fp); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.WithFields(logrus.Fields{
			"action":      "blob_delete",
			"fingerprint": fp,
		}).WithError(err).Warn("删除缓存正文失败")
	}
}
