package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// digestHeaders 为上游可能声明的正文摘要头，按顺序取第一个可解析的 sha256。
var digestHeaders = []string{"X-Content-Digest", "Docker-Content-Digest"}

// fetch 是 singleflight 的执行体：条目在指纹锁内切换为 Pending，
// 下载在锁外进行，最终在锁内切换为 Ready 或 Invalid。
// 返回值表示是否真的发生了下载。
func (c *Cache) fetch(fp, originURL string, ro resolveOptions) (any, error) {
	ctx := context.Background()
	logger := c.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"origin_url":  originURL,
	})

	unlock := c.locks.lock(fp)
	now := c.now()
	if current, ok := c.index.Lookup(fp); ok {
		if current.Servable(now) {
			unlock()
			return false, nil
		}
		c.index.Remove(fp)
		c.deleteBlob(ctx, fp)
		if current.State == StateReady {
			c.counters.expirations.Add(1)
			logger.WithFields(logrus.Fields{
				"action": "cache_expire",
				"age":    now.Sub(current.CreatedAt).String(),
			}).Debug("缓存条目已过期，重新回源")
		}
	}
	pending := Entry{
		Fingerprint:    fp,
		OriginURL:      originURL,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ro.ttl,
		State:          StatePending,
	}
	if err := c.index.Upsert(pending); err != nil {
		logger.WithField("action", "index_upsert").WithError(err).Warn("写入索引失败")
	}
	unlock()

	c.counters.inFlight.Add(1)
	started := time.Now()
	put, err := c.download(fp, originURL, ro)
	c.counters.inFlight.Add(-1)

	unlock = c.locks.lock(fp)
	if err != nil {
		invalid := pending
		invalid.State = StateInvalid
		if upErr := c.index.Upsert(invalid); upErr != nil {
			logger.WithField("action", "index_upsert").WithError(upErr).Warn("写入索引失败")
		}
		c.deleteBlob(ctx, fp)
		unlock()
		c.counters.fetchFailures.Add(1)
		logger.WithFields(logrus.Fields{
			"action":     "cache_fetch",
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).WithError(err).Warn("回源失败")
		return nil, err
	}

	done := c.now()
	ready := pending
	ready.State = StateReady
	ready.FilePath = put.FilePath
	ready.SizeBytes = put.SizeBytes
	ready.ContentHash = put.Digest
	ready.CreatedAt = done
	ready.LastAccessedAt = done
	if err := c.index.Upsert(ready); err != nil {
		logger.WithField("action", "index_upsert").WithError(err).Warn("索引记录落盘失败，条目仅保留在内存")
	}
	unlock()

	c.counters.bytesDownloaded.Add(put.SizeBytes)
	logger.WithFields(logrus.Fields{
		"action":     "cache_fetch",
		"size_bytes": put.SizeBytes,
		"digest":     put.Digest.String(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("回源完成")

	c.sweep(ctx, fp)
	return true, nil
}

// download 在独立于调用方的上下文中回源，调用方取消不会中断共享下载。
func (c *Cache) download(fp, originURL string, ro resolveOptions) (*PutResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, &OriginError{URL: originURL, Err: ctx.Err()}
			case <-timer.C:
			}
		}

		put, err := c.downloadOnce(ctx, fp, originURL, ro)
		if err == nil {
			return put, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		c.logger.WithFields(logrus.Fields{
			"action":      "cache_fetch_retry",
			"fingerprint": fp,
			"attempt":     attempt + 1,
		}).WithError(err).Debug("回源失败，准备重试")
	}
	return nil, lastErr
}

func (c *Cache) downloadOnce(ctx context.Context, fp, originURL string, ro resolveOptions) (*PutResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &OriginError{URL: originURL, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return nil, &OriginError{URL: originURL, Err: err}
	}
	for key, values := range ro.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// 存储上游的原始字节，避免 Transport 透明解压导致长度与摘要失真。
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := ro.client.Do(req)
	if err != nil {
		return nil, &OriginError{URL: originURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &OriginError{URL: originURL, Status: resp.StatusCode}
	}

	capacity := c.Capacity()
	if resp.ContentLength > capacity {
		c.logTooLarge(fp, originURL, resp.ContentLength, 0, capacity)
		return nil, fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrResourceTooLarge, resp.ContentLength, capacity)
	}

	body := &capReader{r: resp.Body, limit: capacity}
	put, err := c.store.Put(ctx, fp, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrResourceTooLarge):
			// 未声明长度时只能读满容量才发现超限，已下载的字节全部丢弃。
			c.logTooLarge(fp, originURL, resp.ContentLength, body.read, capacity)
			return nil, err
		case errors.Is(err, ErrStorageWrite):
			return nil, err
		default:
			return nil, &OriginError{URL: originURL, Err: err}
		}
	}

	if resp.ContentLength >= 0 && put.SizeBytes != resp.ContentLength {
		return nil, fmt.Errorf("%w: expected %d bytes, stored %d", ErrIntegrityMismatch, resp.ContentLength, put.SizeBytes)
	}
	if expected, ok := declaredDigest(resp.Header); ok && expected != put.Digest {
		return nil, fmt.Errorf("%w: expected %s, stored %s", ErrIntegrityMismatch, expected, put.Digest)
	}
	return put, nil
}

func (c *Cache) logTooLarge(fp, originURL string, declared, discarded, capacity int64) {
	c.logger.WithFields(logrus.Fields{
		"action":          "resource_too_large",
		"fingerprint":     fp,
		"origin_url":      originURL,
		"content_length":  declared,
		"discarded_bytes": discarded,
		"capacity_bytes":  capacity,
	}).Warn("对象超过缓存容量，改为直通")
}

func (c *Cache) backoff(attempt int) time.Duration {
	delay := c.initialBackoff << (attempt - 1)
	if delay <= 0 || delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrIntegrityMismatch) {
		return true
	}
	var originErr *OriginError
	if errors.As(err, &originErr) {
		return originErr.Retryable()
	}
	return false
}

func declaredDigest(header http.Header) (digest.Digest, bool) {
	for _, name := range digestHeaders {
		raw := strings.TrimSpace(header.Get(name))
		if raw == "" {
			continue
		}
		d, err := digest.Parse(raw)
		if err != nil || d.Algorithm() != digest.Canonical {
			continue
		}
		return d, true
	}
	return "", false
}

// capReader 在读取量超过 limit 时返回 ErrResourceTooLarge。
type capReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, fmt.Errorf("%w: more than %d bytes", ErrResourceTooLarge, c.limit)
	}
	return n, err
}
