package cache

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepReport 汇总一次清扫的结果。
type SweepReport struct {
	Invalid        int   `json:"invalid"`
	Expired        int   `json:"expired"`
	Evicted        int   `json:"evicted"`
	FreedBytes     int64 `json:"freed_bytes"`
	RemainingBytes int64 `json:"remaining_bytes"`
}

func (r SweepReport) removed() int {
	return r.Invalid + r.Expired + r.Evicted
}

// Sweep 先清理 Invalid 与过期条目，再按最近访问时间从旧到新淘汰，
// 直到 Ready 条目总大小不超过容量。访问时间相同时按指纹排序，结果可复现。
// Pending 条目不参与统计与淘汰。
func (c *Cache) Sweep(ctx context.Context) SweepReport {
	return c.sweep(ctx, "")
}

// sweep 在 LRU 阶段最后才考虑 keep 指纹：刚发布的条目不会先于其他条目被淘汰，
// 只有淘汰完其余条目仍超出容量时（例如容量被并发调小）才会移除它。
func (c *Cache) sweep(ctx context.Context, keep string) SweepReport {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	var report SweepReport
	now := c.now()
	var live []Entry
	var total int64

	for _, entry := range c.index.Snapshot() {
		switch {
		case entry.State == StateInvalid:
			if c.removeIfUnchanged(ctx, entry) {
				report.Invalid++
			}
		case entry.State == StateReady && entry.Expired(now):
			if c.removeIfUnchanged(ctx, entry) {
				report.Expired++
				report.FreedBytes += entry.SizeBytes
				c.counters.expirations.Add(1)
			}
		case entry.State == StateReady:
			live = append(live, entry)
			total += entry.SizeBytes
		}
	}

	capacity := c.Capacity()
	if total > capacity {
		sort.Slice(live, func(a, b int) bool {
			if ka, kb := live[a].Fingerprint == keep, live[b].Fingerprint == keep; ka != kb {
				return kb
			}
			if !live[a].LastAccessedAt.Equal(live[b].LastAccessedAt) {
				return live[a].LastAccessedAt.Before(live[b].LastAccessedAt)
			}
			return live[a].Fingerprint < live[b].Fingerprint
		})
		for _, entry := range live {
			if total <= capacity {
				break
			}
			if !c.removeIfUnchanged(ctx, entry) {
				continue
			}
			total -= entry.SizeBytes
			report.Evicted++
			report.FreedBytes += entry.SizeBytes
			c.counters.evictions.Add(1)
			c.logger.WithFields(logrus.Fields{
				"action":      "cache_evict",
				"fingerprint": entry.Fingerprint,
				"size_bytes":  entry.SizeBytes,
			}).Debug("按 LRU 淘汰缓存条目")
		}
	}
	report.RemainingBytes = total

	if report.removed() > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":          "cache_sweep",
			"invalid":         report.Invalid,
			"expired":         report.Expired,
			"evicted":         report.Evicted,
			"freed_bytes":     report.FreedBytes,
			"remaining_bytes": report.RemainingBytes,
			"capacity_bytes":  capacity,
		}).Info("缓存清扫完成")
	}
	return report
}

// janitor 周期性执行清扫并落盘访问时间，随 Close 退出。
func (c *Cache) janitor(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
			if err := c.index.Flush(); err != nil {
				c.logger.WithField("action", "index_flush").WithError(err).Warn("访问时间落盘失败")
			}
		}
	}
}
