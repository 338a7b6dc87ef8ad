package cache

import "sync/atomic"

// Stats 是缓存计数器的只读快照。
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	PassThroughs    int64 `json:"pass_throughs"`
	FetchFailures   int64 `json:"fetch_failures"`
	Evictions       int64 `json:"evictions"`
	Expirations     int64 `json:"expirations"`
	BytesServed     int64 `json:"bytes_served"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	InFlight        int64 `json:"in_flight"`
	Entries         int   `json:"entries"`
	TotalBytes      int64 `json:"total_bytes"`
	CapacityBytes   int64 `json:"capacity_bytes"`
}

// HitRatio 返回命中率，尚无请求时为 0。
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits            atomic.Int64
	misses          atomic.Int64
	passThroughs    atomic.Int64
	fetchFailures   atomic.Int64
	evictions       atomic.Int64
	expirations     atomic.Int64
	bytesServed     atomic.Int64
	bytesDownloaded atomic.Int64
	inFlight        atomic.Int64
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.passThroughs.Store(0)
	c.fetchFailures.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.bytesServed.Store(0)
	c.bytesDownloaded.Store(0)
}

// Stats 返回当前计数器与容量快照。
func (c *Cache) Stats() Stats {
	total, count := c.index.ReadyBytes()
	return Stats{
		Hits:            c.counters.hits.Load(),
		Misses:          c.counters.misses.Load(),
		PassThroughs:    c.counters.passThroughs.Load(),
		FetchFailures:   c.counters.fetchFailures.Load(),
		Evictions:       c.counters.evictions.Load(),
		Expirations:     c.counters.expirations.Load(),
		BytesServed:     c.counters.bytesServed.Load(),
		BytesDownloaded: c.counters.bytesDownloaded.Load(),
		InFlight:        c.counters.inFlight.Load(),
		Entries:         count,
		TotalBytes:      total,
		CapacityBytes:   c.Capacity(),
	}
}

// ResetStats 清零累计计数器，容量与条目数不受影响。
func (c *Cache) ResetStats() {
	c.counters.reset()
}
