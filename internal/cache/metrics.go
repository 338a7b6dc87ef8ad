package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "medcache"

// statsCollector 在抓取时读取 Stats 快照，避免在热路径上维护第二套计数。
type statsCollector struct {
	cache *Cache

	hits            *prometheus.Desc
	misses          *prometheus.Desc
	passThroughs    *prometheus.Desc
	fetchFailures   *prometheus.Desc
	evictions       *prometheus.Desc
	expirations     *prometheus.Desc
	bytesServed     *prometheus.Desc
	bytesDownloaded *prometheus.Desc
	inFlight        *prometheus.Desc
	entries         *prometheus.Desc
	totalBytes      *prometheus.Desc
	capacityBytes   *prometheus.Desc
}

func newStatsCollector(c *Cache) *statsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "cache", name), help, nil, nil)
	}
	return &statsCollector{
		cache:           c,
		hits:            desc("hits_total", "Resolve calls served from a ready entry."),
		misses:          desc("misses_total", "Resolve calls that required an origin fetch."),
		passThroughs:    desc("pass_throughs_total", "Resolve calls answered with a pass-through outcome."),
		fetchFailures:   desc("fetch_failures_total", "Origin fetches that ended in an invalid entry."),
		evictions:       desc("evictions_total", "Entries removed to stay within capacity."),
		expirations:     desc("expirations_total", "Entries removed after their TTL elapsed."),
		bytesServed:     desc("served_bytes_total", "Bytes handed to callers from cached entries."),
		bytesDownloaded: desc("downloaded_bytes_total", "Bytes written to the store from origins."),
		inFlight:        desc("fetches_in_flight", "Origin fetches currently running."),
		entries:         desc("entries", "Ready entries in the index."),
		totalBytes:      desc("size_bytes", "Total size of ready entries."),
		capacityBytes:   desc("capacity_bytes", "Configured cache capacity."),
	}
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.hits
	ch <- s.misses
	ch <- s.passThroughs
	ch <- s.fetchFailures
	ch <- s.evictions
	ch <- s.expirations
	ch <- s.bytesServed
	ch <- s.bytesDownloaded
	ch <- s.inFlight
	ch <- s.entries
	ch <- s.totalBytes
	ch <- s.capacityBytes
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := s.cache.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(s.hits, st.Hits)
	counter(s.misses, st.Misses)
	counter(s.passThroughs, st.PassThroughs)
	counter(s.fetchFailures, st.FetchFailures)
	counter(s.evictions, st.Evictions)
	counter(s.expirations, st.Expirations)
	counter(s.bytesServed, st.BytesServed)
	counter(s.bytesDownloaded, st.BytesDownloaded)
	gauge(s.inFlight, st.InFlight)
	gauge(s.entries, int64(st.Entries))
	gauge(s.totalBytes, st.TotalBytes)
	gauge(s.capacityBytes, st.CapacityBytes)
}

// newRegistry 为每个 Cache 实例创建独立注册表，多个实例互不冲突。
func newRegistry(c *Cache) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		newStatsCollector(c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
