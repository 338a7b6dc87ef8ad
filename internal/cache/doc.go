// Package cache implements the content-addressed file cache behind the proxy.
// Blobs live under <StoragePath>/blobs/<fp[:2]>/<fp> and are written through a
// temp file + rename; one JSON record per ready entry lives under
// <StoragePath>/index so the cache survives restarts. Cache.Resolve coalesces
// concurrent misses for the same origin URL into a single download, verifies
// the stored bytes, and enforces TTL expiry plus LRU eviction so the total
// size never exceeds the configured capacity after a sweep.
package cache
