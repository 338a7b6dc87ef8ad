package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

const (
	recordSuffix     = ".json"
	recordTempPrefix = ".record-"
)

// Index 是指纹到 Entry 的内存映射，Ready 条目各自落盘为一个 JSON 记录。
// mu 保护内存映射；persistMu 串行化所有记录文件的写入与删除，
// 保证被删除的条目不会被延迟的 Flush 写回磁盘。
type Index struct {
	dir    string
	logger logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]Entry
	dirty   map[string]struct{}

	persistMu sync.Mutex
}

type record struct {
	Fingerprint    string        `json:"fingerprint"`
	OriginURL      string        `json:"origin_url"`
	FilePath       string        `json:"file_path"`
	SizeBytes      int64         `json:"size_bytes"`
	ContentHash    digest.Digest `json:"content_hash"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	TTLMillis      int64         `json:"ttl_ms"`
}

// NewIndex 创建索引目录；dir 中已有的记录需要调用 Load 才会进入内存。
func NewIndex(dir string, logger logrus.FieldLogger) (*Index, error) {
	if dir == "" {
		return nil, errors.New("index path required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index path: %w", err)
	}
	if logger == nil {
		logger = discardLogger()
	}
	if err := removeRecordTemps(dir); err != nil {
		return nil, fmt.Errorf("clean index temp files: %w", err)
	}
	return &Index{
		dir:     dir,
		logger:  logger,
		entries: make(map[string]Entry),
		dirty:   make(map[string]struct{}),
	}, nil
}

// Lookup 返回条目副本。
func (i *Index) Lookup(fingerprint string) (Entry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.entries[fingerprint]
	return entry, ok
}

// Upsert 写入条目；Ready 条目同步落盘，其余状态会删除旧记录。
func (i *Index) Upsert(entry Entry) error {
	i.persistMu.Lock()
	defer i.persistMu.Unlock()

	i.mu.Lock()
	i.entries[entry.Fingerprint] = entry
	delete(i.dirty, entry.Fingerprint)
	i.mu.Unlock()

	if entry.State == StateReady {
		return i.writeRecord(entry)
	}
	return i.removeRecord(entry.Fingerprint)
}

// Touch 刷新最近访问时间，记录在下一次 Flush 时落盘。
func (i *Index) Touch(fingerprint string, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	entry, ok := i.entries[fingerprint]
	if !ok {
		return false
	}
	if now.After(entry.LastAccessedAt) {
		entry.LastAccessedAt = now
	}
	i.entries[fingerprint] = entry
	if entry.State == StateReady {
		i.dirty[fingerprint] = struct{}{}
	}
	return true
}

// Remove 删除条目及其落盘记录。
func (i *Index) Remove(fingerprint string) (Entry, bool) {
	i.persistMu.Lock()
	defer i.persistMu.Unlock()

	i.mu.Lock()
	entry, ok := i.entries[fingerprint]
	delete(i.entries, fingerprint)
	delete(i.dirty, fingerprint)
	i.mu.Unlock()

	if err := i.removeRecord(fingerprint); err != nil {
		i.logger.WithFields(logrus.Fields{
			"action":      "index_remove",
			"fingerprint": fingerprint,
		}).WithError(err).Warn("删除索引记录失败")
	}
	return entry, ok
}

// Snapshot 返回按指纹排序的条目副本。
func (i *Index) Snapshot() []Entry {
	i.mu.RLock()
	out := make([]Entry, 0, len(i.entries))
	for _, entry := range i.entries {
		out = append(out, entry)
	}
	i.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Fingerprint < out[b].Fingerprint })
	return out
}

// Len 返回条目数（含 Pending/Invalid）。
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// ReadyBytes 汇总 Ready 条目的字节数与数量。
func (i *Index) ReadyBytes() (int64, int) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var total int64
	count := 0
	for _, entry := range i.entries {
		if entry.State == StateReady {
			total += entry.SizeBytes
			count++
		}
	}
	return total, count
}

// Flush 将累计的访问时间更新写回磁盘。
func (i *Index) Flush() error {
	i.persistMu.Lock()
	defer i.persistMu.Unlock()

	i.mu.Lock()
	pending := make([]Entry, 0, len(i.dirty))
	for fp := range i.dirty {
		if entry, ok := i.entries[fp]; ok && entry.State == StateReady {
			pending = append(pending, entry)
		}
	}
	i.dirty = make(map[string]struct{})
	i.mu.Unlock()

	var errs []error
	for _, entry := range pending {
		if err := i.writeRecord(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load 读取所有落盘记录。损坏或不可解析的记录会被删除并跳过，
// 缓存退化为冷启动而不是启动失败。
func (i *Index) Load() ([]Entry, error) {
	dirEntries, err := os.ReadDir(i.dir)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var loaded []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordSuffix) {
			continue
		}
		path := filepath.Join(i.dir, name)
		entry, err := readRecord(path)
		if err == nil && entry.Fingerprint != strings.TrimSuffix(name, recordSuffix) {
			err = errors.New("fingerprint does not match record name")
		}
		if err != nil {
			i.logger.WithFields(logrus.Fields{
				"action": "index_load",
				"path":   path,
			}).WithError(err).Warn("丢弃损坏的索引记录")
			os.Remove(path)
			continue
		}
		loaded = append(loaded, entry)
	}

	i.mu.Lock()
	for _, entry := range loaded {
		i.entries[entry.Fingerprint] = entry
	}
	i.mu.Unlock()
	return loaded, nil
}

func readRecord(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, err
	}
	if !validFingerprint(rec.Fingerprint) {
		return Entry{}, ErrInvalidFingerprint
	}
	if rec.SizeBytes < 0 {
		return Entry{}, fmt.Errorf("negative size %d", rec.SizeBytes)
	}
	if rec.ContentHash != "" {
		if err := rec.ContentHash.Validate(); err != nil {
			return Entry{}, err
		}
	}
	return Entry{
		Fingerprint:    rec.Fingerprint,
		OriginURL:      rec.OriginURL,
		FilePath:       rec.FilePath,
		SizeBytes:      rec.SizeBytes,
		ContentHash:    rec.ContentHash,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		TTL:            time.Duration(rec.TTLMillis) * time.Millisecond,
		State:          StateReady,
	}, nil
}

// writeRecord 同样使用临时文件 + rename，避免半写的 JSON。
func (i *Index) writeRecord(entry Entry) error {
	data, err := json.Marshal(record{
		Fingerprint:    entry.Fingerprint,
		OriginURL:      entry.OriginURL,
		FilePath:       entry.FilePath,
		SizeBytes:      entry.SizeBytes,
		ContentHash:    entry.ContentHash,
		CreatedAt:      entry.CreatedAt.UTC(),
		LastAccessedAt: entry.LastAccessedAt.UTC(),
		TTLMillis:      entry.TTL.Milliseconds(),
	})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(i.dir, recordTempPrefix+"*")
	if err != nil {
		return &StorageError{Op: "index_write", Fingerprint: entry.Fingerprint, Err: err}
	}
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil {
		writeErr = os.Rename(tmp.Name(), i.recordPath(entry.Fingerprint))
	}
	if writeErr != nil {
		os.Remove(tmp.Name())
		return &StorageError{Op: "index_write", Fingerprint: entry.Fingerprint, Err: writeErr}
	}
	return nil
}

func (i *Index) removeRecord(fingerprint string) error {
	if err := os.Remove(i.recordPath(fingerprint)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (i *Index) recordPath(fingerprint string) string {
	return filepath.Join(i.dir, fingerprint+recordSuffix)
}

// removeRecordTemps 删除崩溃遗留的 .record-* 临时文件；只应在没有写入者时调用。
func removeRecordTemps(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasPrefix(de.Name(), recordTempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
