package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 表示指纹不存在，是驱动回源的正常信号而非故障。
	ErrNotFound = errors.New("cache entry not found")

	// ErrOriginUnreachable 表示上游网络失败或返回非成功状态。
	ErrOriginUnreachable = errors.New("origin unreachable")

	// ErrIntegrityMismatch 表示写入字节数或摘要与上游声明不一致。
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrStorageWrite 表示磁盘写入失败（空间不足、权限、I/O）。
	ErrStorageWrite = errors.New("storage write failed")

	// ErrResourceTooLarge 表示单个对象超过缓存容量，只能直通，不会落盘。
	ErrResourceTooLarge = errors.New("resource too large for cache")

	// ErrEvicted 表示新写入的条目在交给调用方之前已被并发清扫淘汰。
	ErrEvicted = errors.New("cache entry evicted before it could be served")

	// ErrEntryPending 表示条目仍在回源中，不能被删除。
	ErrEntryPending = errors.New("cache entry fetch in progress")

	// ErrClosed 表示缓存实例已经关闭。
	ErrClosed = errors.New("cache closed")

	// ErrInvalidFingerprint 表示指纹格式非法。
	ErrInvalidFingerprint = errors.New("invalid fingerprint")

	// ErrInvalidOrigin 表示 origin URL 不是合法的 http/https 地址。
	ErrInvalidOrigin = errors.New("invalid origin url")
)

// OriginError 携带上游地址与状态码，errors.Is(err, ErrOriginUnreachable) 恒成立。
type OriginError struct {
	URL    string
	Status int
	Err    error
}

func (e *OriginError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("origin %s returned status %d", e.URL, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("origin %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("origin %s unreachable", e.URL)
	}
}

func (e *OriginError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOriginUnreachable}
	}
	return []error{ErrOriginUnreachable, e.Err}
}

// Retryable reports whether another attempt against the origin may succeed.
func (e *OriginError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 || e.Status == 429
}

// StorageError 描述 Content Store 的写入/删除失败。
type StorageError struct {
	Op          string
	Fingerprint string
	Err         error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Fingerprint, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageWrite, e.Err}
}
