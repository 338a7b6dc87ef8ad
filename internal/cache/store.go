package cache

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// Store 负责按指纹管理正文文件。磁盘布局：
//
//	<root>/<fp[:2]>/<fp>          # 正文
//	<root>/<fp[:2]>/.cache-*      # 写入中的临时文件
//
// 写入必须经由临时文件 + rename 完成，读者永远看不到写了一半的正文。
type Store interface {
	// Put 流式写入正文并计算 sha256；失败时清理临时文件，不留下部分数据。
	Put(ctx context.Context, fingerprint string, body io.Reader) (*PutResult, error)

	// Get 打开正文，不存在时返回 ErrNotFound。
	Get(ctx context.Context, fingerprint string) (*ReadResult, error)

	// Delete 删除正文，不存在时返回 ErrNotFound。
	Delete(ctx context.Context, fingerprint string) error

	// SizeOf 返回正文字节数，不存在时返回 ErrNotFound。
	SizeOf(ctx context.Context, fingerprint string) (int64, error)

	// List 枚举当前所有正文的指纹，忽略临时文件。
	List(ctx context.Context) ([]string, error)
}

// PutResult 描述一次成功写入。
type PutResult struct {
	FilePath  string
	SizeBytes int64
	Digest    digest.Digest
}

// ReadResult 携带可 Seek 的正文，调用方负责 Close。
type ReadResult struct {
	FilePath  string
	SizeBytes int64
	ModTime   time.Time
	Reader    io.ReadSeekCloser
}
