package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

const tempPattern = ".cache-*"

// NewStore 以 basePath 为根目录构建磁盘正文存储，并清理上次崩溃遗留的临时文件。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	store := &fileStore{basePath: abs, locks: newKeyLocks()}
	if err := store.removeTemps(); err != nil {
		return nil, fmt.Errorf("clean temp files: %w", err)
	}
	return store, nil
}

// fileStore 用按指纹的 keyLocks 串行化同一正文的写入与删除。
type fileStore struct {
	basePath string
	locks    *keyLocks
}

func (s *fileStore) Get(ctx context.Context, fingerprint string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.path(fingerprint)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	return &ReadResult{
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Reader:    f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, fingerprint string, body io.Reader) (*PutResult, error) {
	filePath, err := s.path(fingerprint)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(fingerprint)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Fingerprint: fingerprint, Err: err}
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), tempPattern)
	if err != nil {
		return nil, &StorageError{Op: "create", Fingerprint: fingerprint, Err: err}
	}
	tempName := tempFile.Name()

	digester := digest.Canonical.Digester()
	written, readErr, writeErr := copyWithContext(ctx, io.MultiWriter(tempFile, digester.Hash()), body)
	if writeErr == nil && readErr == nil {
		writeErr = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if readErr != nil || writeErr != nil {
		os.Remove(tempName)
		if readErr != nil {
			return nil, readErr
		}
		return nil, &StorageError{Op: "write", Fingerprint: fingerprint, Err: writeErr}
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, &StorageError{Op: "rename", Fingerprint: fingerprint, Err: err}
	}

	return &PutResult{
		FilePath:  filePath,
		SizeBytes: written,
		Digest:    digester.Digest(),
	}, nil
}

func (s *fileStore) Delete(ctx context.Context, fingerprint string) error {
	filePath, err := s.path(fingerprint)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(fingerprint)
	defer unlock()

	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return &StorageError{Op: "delete", Fingerprint: fingerprint, Err: err}
	}
	return nil
}

func (s *fileStore) SizeOf(ctx context.Context, fingerprint string) (int64, error) {
	filePath, err := s.path(fingerprint)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	var fingerprints []string
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if validFingerprint(name) && filepath.Base(filepath.Dir(p)) == name[:2] {
			fingerprints = append(fingerprints, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fingerprints, nil
}

// removeTemps 删除所有 .cache-* 临时文件；只应在没有写入者时调用。
func (s *fileStore) removeTemps() error {
	return filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasPrefix(d.Name(), ".cache-") {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return rmErr
			}
		}
		return nil
	})
}

func (s *fileStore) path(fingerprint string) (string, error) {
	if !validFingerprint(fingerprint) {
		return "", ErrInvalidFingerprint
	}
	return filepath.Join(s.basePath, fingerprint[:2], fingerprint), nil
}

// copyWithContext 区分读端与写端错误：读端失败属于上游问题，写端失败属于存储问题。
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (copied int64, readErr, writeErr error) {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err, nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, nil, wErr
			}
			if w < n {
				return copied, nil, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil, nil
			}
			return copied, err, nil
		}
	}
}
