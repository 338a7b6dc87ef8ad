package cache

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// State 描述单个指纹的生命周期：Absent → Pending → {Ready, Invalid}。
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
)

// Entry 是 Metadata Index 中的一行，对应一个缓存资源。
type Entry struct {
	Fingerprint    string        `json:"fingerprint"`
	OriginURL      string        `json:"origin_url"`
	FilePath       string        `json:"file_path,omitempty"`
	SizeBytes      int64         `json:"size_bytes"`
	ContentHash    digest.Digest `json:"content_hash,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	TTL            time.Duration `json:"ttl"`
	State          State         `json:"state"`
}

// Expired 按创建时间判断 TTL，与访问频率无关。
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Servable 表示条目可以直接返回给调用方。
func (e Entry) Servable(now time.Time) bool {
	return e.State == StateReady && !e.Expired(now)
}

// Fingerprint 返回 origin URL 的稳定指纹（规范化后 URL 的 sha256 十六进制）。
func Fingerprint(originURL string) (string, error) {
	fp, _, err := fingerprintURL(originURL)
	return fp, err
}

func fingerprintURL(originURL string) (string, string, error) {
	normalized, err := normalizeOriginURL(originURL)
	if err != nil {
		return "", "", err
	}
	return digest.FromString(normalized).Encoded(), normalized, nil
}

func normalizeOriginURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrigin)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidOrigin)
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

func validFingerprint(fp string) bool {
	if len(fp) != 64 {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
