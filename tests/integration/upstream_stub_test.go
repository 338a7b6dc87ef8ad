package integration

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟推理服务的文件下载接口，按路径返回固定正文。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	files    map[string][]byte
	delay    time.Duration
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Headers http.Header
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{files: make(map[string][]byte)}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	stub.listener = listener
	stub.server = &http.Server{Handler: http.HandlerFunc(stub.serve)}
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Put 设置 path 对应的正文，后续请求立即生效。
func (s *upstreamStub) Put(path string, body []byte) {
	s.mu.Lock()
	s.files[path] = body
	s.mu.Unlock()
}

// SetDelay 让每个响应在写出正文前等待，用于制造并发窗口。
func (s *upstreamStub) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *upstreamStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: cloneHeader(r.Header),
	})
	body, ok := s.files[r.URL.Path]
	delay := s.delay
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// Hits 返回 path 被请求的次数。
func (s *upstreamStub) Hits(path string) int {
	count := 0
	for _, req := range s.Requests() {
		if req.Path == path {
			count++
		}
	}
	return count
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		cp := make([]string, len(values))
		copy(cp, values)
		dst[k] = cp
	}
	return dst
}

func TestUpstreamStubServesFiles(t *testing.T) {
	stub := newUpstreamStub(t)
	stub.Put("/files/a.nii.gz", []byte("volume"))

	resp, err := http.Get(stub.URL + "/files/a.nii.gz?job=1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "volume" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(stub.URL + "/files/missing")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown file, got %d", resp.StatusCode)
	}

	reqs := stub.Requests()
	if len(reqs) != 2 || reqs[0].Query != "job=1" {
		t.Fatalf("unexpected recorded requests: %+v", reqs)
	}
}
