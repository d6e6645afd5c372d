package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	data := []byte("Hello, World! This is test data for the source client.")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", "Sat, 01 Jan 2025 00:00:00 GMT")
		w.Write(data)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	stream, err := client.Open(context.Background(), server.URL+"/file.bin", 0, RequestOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Body.Close()

	if stream.Size != int64(len(data)) {
		t.Errorf("expected size %d, got %d", len(data), stream.Size)
	}
	if stream.ETag != "abc123" {
		t.Errorf("expected ETag 'abc123', got %s", stream.ETag)
	}
	if stream.ContentType != "application/octet-stream" {
		t.Errorf("expected content-type 'application/octet-stream', got %s", stream.ContentType)
	}
	if stream.Filename != "file.bin" {
		t.Errorf("expected filename 'file.bin', got %s", stream.Filename)
	}

	body, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != string(data) {
		t.Errorf("body mismatch: got %d bytes, want %d", len(body), len(data))
	}
}

func TestOpenNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	_, err := client.Open(context.Background(), server.URL, 0, RequestOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenAtOffset(t *testing.T) {
	data := []byte("0123456789abcdefghij")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			t.Error("expected Range header on resumed open")
			w.Write(data)
			return
		}

		var start int64
		fmt.Sscanf(rangeHeader, "bytes=%d-", &start)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)-int(start)))
		w.Header().Set("ETag", `"test-etag"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	stream, err := client.Open(context.Background(), server.URL, 15, RequestOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Body.Close()

	if stream.Offset != 15 {
		t.Errorf("expected offset 15, got %d", stream.Offset)
	}
	if stream.Size != int64(len(data)) {
		t.Errorf("expected total size %d, got %d", len(data), stream.Size)
	}
	if stream.ETag != "test-etag" {
		t.Errorf("expected ETag 'test-etag', got %s", stream.ETag)
	}

	body, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "fghij" {
		t.Errorf("expected remaining bytes 'fghij', got %q", string(body))
	}
}

func TestOpenRangeNotSupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server ignores the Range header and returns full content
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	_, err := client.Open(context.Background(), server.URL, 10, RequestOptions{})
	if !errors.Is(err, ErrRangeNotSupported) {
		t.Errorf("expected ErrRangeNotSupported, got %v", err)
	}
}

func TestOpenRangeNotSatisfiable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes */20")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	_, err := client.Open(context.Background(), server.URL, 20, RequestOptions{})
	if !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Fatalf("expected ErrRangeNotSatisfiable, got %v", err)
	}

	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected *RangeError, got %T", err)
	}
	if rangeErr.Size != 20 {
		t.Errorf("expected reported size 20, got %d", rangeErr.Size)
	}
	if rangeErr.Offset != 20 {
		t.Errorf("expected offset 20, got %d", rangeErr.Offset)
	}
}

func TestRetryOnServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", "10")
		w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.RetryBackoff = 10 * time.Millisecond
	opts.RetryMaxBackoff = 50 * time.Millisecond

	client := NewClient(opts)
	stream, err := client.Open(context.Background(), server.URL, 0, RequestOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Body.Close()

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if stream.Size != 10 {
		t.Errorf("expected size 10, got %d", stream.Size)
	}
}

func TestRequestHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("expected Authorization header, got %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "stowage" {
			t.Errorf("expected User-Agent 'stowage', got %q", got)
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	stream, err := client.Open(context.Background(), server.URL, 0, RequestOptions{
		Headers: map[string]string{"Authorization": "Bearer token123"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream.Body.Close()
}

func TestWeakETagDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `W/"weak-tag"`)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(DefaultOptions())
	stream, err := client.Open(context.Background(), server.URL, 0, RequestOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Body.Close()

	if stream.ETag != "" {
		t.Errorf("expected weak ETag to be dropped, got %q", stream.ETag)
	}
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		input string
		value string
		weak  bool
	}{
		{`"abc123"`, "abc123", false},
		{`W/"abc123"`, "abc123", true},
		{"abc123", "abc123", false},
		{`""`, "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		value, weak := parseETag(tt.input)
		if value != tt.value || weak != tt.weak {
			t.Errorf("parseETag(%q) = (%q, %v), want (%q, %v)", tt.input, value, weak, tt.value, tt.weak)
		}
	}
}

func TestFilenameFromResponse(t *testing.T) {
	tests := []struct {
		name        string
		disposition string
		url         string
		expected    string
	}{
		{"from header", `attachment; filename="report.pdf"`, "https://example.com/dl?id=42", "report.pdf"},
		{"header beats url", `attachment; filename="data.tar.gz"`, "https://example.com/file.bin", "data.tar.gz"},
		{"traversal stripped", `attachment; filename="../../etc/passwd"`, "https://example.com/x", "passwd"},
		{"from url path", "", "https://example.com/files/archive.zip", "archive.zip"},
		{"url with query", "", "https://example.com/files/archive.zip?sig=abc", "archive.zip"},
		{"bare host", "", "https://example.com/", ""},
		{"no usable name", "", "https://example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.disposition != "" {
				resp.Header.Set("Content-Disposition", tt.disposition)
			}
			if got := filenameFromResponse(resp, tt.url); got != tt.expected {
				t.Errorf("filenameFromResponse() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header string
		start  int64
		end    int64
		total  int64
	}{
		{"bytes 0-99/1000", 0, 99, 1000},
		{"bytes 100-199/1000", 100, 199, 1000},
		{"bytes 0-99/*", 0, 99, -1},
	}

	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if err != nil {
			t.Errorf("ParseContentRange(%q): %v", tt.header, err)
			continue
		}
		if start != tt.start || end != tt.end || total != tt.total {
			t.Errorf("ParseContentRange(%q) = (%d, %d, %d), want (%d, %d, %d)",
				tt.header, start, end, total, tt.start, tt.end, tt.total)
		}
	}
}

func TestContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(DefaultOptions())
	_, err := client.Open(ctx, server.URL, 0, RequestOptions{})
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
}
