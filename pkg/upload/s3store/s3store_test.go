package s3store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/stowage-dev/stowage/pkg/upload"
)

func TestSplitEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		disableHTTPS bool
		wantHost     string
		wantSecure   bool
		wantErr      bool
	}{
		{name: "empty defaults to aws", endpoint: "", wantHost: "s3.amazonaws.com", wantSecure: true},
		{name: "empty with https disabled", endpoint: "", disableHTTPS: true, wantHost: "s3.amazonaws.com", wantSecure: false},
		{name: "https scheme", endpoint: "https://minio.example.com:9000", wantHost: "minio.example.com:9000", wantSecure: true},
		{name: "http scheme", endpoint: "http://localhost:9000", wantHost: "localhost:9000", wantSecure: false},
		{name: "scheme wins over flag", endpoint: "http://localhost:9000", disableHTTPS: false, wantHost: "localhost:9000", wantSecure: false},
		{name: "bare host", endpoint: "localhost:9000", wantHost: "localhost:9000", wantSecure: true},
		{name: "bare host with https disabled", endpoint: "localhost:9000", disableHTTPS: true, wantHost: "localhost:9000", wantSecure: false},
		{name: "unsupported scheme", endpoint: "ftp://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, secure, err := splitEndpoint(tt.endpoint, tt.disableHTTPS)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("splitEndpoint: %v", err)
			}
			if host != tt.wantHost || secure != tt.wantSecure {
				t.Errorf("got host=%q secure=%t, want host=%q secure=%t", host, secure, tt.wantHost, tt.wantSecure)
			}
		})
	}
}

func TestResolveQueryOverrides(t *testing.T) {
	b := New(Options{Endpoint: "https://s3.example.com", Region: "eu-west-1"}, zerolog.Nop())

	dest, err := upload.ParseDestination("s3://bucket/key?endpoint=http://localhost:9000&use_path_style=true&disable_https=true&region=us-east-1")
	if err != nil {
		t.Fatalf("ParseDestination: %v", err)
	}

	tgt, err := b.resolve(dest)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tgt.host != "localhost:9000" {
		t.Errorf("host = %q, want localhost:9000", tgt.host)
	}
	if tgt.secure {
		t.Error("secure = true, want false")
	}
	if tgt.region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", tgt.region)
	}
	if !tgt.usePathStyle {
		t.Error("usePathStyle = false, want true")
	}
}

func TestResolveDefaults(t *testing.T) {
	b := New(Options{Endpoint: "https://s3.example.com", Region: "eu-west-1"}, zerolog.Nop())

	dest, err := upload.ParseDestination("s3://bucket/key")
	if err != nil {
		t.Fatalf("ParseDestination: %v", err)
	}

	tgt, err := b.resolve(dest)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if tgt.host != "s3.example.com" || !tgt.secure || tgt.region != "eu-west-1" || tgt.usePathStyle {
		t.Errorf("unexpected target: %+v", tgt)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{code: "NoSuchUpload", want: upload.ErrUploadExpired},
		{code: "AccessDenied", want: upload.ErrDenied},
		{code: "InvalidAccessKeyId", want: upload.ErrDenied},
		{code: "NoSuchBucket", want: upload.ErrBucketNotFound},
	}

	for _, tt := range tests {
		err := mapErr("test", minio.ErrorResponse{Code: tt.code})
		if !errors.Is(err, tt.want) {
			t.Errorf("code %s: got %v, want %v", tt.code, err, tt.want)
		}
	}

	err := mapErr("test", minio.ErrorResponse{Code: "SlowDown"})
	if errors.Is(err, upload.ErrDenied) || errors.Is(err, upload.ErrUploadExpired) || errors.Is(err, upload.ErrBucketNotFound) {
		t.Errorf("SlowDown should not map to a sentinel, got %v", err)
	}
}

// TestReopenedEmptyCompleteKeepsObjectAttributes commits an empty
// object through a reopened session and checks that the PutObject
// fallback carries the content type and metadata recorded in the
// token, not zero values.
func TestReopenedEmptyCompleteKeepsObjectAttributes(t *testing.T) {
	var mu sync.Mutex
	var putContentType, putSourceURL string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("uploadId") != "":
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListPartsResult><Bucket>bucket</Bucket><Key>empty.bin</Key><UploadId>u-1</UploadId><IsTruncated>false</IsTruncated></ListPartsResult>`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPut:
			mu.Lock()
			putContentType = r.Header.Get("Content-Type")
			putSourceURL = r.Header.Get("X-Amz-Meta-Source-Url")
			mu.Unlock()
			w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	b := New(Options{
		Endpoint:     srv.URL,
		Region:       "us-east-1",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	}, zerolog.Nop())

	dest, err := upload.ParseDestination("s3://bucket/empty.bin")
	if err != nil {
		t.Fatalf("ParseDestination: %v", err)
	}

	sess, err := b.Reopen(context.Background(), dest, upload.Token{
		Scheme:      "s3",
		UploadID:    "u-1",
		ContentType: "text/plain",
		Metadata:    map[string]string{"source-url": "http://example.com/empty.bin"},
	})
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if err := sess.Complete(context.Background()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if putContentType != "text/plain" {
		t.Errorf("committed Content-Type = %q, want text/plain", putContentType)
	}
	if putSourceURL != "http://example.com/empty.bin" {
		t.Errorf("committed source-url metadata = %q", putSourceURL)
	}
}

func TestSameETag(t *testing.T) {
	if !sameETag(`"abc123"`, "abc123") {
		t.Error("quoted and bare etags should match")
	}
	if sameETag(`"abc123"`, `"def456"`) {
		t.Error("different etags should not match")
	}
}
