//go:build integration

// Package testutil provides shared infrastructure for integration
// tests: deterministic payloads, a range-capable source server, and a
// MinIO container for exercising the S3 backend against a real store.
package testutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// GenerateTestData returns size bytes: a deterministic pattern up to
// 10 MiB, random beyond that.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// StartSourceServer serves the given paths with the range behavior the
// source client relies on: open-ended ranges, a 416 with the total size
// once the offset is exhausted, and a stable ETag per path.
func StartSourceServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		size := len(data)
		start := 0
		if rh := r.Header.Get("Range"); rh != "" {
			off, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rh, "bytes="), "-"))
			if err != nil || off >= size {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			start = off
		}

		w.Header().Set("ETag", fmt.Sprintf(`"%s"`, r.URL.Path))
		w.Header().Set("Content-Length", strconv.Itoa(size-start))
		if start > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(data[start:])
	}))
	t.Cleanup(ts.Close)
	return ts
}

// MinioEnv is a running MinIO container with one pre-created bucket.
type MinioEnv struct {
	Endpoint  string // host:port, plain HTTP
	AccessKey string
	SecretKey string
	Bucket    string
}

// StartMinio starts a MinIO container, creates the bucket, and sets the
// AWS credential environment so gocloud bucket URLs work too. The
// container is terminated when the test finishes.
func StartMinio(t *testing.T, ctx context.Context, bucket string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate minio container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	env := &MinioEnv{
		Endpoint:  fmt.Sprintf("%s:%s", host, port.Port()),
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
	}
	if err := env.Client(t).MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)
	return env
}

// Client returns a minio client for inspecting the store directly.
func (e *MinioEnv) Client(t *testing.T) *minio.Client {
	t.Helper()
	c, err := minio.New(e.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(e.AccessKey, e.SecretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Fatalf("minio client: %v", err)
	}
	return c
}

// BucketURL returns a gocloud URL for the bucket, suitable for the
// bucket journal. Credentials come from the environment StartMinio set.
func (e *MinioEnv) BucketURL() string {
	return fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		e.Bucket, e.Endpoint)
}
