package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrRangeNotSupported   = errors.New("source: server does not support range requests")
	ErrRangeNotSatisfiable = errors.New("source: requested range not satisfiable")
	ErrNotFound            = errors.New("source: resource not found")
	ErrForbidden           = errors.New("source: access forbidden")
	ErrUnauthorized        = errors.New("source: unauthorized")
	ErrServerError         = errors.New("source: server error")
)

// RangeError reports a 416 response to a resumed read. Size is the
// current resource length from the unsatisfied-range form of
// Content-Range, or -1 when the server did not include one.
type RangeError struct {
	Offset int64
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("source: range starting at %d not satisfiable (resource size %d)", e.Offset, e.Size)
}

func (e *RangeError) Is(target error) bool { return target == ErrRangeNotSatisfiable }

// Options configures the source client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// HeaderTimeout bounds the wait for response headers. Body reads
	// are bounded by the request context, not by this value.
	// Default: 30s
	HeaderTimeout time.Duration

	// RetryAttempts is the maximum number of retry attempts when
	// opening a stream. Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request. Default: "stowage"
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		HeaderTimeout:       30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "stowage",
	}
}

// RequestOptions decorate a single Open call.
type RequestOptions struct {
	// Headers are added to the outgoing request.
	Headers map[string]string
}

// Stream is an open byte stream from a remote resource. The stream
// starts at Offset and runs to the end of the resource; it cannot be
// rewound, only reopened at a new offset.
type Stream struct {
	Body io.ReadCloser

	// Size is the total resource length, -1 when unknown.
	Size int64

	// Offset is the byte position at which Body starts.
	Offset int64

	// ETag is the strong validator for the representation; empty when
	// the server sent none or only a weak one.
	ETag string

	ContentType  string
	Filename     string
	LastModified time.Time
}

// Client opens byte streams over HTTP, optimized for large bodies.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		DisableCompression:    true, // raw bytes so offsets line up with range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Open starts reading the resource at offset. A positive offset is
// requested with a Range header; a 200 answer without Content-Range to
// such a request means the server ignored the range and Open fails
// with ErrRangeNotSupported. Transport failures and 5xx answers are
// retried with capped exponential backoff before giving up.
func (c *Client) Open(ctx context.Context, rawURL string, offset int64, reqOpts RequestOptions) (*Stream, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if c.opts.UserAgent != "" {
			req.Header.Set("User-Agent", c.opts.UserAgent)
		}
		for k, v := range reqOpts.Headers {
			req.Header.Set(k, v)
		}
		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		stream, err := c.buildStream(resp, rawURL, offset)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		return stream, nil
	}

	return nil, fmt.Errorf("open %s failed after %d attempts: %w", rawURL, c.opts.RetryAttempts+1, lastErr)
}

// buildStream validates the response status against the requested
// offset and extracts stream metadata.
func (c *Client) buildStream(resp *http.Response, rawURL string, offset int64) (*Stream, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		size := int64(-1)
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if s, err := parseUnsatisfiedRange(cr); err == nil {
				size = s
			}
		}
		return nil, &RangeError{Offset: offset, Size: size}
	default:
		return nil, checkStatusCode(resp.StatusCode)
	}

	stream := &Stream{
		Body:        resp.Body,
		Size:        -1,
		Offset:      offset,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    filenameFromResponse(resp, rawURL),
	}

	if etag, weak := parseETag(resp.Header.Get("ETag")); !weak {
		stream.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			stream.LastModified = t
		}
	}

	if resp.StatusCode == http.StatusPartialContent {
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, fmt.Errorf("%w: bad Content-Range: %v", ErrServerError, err)
		}
		if start != offset {
			return nil, fmt.Errorf("%w: requested offset %d, server answered from %d", ErrServerError, offset, start)
		}
		stream.Size = total
		return stream, nil
	}

	// 200 answering a ranged request without a Content-Range means the
	// server ignored the range and is sending the whole body.
	if offset > 0 && resp.Header.Get("Content-Range") == "" {
		return nil, ErrRangeNotSupported
	}
	if resp.ContentLength >= 0 {
		stream.Size = resp.ContentLength
	}
	return stream, nil
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return errors.New("source: unexpected status code " + strconv.Itoa(code))
	}
}

// parseETag splits an ETag header into its opaque value and weakness.
func parseETag(etag string) (value string, weak bool) {
	if strings.HasPrefix(etag, "W/") {
		weak = true
		etag = strings.TrimPrefix(etag, "W/")
	}
	value = strings.Trim(etag, `"`)
	if value == "" {
		weak = true
	}
	return value, weak
}

// filenameFromResponse picks a filename for the resource: the
// Content-Disposition filename when present, otherwise the last URL
// path segment. Returns "" when neither yields a usable name.
func filenameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				// Base guards against path segments smuggled in the header.
				if base := path.Base(strings.ReplaceAll(name, `\`, `/`)); base != "/" && base != "." && base != ".." {
					return base
				}
			}
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if base := path.Base(u.Path); base != "/" && base != "." && base != ".." {
		return base
	}
	return ""
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(header, "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}

	return start, end, total, nil
}

// parseUnsatisfiedRange parses the "bytes */size" form a 416 answer
// carries. Returns -1 for "bytes */*".
func parseUnsatisfiedRange(header string) (int64, error) {
	header = strings.TrimPrefix(header, "bytes ")
	rest, ok := strings.CutPrefix(header, "*/")
	if !ok {
		return 0, fmt.Errorf("invalid unsatisfied Content-Range: %s", header)
	}
	if rest == "*" {
		return -1, nil
	}
	return strconv.ParseInt(rest, 10, 64)
}
