// Package server exposes transfers over HTTP: one POST endpoint that
// drives a durable download and a health probe. Concurrent requests
// naming the same transfer join the in-flight run instead of racing
// it, and retryable failures are re-attempted in-process before the
// caller sees them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stowage-dev/stowage/internal/transfer"
	"github.com/stowage-dev/stowage/pkg/upload"
)

// Options configures a Server.
type Options struct {
	Log zerolog.Logger

	// DefaultOutput is the destination used when a request names none,
	// and the root that output.path joins onto. Empty means every
	// request must carry its own output URL.
	DefaultOutput string

	// RetryAttempts caps in-process re-attempts of a retryable failure
	// before it is reported. Zero means a single attempt.
	RetryAttempts   int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// Server handles transfer requests.
type Server struct {
	manager *transfer.Manager
	log     zerolog.Logger
	output  string

	retryAttempts   int
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration

	group singleflight.Group
}

// New builds a Server around a transfer manager.
func New(m *transfer.Manager, opts Options) *Server {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = 30 * time.Second
	}
	return &Server{
		manager:         m,
		log:             opts.Log,
		output:          opts.DefaultOutput,
		retryAttempts:   opts.RetryAttempts,
		retryBackoff:    opts.RetryBackoff,
		retryMaxBackoff: opts.RetryMaxBackoff,
	}
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/download", s.handleDownload)
	return r
}

type downloadRequest struct {
	URL        string          `json:"url"`
	TransferID string          `json:"transferId,omitempty"`
	Force      bool            `json:"force,omitempty"`
	Request    *requestOptions `json:"request,omitempty"`
	Output     *outputOptions  `json:"output,omitempty"`
}

type requestOptions struct {
	Headers map[string]string `json:"headers,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type outputOptions struct {
	URL            string `json:"url,omitempty"`
	Path           string `json:"path,omitempty"`
	SetContentType bool   `json:"setContentType,omitempty"`
	ContentType    string `json:"contentType,omitempty"`
}

type downloadResponse struct {
	TransferID  string `json:"transferId"`
	Size        int64  `json:"size"`
	Location    string `json:"location"`
	ContentType string `json:"contentType,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var dreq downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&dreq); err != nil {
		s.writeError(w, r, &transfer.Error{Kind: transfer.KindInvalidRequest, Op: "decode request",
			Err: fmt.Errorf("request body: %w", err)})
		return
	}

	req, err := s.transferRequest(&dreq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.run(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, downloadResponse{
		TransferID:  res.TransferID,
		Size:        res.Bytes,
		Location:    res.Location,
		ContentType: res.ContentType,
	})
}

// transferRequest maps the wire request onto a transfer request,
// resolving the destination against the configured default output.
func (s *Server) transferRequest(dreq *downloadRequest) (transfer.Request, error) {
	dest, err := s.destinationFor(dreq.Output)
	if err != nil {
		return transfer.Request{}, &transfer.Error{Kind: transfer.KindInvalidRequest, Op: "validate request", Err: err}
	}

	req := transfer.Request{
		Source:      dreq.URL,
		Destination: dest,
		TransferID:  dreq.TransferID,
		Force:       dreq.Force,
	}
	if dreq.Output != nil {
		req.ContentType = dreq.Output.ContentType
		req.SetContentType = dreq.Output.SetContentType
	}
	if dreq.Request != nil {
		req.Headers = dreq.Request.Headers
		if dreq.Request.Timeout != "" {
			d, err := time.ParseDuration(dreq.Request.Timeout)
			if err != nil {
				return transfer.Request{}, &transfer.Error{Kind: transfer.KindInvalidRequest, Op: "validate request",
					Err: fmt.Errorf("request.timeout: %w", err)}
			}
			req.Timeout = d
		}
	}
	return req, nil
}

// destinationFor picks the destination URL: the request's own, its
// path joined onto the configured output, or the configured output
// alone.
func (s *Server) destinationFor(out *outputOptions) (string, error) {
	if out != nil && out.URL != "" {
		if out.Path != "" {
			return "", errors.New("output.url and output.path are mutually exclusive")
		}
		return out.URL, nil
	}
	if out != nil && out.Path != "" {
		if s.output == "" {
			return "", errors.New("output.path requires a configured default output")
		}
		root, err := upload.ParseDestination(s.output)
		if err != nil {
			return "", fmt.Errorf("configured output: %w", err)
		}
		return joinOutput(root, out.Path).URL(), nil
	}
	if s.output == "" {
		return "", errors.New("request names no output and no default output is configured")
	}
	return s.output, nil
}

// joinOutput resolves p under root. Path escapes are neutralized, so
// the result always stays inside the configured output. A trailing
// slash survives cleaning: it means "directory", with the object name
// taken from the source.
func joinOutput(root upload.Destination, p string) upload.Destination {
	dir := strings.HasSuffix(p, "/")
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, `\`, `/`)), "/")
	if clean == "." {
		clean = ""
	}

	key := root.Key
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	key += clean
	if dir && key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return root.WithKey(key)
}

// run joins concurrent requests for one transfer and retries retryable
// outcomes with capped exponential backoff.
func (s *Server) run(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	v, err, shared := s.group.Do(s.runKey(req), func() (any, error) {
		return s.runWithRetry(ctx, req)
	})
	if shared {
		zerolog.Ctx(ctx).Debug().Msg("joined in-flight transfer")
	}
	if err != nil {
		return nil, err
	}
	return v.(*transfer.Result), nil
}

func (s *Server) runKey(req transfer.Request) string {
	if req.TransferID != "" {
		return req.TransferID
	}
	if d, err := upload.ParseDestination(req.Destination); err == nil {
		return transfer.DeriveID(req.Source, d)
	}
	// Unparseable destinations fail in Run; any stable key will do.
	return req.Source + "\x00" + req.Destination
}

func (s *Server) runWithRetry(ctx context.Context, req transfer.Request) (*transfer.Result, error) {
	// The request timeout bounds the whole invocation, retries and
	// backoff included, not each attempt.
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
		req.Timeout = 0
	}

	var res *transfer.Result
	op := func() error {
		r, err := s.manager.Run(ctx, req)
		// Only the first attempt may discard prior state; a retried
		// force would wipe its own progress.
		req.Force = false
		if err != nil {
			if transfer.Retryable(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBackoff
	bo.MaxInterval = s.retryMaxBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retryAttempts)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return res, nil
}

func statusFor(err error) int {
	if errors.Is(err, transfer.ErrBusy) {
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch transfer.KindOf(err) {
	case transfer.KindInvalidRequest:
		return http.StatusBadRequest
	case transfer.KindSourceNotFound:
		return http.StatusNotFound
	case transfer.KindSourceUnauthorized:
		return http.StatusUnauthorized
	case transfer.KindSourceForbidden, transfer.KindDestinationDenied:
		return http.StatusForbidden
	case transfer.KindSourceChanged, transfer.KindStateCorruption:
		return http.StatusConflict
	case transfer.KindSourceUnreachable, transfer.KindDestinationUnreachable, transfer.KindStateUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := string(transfer.KindOf(err))
	if kind == "" {
		kind = "internal"
		if errors.Is(err, transfer.ErrBusy) {
			kind = "busy"
		}
	}

	zerolog.Ctx(r.Context()).Warn().
		Err(err).
		Int("status", status).
		Str("kind", kind).
		Msg("download request failed")

	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger attaches a request-scoped logger with a fresh request
// id and writes one access line per request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			log := base.With().Str("request_id", id).Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Header().Set("X-Request-Id", id)

			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zerolog.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
