package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/stowage-dev/stowage/internal/progress"
	"github.com/stowage-dev/stowage/internal/source"
	"github.com/stowage-dev/stowage/pkg/journal"
	"github.com/stowage-dev/stowage/pkg/upload"
)

// DefaultChunkSize bounds one read-write-persist step. Each chunk
// boundary is a safe resumption point.
const DefaultChunkSize = 8 << 20

// ErrBusy reports that another run in this process holds the transfer.
var ErrBusy = errors.New("transfer: transfer already running")

// errRestartDestination signals that the destination upload is gone and
// the attempt must start over with a clean record.
var errRestartDestination = errors.New("transfer: destination upload must restart")

// Option configures a Manager.
type Option func(*Manager)

// WithChunkSize sets the chunk size. Backends with a larger minimum
// part size override it per transfer.
func WithChunkSize(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.chunk = n
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithProgressInterval enables periodic progress logging.
func WithProgressInterval(d time.Duration) Option {
	return func(m *Manager) { m.progress = d }
}

// Manager runs transfers. One Manager serves many concurrent transfers;
// runs for the same transfer id are serialized by rejection, never by
// queueing.
type Manager struct {
	source   *source.Client
	backends *upload.Registry
	journal  journal.Store
	chunk    int64
	progress time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewManager wires the three collaborators together.
func NewManager(src *source.Client, backends *upload.Registry, store journal.Store, opts ...Option) *Manager {
	m := &Manager{
		source:   src,
		backends: backends,
		journal:  store,
		chunk:    DefaultChunkSize,
		log:      zerolog.Nop(),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the definitive outcome of a successful transfer.
type Result struct {
	TransferID  string
	Bytes       int64
	Location    string
	ContentType string
}

// Run drives one transfer to completion, resuming recorded progress
// when the same logical request ran before. It returns a Result or an
// *Error whose Kind tells the caller whether re-invoking can help.
// Cancellation leaves the transfer in its last persisted resumable
// state.
func (m *Manager) Run(ctx context.Context, req Request) (*Result, error) {
	rr, err := m.prepare(req)
	if err != nil {
		return nil, err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if !m.acquire(rr.id) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, rr.id)
	}
	defer m.release(rr.id)

	base := m.log
	if ctxLog := zerolog.Ctx(ctx); ctxLog.GetLevel() != zerolog.Disabled {
		// A request-scoped logger, when the caller carries one, keeps
		// request ids on every transfer line.
		base = *ctxLog
	}
	log := base.With().
		Str("transfer_id", rr.id).
		Str("source", rr.req.Source).
		Str("destination", rr.dest.String()).
		Logger()

	for restart := 0; ; restart++ {
		res, err := m.attempt(ctx, rr, log)
		if errors.Is(err, errRestartDestination) {
			if restart == 0 {
				log.Warn().Msg("restarting transfer with a fresh destination upload")
				continue
			}
			return nil, &Error{Kind: KindDestinationUnreachable, Op: "restart upload", Err: err}
		}
		return res, err
	}
}

// Abort tears down a recorded transfer: any destination upload is
// aborted and the journal record removed, so the next Run starts from
// scratch. It returns the removed record, or nil when none existed.
func (m *Manager) Abort(ctx context.Context, req Request) (*State, error) {
	rr, err := m.prepare(req)
	if err != nil {
		return nil, err
	}
	if !m.acquire(rr.id) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, rr.id)
	}
	defer m.release(rr.id)

	st, err := loadState(ctx, m.journal, rr.id)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, nil
	}
	if st.Source != rr.req.Source {
		return nil, &Error{Kind: KindInvalidRequest, Op: "abort",
			Err: fmt.Errorf("transfer %s belongs to source %s", rr.id, st.Source)}
	}

	log := m.log.With().Str("transfer_id", rr.id).Logger()
	if err := m.discard(ctx, rr, st, log); err != nil {
		return nil, err
	}
	return st, nil
}

func (m *Manager) acquire(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

// attempt dispatches on the recorded state: nothing yet, already
// completed, stuck failed, or resumable progress.
func (m *Manager) attempt(ctx context.Context, rr *resolved, log zerolog.Logger) (*Result, error) {
	st, err := loadState(ctx, m.journal, rr.id)
	if err != nil {
		return nil, err
	}

	if st != nil && rr.req.Force {
		if err := m.discard(ctx, rr, st, log); err != nil {
			return nil, err
		}
		st = nil
	}

	if st == nil {
		return m.fresh(ctx, rr, log)
	}

	if st.Source != rr.req.Source {
		return nil, &Error{Kind: KindInvalidRequest, Op: "resume",
			Err: fmt.Errorf("transfer %s belongs to source %s", rr.id, st.Source)}
	}

	switch st.Status {
	case StatusCompleted:
		log.Info().Int64("bytes", st.BytesTransferred).Msg("transfer already completed")
		return &Result{
			TransferID:  st.TransferID,
			Bytes:       st.BytesTransferred,
			Location:    st.Destination,
			ContentType: st.ContentType,
		}, nil
	case StatusFailed:
		kind := KindStateCorruption
		msg := "no failure recorded"
		if st.Failure != nil {
			kind = st.Failure.Kind
			msg = st.Failure.Message
		}
		return nil, &Error{Kind: kind, Op: "resume",
			Err: fmt.Errorf("transfer previously failed: %s (pass force to restart)", msg)}
	}

	return m.resume(ctx, rr, st, log)
}

// discard force-removes a recorded transfer, aborting its upload.
func (m *Manager) discard(ctx context.Context, rr *resolved, st *State, log zerolog.Logger) error {
	if st.ResumeToken != nil {
		dest, e := st.destinationIn(rr)
		if e == nil {
			sess, err := rr.backend.Reopen(ctx, dest, *st.ResumeToken)
			switch {
			case err != nil:
				log.Warn().Err(err).Msg("could not reopen discarded upload, leaving it to expire")
			default:
				if err := sess.Abort(ctx); err != nil {
					log.Warn().Err(err).Msg("could not abort discarded upload")
				}
			}
		}
	}
	log.Info().Msg("discarding recorded transfer state")
	return deleteState(ctx, m.journal, st.TransferID)
}

// fresh starts a transfer with no prior record. The first chunk is read
// before the upload is initiated so the content type can be sniffed
// from real bytes.
func (m *Manager) fresh(ctx context.Context, rr *resolved, log zerolog.Logger) (*Result, error) {
	stream, err := m.source.Open(ctx, rr.req.Source, 0, source.RequestOptions{Headers: rr.req.Headers})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifySource("open source", err)
	}
	defer stream.Body.Close()

	buf := make([]byte, m.chunkSizeFor(rr.backend))
	n, rerr := io.ReadFull(stream.Body, buf)
	if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifySource("read source", rerr)
	}

	dest, err := resolveKey(rr.dest, stream.Filename)
	if err != nil {
		return nil, err
	}
	ct := contentTypeFor(rr.req, stream, buf[:n])

	st := &State{
		TransferID:  rr.id,
		Source:      rr.req.Source,
		Destination: dest.String(),
		TotalBytes:  stream.Size,
		Validator:   stream.ETag,
		ContentType: ct,
		Status:      StatusInProgress,
		CreatedAt:   time.Now().UTC(),
	}

	meta := map[string]string{"source-url": rr.req.Source}
	if stream.ETag != "" {
		meta["source-etag"] = stream.ETag
	}

	sess, ierr := rr.backend.Initiate(ctx, dest, upload.InitOptions{ContentType: ct, Metadata: meta})
	if ierr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := classifyUpload("initiate upload", ierr)
		if e.Kind.Retryable() {
			return nil, e
		}
		return nil, m.persistFailure(ctx, st, nil, e, log)
	}

	tok := sess.Token()
	st.ResumeToken = &tok
	if err := saveState(ctx, m.journal, st); err != nil {
		// The upload has no durable record yet; it stays orphaned until
		// the store's lifecycle rules collect it.
		log.Warn().Err(err).Msg("upload initiated but state not recorded")
		return nil, err
	}

	log.Info().Int64("total", st.TotalBytes).Str("content_type", ct).Msg("transfer started")

	tracker := progress.NewTracker(st.TotalBytes)
	return m.pump(ctx, rr, st, sess, stream, buf, n, rerr, tracker, log)
}

// resume picks up a transfer from its last committed chunk.
func (m *Manager) resume(ctx context.Context, rr *resolved, st *State, log zerolog.Logger) (*Result, error) {
	if st.SourceCursor != st.BytesTransferred {
		return nil, m.persistFailure(ctx, st, nil, &Error{Kind: KindStateCorruption, Op: "resume",
			Err: fmt.Errorf("cursor %d disagrees with %d committed bytes", st.SourceCursor, st.BytesTransferred)}, log)
	}

	dest, e := st.destinationIn(rr)
	if e != nil {
		if e.Kind == KindStateCorruption {
			return nil, m.persistFailure(ctx, st, nil, e, log)
		}
		return nil, e
	}

	if st.ResumeToken == nil {
		if st.BytesTransferred != 0 {
			return nil, m.persistFailure(ctx, st, nil, &Error{Kind: KindStateCorruption, Op: "resume",
				Err: errors.New("bytes recorded without a resume token")}, log)
		}
		// Crashed before the upload was initiated; start over.
		if err := deleteState(ctx, m.journal, st.TransferID); err != nil {
			return nil, err
		}
		return m.fresh(ctx, rr, log)
	}

	sess, err := rr.backend.Reopen(ctx, dest, *st.ResumeToken)
	if err != nil {
		return nil, m.failUpload(ctx, rr, st, nil, "reopen upload", err, log)
	}

	// The backend verified its parts against the token; the token must
	// in turn line up with the recorded byte count.
	if got := sess.Token().Committed(); got != st.BytesTransferred {
		return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindStateCorruption, Op: "resume",
			Err: fmt.Errorf("destination reports %d committed bytes, state records %d", got, st.BytesTransferred)}, log)
	}

	log.Info().
		Int64("bytes", st.BytesTransferred).
		Int("parts", len(st.ResumeToken.Parts)).
		Msg("resuming transfer")

	tracker := progress.NewTracker(st.TotalBytes)
	tracker.Resume(st.BytesTransferred, len(st.ResumeToken.Parts))

	if st.TotalBytes >= 0 && st.BytesTransferred >= st.TotalBytes {
		return m.finish(ctx, rr, st, sess, tracker, log)
	}

	stream, err := m.reopenSource(ctx, rr, st, sess, log)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		// The source confirmed there is nothing past the cursor.
		return m.finish(ctx, rr, st, sess, tracker, log)
	}
	defer stream.Body.Close()

	buf := make([]byte, m.chunkSizeFor(rr.backend))
	return m.pump(ctx, rr, st, sess, stream, buf, 0, nil, tracker, log)
}

// reopenSource opens the source at the cursor, falling back to a full
// re-read when the server stopped honoring ranges. A nil stream with
// nil error means the source is already exhausted.
func (m *Manager) reopenSource(ctx context.Context, rr *resolved, st *State, sess upload.Session, log zerolog.Logger) (*source.Stream, error) {
	reqOpts := source.RequestOptions{Headers: rr.req.Headers}
	stream, err := m.source.Open(ctx, rr.req.Source, st.SourceCursor, reqOpts)

	var re *source.RangeError
	switch {
	case err == nil:
	case errors.As(err, &re):
		if st.TotalBytes < 0 && re.Size == st.SourceCursor {
			// The length was never declared and the server reports the
			// resource ends exactly at our cursor: nothing left to read.
			st.TotalBytes = st.SourceCursor
			return nil, nil
		}
		return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindSourceChanged, Op: "reopen source",
			Err: fmt.Errorf("source no longer covers offset %d (reported size %d)", st.SourceCursor, re.Size)}, log)
	case errors.Is(err, source.ErrRangeNotSupported):
		return m.reopenFromZero(ctx, rr, st, sess, log)
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := classifySource("reopen source", err)
		if e.Kind.Retryable() {
			return nil, e
		}
		return nil, m.persistFailure(ctx, st, sess, e, log)
	}

	if st.Validator != "" && stream.ETag != "" && stream.ETag != st.Validator {
		stream.Body.Close()
		return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindSourceChanged, Op: "reopen source",
			Err: fmt.Errorf("content validator changed from %q to %q", st.Validator, stream.ETag)}, log)
	}
	if stream.Size >= 0 {
		if st.BytesTransferred > stream.Size {
			stream.Body.Close()
			return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindStateCorruption, Op: "reopen source",
				Err: fmt.Errorf("committed %d bytes of a %d byte source", st.BytesTransferred, stream.Size)}, log)
		}
		if st.TotalBytes >= 0 && stream.Size != st.TotalBytes {
			stream.Body.Close()
			return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindSourceChanged, Op: "reopen source",
				Err: fmt.Errorf("source length changed from %d to %d", st.TotalBytes, stream.Size)}, log)
		}
		st.TotalBytes = stream.Size
	}
	return stream, nil
}

// reopenFromZero restarts the source read from the beginning while
// keeping the committed destination parts, provided the source can
// prove its content is unchanged. Without a validator the whole
// transfer restarts instead.
func (m *Manager) reopenFromZero(ctx context.Context, rr *resolved, st *State, sess upload.Session, log zerolog.Logger) (*source.Stream, error) {
	if st.Validator == "" {
		log.Warn().Msg("source dropped range support and offers no validator, restarting transfer")
		if err := sess.Abort(ctx); err != nil {
			log.Warn().Err(err).Msg("could not abort upload")
		}
		return nil, m.reset(ctx, st, log)
	}

	stream, err := m.source.Open(ctx, rr.req.Source, 0, source.RequestOptions{Headers: rr.req.Headers})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := classifySource("reopen source", err)
		if e.Kind.Retryable() {
			return nil, e
		}
		return nil, m.persistFailure(ctx, st, sess, e, log)
	}

	if stream.ETag != st.Validator {
		stream.Body.Close()
		return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindSourceChanged, Op: "reopen source",
			Err: fmt.Errorf("cannot keep committed parts across a full re-read: validator %q, recorded %q", stream.ETag, st.Validator)}, log)
	}
	if stream.Size >= 0 && st.TotalBytes >= 0 && stream.Size != st.TotalBytes {
		stream.Body.Close()
		return nil, m.persistFailure(ctx, st, sess, &Error{Kind: KindSourceChanged, Op: "reopen source",
			Err: fmt.Errorf("source length changed from %d to %d", st.TotalBytes, stream.Size)}, log)
	}

	if st.SourceCursor > 0 {
		log.Info().Int64("skip", st.SourceCursor).Msg("source does not resume, re-reading already-transferred bytes")
		if _, err := io.CopyN(io.Discard, stream.Body, st.SourceCursor); err != nil {
			stream.Body.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifySource("skip to cursor", err)
		}
		stream.Offset = st.SourceCursor
	}
	return stream, nil
}

// pump runs the chunk loop: write the buffered chunk, persist, read the
// next. n and rerr carry a chunk the caller already read, if any.
func (m *Manager) pump(ctx context.Context, rr *resolved, st *State, sess upload.Session, stream *source.Stream, buf []byte, n int, rerr error, tracker *progress.Tracker, log zerolog.Logger) (*Result, error) {
	if m.progress > 0 {
		pctx, pcancel := context.WithCancel(ctx)
		defer pcancel()
		go tracker.LogLoop(pctx, &log, m.progress)
	}

	for {
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			// A stream that ends short of the declared length is a broken
			// connection, not a shorter resource. The trailing fragment is
			// not committed, so resumption restarts at the chunk boundary.
			if st.TotalBytes >= 0 && st.BytesTransferred+int64(n) < st.TotalBytes {
				return nil, &Error{Kind: KindSourceUnreachable, Op: "read source",
					Err: fmt.Errorf("stream ended at %d of %d bytes", st.BytesTransferred+int64(n), st.TotalBytes)}
			}
		}

		if n > 0 {
			number := st.ResumeToken.NextPart()
			if _, werr := sess.WritePart(ctx, number, bytes.NewReader(buf[:n]), int64(n)); werr != nil {
				return nil, m.failUpload(ctx, rr, st, sess, "write part", werr, log)
			}

			tok := sess.Token()
			st.ResumeToken = &tok
			st.BytesTransferred += int64(n)
			st.SourceCursor = st.BytesTransferred
			if err := saveState(ctx, m.journal, st); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			tracker.PartCommitted(int64(n))
			log.Debug().Int("part", number).Int64("bytes", st.BytesTransferred).Msg("chunk committed")
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if st.TotalBytes >= 0 && st.SourceCursor >= st.TotalBytes {
			break
		}

		n, rerr = io.ReadFull(stream.Body, buf)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifySource("read source", rerr)
		}
	}

	return m.finish(ctx, rr, st, sess, tracker, log)
}

// finish commits the upload and retires the record.
func (m *Manager) finish(ctx context.Context, rr *resolved, st *State, sess upload.Session, tracker *progress.Tracker, log zerolog.Logger) (*Result, error) {
	if err := sess.Complete(ctx); err != nil {
		return nil, m.failUpload(ctx, rr, st, sess, "complete upload", err, log)
	}

	if st.TotalBytes < 0 {
		st.TotalBytes = st.BytesTransferred
	}
	st.Status = StatusCompleted
	st.ResumeToken = nil
	st.Failure = nil
	if err := saveState(ctx, m.journal, st); err != nil {
		// The object is committed; only the record is missing, so a
		// re-invocation will redo the whole transfer.
		log.Warn().Err(err).Msg("transfer completed but state not recorded")
		return nil, err
	}

	snap := tracker.Snapshot()
	log.Info().
		Int64("bytes", st.BytesTransferred).
		Int("parts", snap.Parts).
		Dur("elapsed", snap.Elapsed).
		Msg("transfer completed")

	return &Result{
		TransferID:  st.TransferID,
		Bytes:       st.BytesTransferred,
		Location:    st.Destination,
		ContentType: st.ContentType,
	}, nil
}

// failUpload routes a destination error: expiry restarts the upload,
// retryable kinds surface with state intact, fatal kinds retire the
// transfer.
func (m *Manager) failUpload(ctx context.Context, rr *resolved, st *State, sess upload.Session, op string, err error, log zerolog.Logger) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, upload.ErrUploadExpired) {
		log.Warn().Str("op", op).Msg("destination reports the upload is gone")
		return m.reset(ctx, st, log)
	}
	e := classifyUpload(op, err)
	if e.Kind.Retryable() {
		return e
	}
	return m.persistFailure(ctx, st, sess, e, log)
}

// reset removes the record so the next attempt starts from scratch.
func (m *Manager) reset(ctx context.Context, st *State, log zerolog.Logger) error {
	if err := deleteState(ctx, m.journal, st.TransferID); err != nil {
		return err
	}
	return errRestartDestination
}

// persistFailure retires the transfer as failed, aborting the upload
// when one is open. The classified error is returned for the caller.
func (m *Manager) persistFailure(ctx context.Context, st *State, sess upload.Session, e *Error, log zerolog.Logger) error {
	if sess != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := sess.Abort(actx); err != nil {
			log.Warn().Err(err).Msg("could not abort upload")
		}
	}

	st.Status = StatusFailed
	st.ResumeToken = nil
	st.Failure = &Failure{Kind: e.Kind, Message: e.Error()}
	if err := saveState(ctx, m.journal, st); err != nil {
		log.Warn().Err(err).Msg("could not record failure")
	}

	log.Error().Str("kind", string(e.Kind)).Err(e.Err).Msg("transfer failed")
	return e
}

// destinationIn rebuilds the backend destination recorded in the state,
// keeping the connection parameters of the incoming request.
func (st *State) destinationIn(rr *resolved) (upload.Destination, *Error) {
	d, err := upload.ParseDestination(st.Destination)
	if err != nil {
		return upload.Destination{}, &Error{Kind: KindStateCorruption, Op: "resume",
			Err: fmt.Errorf("recorded destination %q: %w", st.Destination, err)}
	}
	if d.Scheme != rr.dest.Scheme || d.Bucket != rr.dest.Bucket {
		return upload.Destination{}, &Error{Kind: KindInvalidRequest, Op: "resume",
			Err: fmt.Errorf("transfer %s writes to %s", st.TransferID, st.Destination)}
	}
	return rr.dest.WithKey(d.Key), nil
}

func (m *Manager) chunkSizeFor(b upload.Backend) int64 {
	if min := b.MinPartSize(); min > m.chunk {
		return min
	}
	return m.chunk
}

// contentTypeFor picks the destination content type: the explicit
// override, the source's declared type, or a sniff of the first bytes.
func contentTypeFor(req Request, stream *source.Stream, head []byte) string {
	if req.ContentType != "" {
		return req.ContentType
	}
	if !req.SetContentType {
		return ""
	}
	ct := stream.ContentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if len(head) > 0 {
		return mimetype.Detect(head).String()
	}
	return "application/octet-stream"
}
