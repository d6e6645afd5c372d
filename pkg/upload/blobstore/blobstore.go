// Package blobstore implements resumable uploads on top of
// gocloud.dev/blob for destinations without native multipart support
// (gs://, azblob://, file://, mem://).
//
// Parts are staged as individual objects under
// {key}.parts/{uploadID}/, together with a meta.json recording the
// object attributes fixed at initiation. Complete streams the staged
// parts in order into the final object, verifying size and checksum of
// each, then removes the staging prefix. Until Complete commits, the
// destination key does not exist.
//
// # Storage Layout
//
//	{bucket}/{key}.parts/{uploadID}/meta.json
//	{bucket}/{key}.parts/{uploadID}/part-000001
//	{bucket}/{key}.parts/{uploadID}/part-000002
//	{bucket}/{key}                               (on Complete)
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/stowage-dev/stowage/pkg/upload"
)

// Backend stages parts as blob objects. Safe for concurrent use.
//
// Bucket handles are opened once per bucket URL and shared across
// sessions. mem:// buckets in particular only hold their contents for
// the lifetime of one handle, so a session resumed through Reopen must
// see the same handle that staged the parts.
type Backend struct {
	log zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// New returns a staged-parts backend.
func New(log zerolog.Logger) *Backend {
	return &Backend{
		log:     log,
		buckets: make(map[string]*blob.Bucket),
	}
}

// Close releases all cached bucket handles.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for url, bucket := range b.buckets {
		if err := bucket.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.buckets, url)
	}
	return first
}

func (b *Backend) openBucket(ctx context.Context, dest upload.Destination) (*blob.Bucket, error) {
	url := dest.BucketURL()

	b.mu.Lock()
	defer b.mu.Unlock()
	if bucket, ok := b.buckets[url]; ok {
		return bucket, nil
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open bucket: %w", err)
	}
	b.buckets[url] = bucket
	return bucket, nil
}

// MinPartSize reports no constraint: staged parts may be any size.
func (b *Backend) MinPartSize() int64 { return 0 }

// meta records the attributes fixed at initiation so a resumed session
// can still apply them at Complete.
type meta struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

// Initiate opens a fresh upload. Writing the staging meta object is the
// first destination write, so permission problems surface here.
func (b *Backend) Initiate(ctx context.Context, dest upload.Destination, opts upload.InitOptions) (upload.Session, error) {
	bucket, err := b.openBucket(ctx, dest)
	if err != nil {
		return nil, err
	}

	s := &session{
		bucket: bucket,
		key:    dest.Key,
		meta: meta{
			Key:         dest.Key,
			ContentType: opts.ContentType,
			Metadata:    opts.Metadata,
			StartedAt:   time.Now().UTC(),
		},
		tok: upload.Token{Scheme: dest.Scheme, UploadID: uuid.NewString()},
	}
	s.log = b.log.With().Str("upload_id", s.tok.UploadID).Str("key", s.key).Logger()

	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := bucket.WriteAll(ctx, s.metaKey(), data, nil); err != nil {
		return nil, mapErr("write staging meta", err)
	}

	s.log.Debug().Msg("upload initiated")
	return s, nil
}

// Reopen validates token against the staged objects and continues the
// upload. Parts the token claims but staging no longer holds mean the
// upload cannot be resumed; staged sizes that contradict the token are
// reported as a mismatch, never repaired.
func (b *Backend) Reopen(ctx context.Context, dest upload.Destination, token upload.Token) (upload.Session, error) {
	if token.UploadID == "" {
		return nil, upload.ErrUploadExpired
	}

	bucket, err := b.openBucket(ctx, dest)
	if err != nil {
		return nil, err
	}

	s := &session{bucket: bucket, key: dest.Key, tok: token}
	s.log = b.log.With().Str("upload_id", token.UploadID).Str("key", s.key).Logger()

	data, err := bucket.ReadAll(ctx, s.metaKey())
	if err != nil {
		if isNotExist(err) {
			return nil, upload.ErrUploadExpired
		}
		return nil, mapErr("read staging meta", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return nil, fmt.Errorf("blobstore: staging meta corrupt: %w", err)
	}

	staged, err := s.listStaged(ctx)
	if err != nil {
		return nil, mapErr("list staged parts", err)
	}
	for _, p := range token.Parts {
		size, ok := staged[p.Number]
		if !ok {
			return nil, fmt.Errorf("%w: part %d missing from staging", upload.ErrUploadExpired, p.Number)
		}
		if size != p.Size {
			return nil, fmt.Errorf("%w: part %d staged as %d bytes, token says %d",
				upload.ErrPartMismatch, p.Number, size, p.Size)
		}
	}

	s.log.Debug().Int("parts", len(token.Parts)).Msg("upload reopened")
	return s, nil
}

type session struct {
	bucket *blob.Bucket
	key    string
	meta   meta
	tok    upload.Token
	log    zerolog.Logger
	closed bool
}

func (s *session) stagePrefix() string {
	return s.key + ".parts/" + s.tok.UploadID + "/"
}

func (s *session) metaKey() string {
	return s.stagePrefix() + "meta.json"
}

func (s *session) partKey(number int) string {
	return s.stagePrefix() + fmt.Sprintf("part-%06d", number)
}

func (s *session) Token() upload.Token {
	tok := s.tok
	tok.Parts = append([]upload.Part(nil), s.tok.Parts...)
	return tok
}

// WritePart stages one part object. A failed or short write deletes the
// partial object so the same part number can be written again.
func (s *session) WritePart(ctx context.Context, number int, r io.Reader, size int64) (upload.Part, error) {
	if s.closed {
		return upload.Part{}, fmt.Errorf("blobstore: session closed")
	}
	if number != s.tok.NextPart() {
		return upload.Part{}, fmt.Errorf("blobstore: part %d out of order, next is %d", number, s.tok.NextPart())
	}

	key := s.partKey(number)

	// Canceling the write context before Close aborts the object
	// instead of committing a partial one.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return upload.Part{}, mapErr("create part writer", err)
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, hash), r)
	if err != nil {
		cancel()
		w.Close()
		s.discard(key)
		return upload.Part{}, mapErr("write part", err)
	}
	if err := w.Close(); err != nil {
		s.discard(key)
		return upload.Part{}, mapErr("commit part", err)
	}
	if n != size {
		s.discard(key)
		return upload.Part{}, fmt.Errorf("blobstore: part %d wrote %d bytes, expected %d", number, n, size)
	}

	p := upload.Part{
		Number: number,
		Size:   n,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}
	s.tok.Parts = append(s.tok.Parts, p)

	s.log.Debug().Int("part", number).Int64("size", n).Msg("part staged")
	return p, nil
}

// discard removes a partial or stale staged object, best effort.
func (s *session) discard(key string) {
	if err := s.bucket.Delete(context.Background(), key); err != nil && !isNotExist(err) {
		s.log.Warn().Err(err).Str("object", key).Msg("could not remove stale staged object")
	}
}

// Complete assembles the staged parts into the final object and tears
// down staging. Each part is re-verified against the token while being
// copied; any disagreement aborts the assembly with nothing visible at
// the destination key.
func (s *session) Complete(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("blobstore: session closed")
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, s.key, &blob.WriterOptions{
		ContentType: s.meta.ContentType,
		Metadata:    s.meta.Metadata,
	})
	if err != nil {
		return mapErr("create object writer", err)
	}

	abort := func() {
		cancel()
		w.Close()
	}

	for _, p := range s.tok.Parts {
		rd, err := s.bucket.NewReader(ctx, s.partKey(p.Number), nil)
		if err != nil {
			abort()
			if isNotExist(err) {
				return fmt.Errorf("%w: part %d missing at completion", upload.ErrUploadExpired, p.Number)
			}
			return mapErr("open staged part", err)
		}

		hash := sha256.New()
		n, err := io.Copy(io.MultiWriter(w, hash), rd)
		rd.Close()
		if err != nil {
			abort()
			return mapErr("assemble part", err)
		}
		if n != p.Size {
			abort()
			return fmt.Errorf("%w: part %d read %d bytes, token says %d", upload.ErrPartMismatch, p.Number, n, p.Size)
		}
		if sum := hex.EncodeToString(hash.Sum(nil)); p.SHA256 != "" && sum != p.SHA256 {
			abort()
			return fmt.Errorf("%w: part %d checksum %s, token says %s", upload.ErrPartMismatch, p.Number, sum, p.SHA256)
		}
	}

	if err := w.Close(); err != nil {
		return mapErr("commit object", err)
	}
	s.closed = true

	err = s.deleteStaging(ctx)
	s.log.Info().Int("parts", len(s.tok.Parts)).Int64("bytes", s.tok.Committed()).Msg("upload completed")
	return err
}

// Abort discards the upload and all staged parts.
func (s *session) Abort(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.deleteStaging(ctx)
	s.log.Info().Msg("upload aborted")
	return err
}

// deleteStaging removes every object under the staging prefix.
func (s *session) deleteStaging(ctx context.Context) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.stagePrefix()})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return mapErr("list staging", err)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			return mapErr("delete staged object", err)
		}
	}
}

// listStaged maps staged part numbers to their sizes.
func (s *session) listStaged(ctx context.Context) (map[int]int64, error) {
	staged := make(map[int]int64)
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.stagePrefix()})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return staged, nil
		}
		if err != nil {
			return nil, err
		}
		if number, ok := parsePartNumber(obj.Key); ok {
			staged[number] = obj.Size
		}
	}
}

// parsePartNumber extracts the part number from a staged object key.
func parsePartNumber(key string) (int, bool) {
	idx := strings.LastIndex(key, "/part-")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(key[idx+len("/part-"):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// mapErr translates gocloud error codes into upload sentinels.
func mapErr(op string, err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied:
		return fmt.Errorf("blobstore: %s: %w: %v", op, upload.ErrDenied, err)
	case gcerrors.NotFound:
		return fmt.Errorf("blobstore: %s: %w: %v", op, upload.ErrBucketNotFound, err)
	default:
		return fmt.Errorf("blobstore: %s: %w", op, err)
	}
}

// isNotExist reports whether the error indicates a missing object.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
