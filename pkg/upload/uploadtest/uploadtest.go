// Package uploadtest provides an in-memory upload backend with fault
// hooks for exercising transfer failure paths that real stores cannot
// produce on demand.
package uploadtest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/stowage-dev/stowage/pkg/upload"
)

// Object is a committed destination object.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
	Parts       int
}

// Backend keeps uploads and committed objects in memory. The On* hooks
// run before the corresponding operation touches backend state; a
// non-nil return is passed through to the caller. Safe for concurrent
// use; hooks must be set before the backend is shared.
type Backend struct {
	MinSize int64

	OnInitiate  func(dest upload.Destination) error
	OnWritePart func(ctx context.Context, number int) error
	OnComplete  func() error
	OnReopen    func(token upload.Token) error

	mu        sync.Mutex
	nextID    int
	uploads   map[string]*liveUpload
	objects   map[string]*Object
	initiated int
	reopened  int
	completed int
	aborted   int
}

type liveUpload struct {
	dest  upload.Destination
	opts  upload.InitOptions
	parts map[int][]byte
}

// NewBackend returns an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		uploads: make(map[string]*liveUpload),
		objects: make(map[string]*Object),
	}
}

func (b *Backend) MinPartSize() int64 { return b.MinSize }

// Object returns the committed object for dest, if any.
func (b *Backend) Object(dest upload.Destination) (*Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[dest.String()]
	return o, ok
}

// Live reports how many uploads are neither completed nor aborted.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// Counts reports how often each lifecycle operation ran.
func (b *Backend) Counts() (initiated, reopened, completed, aborted int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initiated, b.reopened, b.completed, b.aborted
}

// Drop forgets a live upload, simulating store-side expiry.
func (b *Backend) Drop(uploadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploads, uploadID)
}

func (b *Backend) Initiate(ctx context.Context, dest upload.Destination, opts upload.InitOptions) (upload.Session, error) {
	if b.OnInitiate != nil {
		if err := b.OnInitiate(dest); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.initiated++
	id := fmt.Sprintf("fake-upload-%d", b.nextID)
	b.uploads[id] = &liveUpload{dest: dest, opts: opts, parts: make(map[int][]byte)}

	return &session{
		backend: b,
		id:      id,
		dest:    dest,
		tok:     upload.Token{Scheme: dest.Scheme, UploadID: id},
	}, nil
}

func (b *Backend) Reopen(ctx context.Context, dest upload.Destination, token upload.Token) (upload.Session, error) {
	if b.OnReopen != nil {
		if err := b.OnReopen(token); err != nil {
			return nil, err
		}
	}
	if token.UploadID == "" {
		return nil, upload.ErrUploadExpired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[token.UploadID]
	if !ok {
		return nil, fmt.Errorf("%w: upload %s", upload.ErrUploadExpired, token.UploadID)
	}
	for _, p := range token.Parts {
		data, ok := u.parts[p.Number]
		if !ok {
			return nil, fmt.Errorf("%w: part %d recorded but not stored", upload.ErrPartMismatch, p.Number)
		}
		if int64(len(data)) != p.Size {
			return nil, fmt.Errorf("%w: part %d stored as %d bytes, token says %d",
				upload.ErrPartMismatch, p.Number, len(data), p.Size)
		}
	}
	b.reopened++

	tok := token
	tok.Parts = append([]upload.Part(nil), token.Parts...)
	return &session{backend: b, id: token.UploadID, dest: dest, tok: tok}, nil
}

type session struct {
	backend *Backend
	id      string
	dest    upload.Destination
	tok     upload.Token
}

func (s *session) Token() upload.Token {
	tok := s.tok
	tok.Parts = append([]upload.Part(nil), s.tok.Parts...)
	return tok
}

func (s *session) WritePart(ctx context.Context, number int, r io.Reader, size int64) (upload.Part, error) {
	if s.backend.OnWritePart != nil {
		if err := s.backend.OnWritePart(ctx, number); err != nil {
			return upload.Part{}, err
		}
	}
	if number != s.tok.NextPart() {
		return upload.Part{}, fmt.Errorf("uploadtest: part %d out of order, next is %d", number, s.tok.NextPart())
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return upload.Part{}, err
	}
	if int64(len(data)) != size {
		return upload.Part{}, fmt.Errorf("uploadtest: part %d got %d bytes, declared %d", number, len(data), size)
	}
	sum := sha256.Sum256(data)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	u, ok := s.backend.uploads[s.id]
	if !ok {
		return upload.Part{}, fmt.Errorf("%w: upload %s", upload.ErrUploadExpired, s.id)
	}
	u.parts[number] = data

	p := upload.Part{
		Number: number,
		Size:   size,
		ETag:   hex.EncodeToString(sum[:8]),
		SHA256: hex.EncodeToString(sum[:]),
	}
	s.tok.Parts = append(s.tok.Parts, p)
	return p, nil
}

func (s *session) Complete(ctx context.Context) error {
	if s.backend.OnComplete != nil {
		if err := s.backend.OnComplete(); err != nil {
			return err
		}
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	u, ok := s.backend.uploads[s.id]
	if !ok {
		return fmt.Errorf("%w: upload %s", upload.ErrUploadExpired, s.id)
	}

	var buf bytes.Buffer
	for _, p := range s.tok.Parts {
		data, ok := u.parts[p.Number]
		if !ok || int64(len(data)) != p.Size {
			return fmt.Errorf("%w: part %d", upload.ErrPartMismatch, p.Number)
		}
		buf.Write(data)
	}

	s.backend.objects[s.dest.String()] = &Object{
		Data:        buf.Bytes(),
		ContentType: u.opts.ContentType,
		Metadata:    u.opts.Metadata,
		Parts:       len(s.tok.Parts),
	}
	delete(s.backend.uploads, s.id)
	s.backend.completed++
	return nil
}

func (s *session) Abort(ctx context.Context) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if _, ok := s.backend.uploads[s.id]; ok {
		delete(s.backend.uploads, s.id)
		s.backend.aborted++
	}
	return nil
}
