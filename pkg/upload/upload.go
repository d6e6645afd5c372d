package upload

import (
	"context"
	"errors"
	"io"
)

// Common errors returned by backend implementations.
var (
	ErrDenied            = errors.New("upload: access denied")
	ErrBucketNotFound    = errors.New("upload: bucket does not exist")
	ErrUploadExpired     = errors.New("upload: upload no longer exists")
	ErrPartMismatch      = errors.New("upload: committed parts do not match token")
	ErrUnsupportedScheme = errors.New("upload: unsupported destination scheme")
)

// Part identifies one durably committed piece of an upload.
type Part struct {
	Number int    `json:"number"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Token is the resumable handle for an in-progress upload: the
// backend's upload identifier, the object attributes fixed at
// initiation, and the parts committed so far, in part order. It
// serializes to JSON and round-trips through whatever store keeps
// transfer state.
type Token struct {
	Scheme      string            `json:"scheme"`
	UploadID    string            `json:"uploadId"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Parts       []Part            `json:"parts,omitempty"`
}

// Committed returns the byte count covered by the committed parts.
func (t Token) Committed() int64 {
	var n int64
	for _, p := range t.Parts {
		n += p.Size
	}
	return n
}

// NextPart returns the part number the next write must use. Parts are
// numbered from 1 and strictly sequential.
func (t Token) NextPart() int {
	return len(t.Parts) + 1
}

// InitOptions carry object attributes fixed at upload initiation.
type InitOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Session is one open upload. Writes go in strictly ascending part
// order; rewriting the highest part number after a failed attempt is
// safe. Nothing is visible at the destination until Complete.
type Session interface {
	// WritePart durably commits one part. The part either lands
	// completely or the session is unchanged.
	WritePart(ctx context.Context, number int, r io.Reader, size int64) (Part, error)

	// Complete assembles all committed parts into the final object.
	// After Complete the token is dead.
	Complete(ctx context.Context) error

	// Abort discards the upload and any committed parts.
	Abort(ctx context.Context) error

	// Token snapshots the resumable state after the latest write.
	Token() Token
}

// Backend creates and reopens upload sessions for one destination
// scheme.
type Backend interface {
	// Initiate starts a fresh upload to dest.
	Initiate(ctx context.Context, dest Destination, opts InitOptions) (Session, error)

	// Reopen continues the upload identified by token, verifying that
	// the backend still holds every part the token claims. A token the
	// backend no longer recognizes fails with ErrUploadExpired.
	Reopen(ctx context.Context, dest Destination, token Token) (Session, error)

	// MinPartSize is the smallest part the backend accepts for any
	// part but the last; zero means no constraint.
	MinPartSize() int64
}
