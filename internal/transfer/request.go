package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stowage-dev/stowage/pkg/upload"
)

// Request names one transfer. Source and Destination identify the
// logical request; everything else tunes a single invocation.
type Request struct {
	// Source is the HTTP(S) URL to fetch.
	Source string

	// Destination is the object-store location. A key ending in "/" or
	// an empty key means "directory": the object name is taken from the
	// source (Content-Disposition, then URL path).
	Destination string

	// TransferID overrides the derived idempotency key. Two requests
	// with the same id are the same transfer regardless of their other
	// fields.
	TransferID string

	// Force discards any recorded state and restarts from scratch,
	// aborting a leftover destination upload first.
	Force bool

	// Headers are forwarded verbatim on every source request.
	Headers map[string]string

	// Timeout bounds the whole invocation, zero means no bound.
	Timeout time.Duration

	// ContentType fixes the destination object's content type. When
	// empty and SetContentType is true the type is taken from the
	// source response or sniffed from the first bytes.
	ContentType    string
	SetContentType bool
}

// resolved is a validated request bound to a backend.
type resolved struct {
	req     Request
	id      string
	dest    upload.Destination
	backend upload.Backend
}

// prepare validates the request shape and derives the transfer id.
// It performs no I/O.
func (m *Manager) prepare(req Request) (*resolved, error) {
	u, err := url.Parse(req.Source)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: fmt.Errorf("source: %w", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: fmt.Errorf("source %q: scheme must be http or https", req.Source)}
	}
	if u.Host == "" {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: fmt.Errorf("source %q has no host", req.Source)}
	}

	dest, err := upload.ParseDestination(req.Destination)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: err}
	}
	backend, err := m.backends.Lookup(dest.Scheme)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: err}
	}

	id := req.TransferID
	if id != "" {
		if !validTransferID(id) {
			return nil, &Error{Kind: KindInvalidRequest, Op: "validate request", Err: fmt.Errorf("transferId %q: only letters, digits, '.', '_' and '-' allowed", id)}
		}
	} else {
		id = DeriveID(req.Source, dest)
	}

	return &resolved{req: req, id: id, dest: dest, backend: backend}, nil
}

// DeriveID builds the idempotency key for a source/destination pair.
// Requests naming the same pair coalesce onto one transfer; callers
// that want independent transfers pass an explicit TransferID.
func DeriveID(source string, dest upload.Destination) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(dest.String()))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func validTransferID(id string) bool {
	if len(id) > 200 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// resolveKey fills in the object name when the destination is a
// directory. filename comes from the source response.
func resolveKey(dest upload.Destination, filename string) (upload.Destination, error) {
	if dest.Key != "" && !strings.HasSuffix(dest.Key, "/") {
		return dest, nil
	}
	if filename == "" {
		return upload.Destination{}, &Error{
			Kind: KindInvalidRequest,
			Op:   "resolve destination",
			Err:  fmt.Errorf("destination %q needs an object name and the source provides none", dest.String()),
		}
	}
	return dest.WithKey(dest.Key + filename), nil
}
