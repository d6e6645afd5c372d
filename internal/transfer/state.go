package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stowage-dev/stowage/pkg/journal"
	"github.com/stowage-dev/stowage/pkg/upload"
)

// Status is the lifecycle phase of a transfer.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// State is the durable progress record for one transfer. It is written
// whole after every committed chunk, so any persisted copy describes a
// consistent resumption point.
type State struct {
	TransferID  string `json:"transferId"`
	Source      string `json:"source"`
	Destination string `json:"destination"`

	// BytesTransferred counts bytes durably acknowledged by the
	// destination. It never decreases. SourceCursor is the offset of
	// the next source read and always equals BytesTransferred.
	BytesTransferred int64 `json:"bytesTransferred"`
	SourceCursor     int64 `json:"sourceCursor"`

	// TotalBytes is the source length, -1 while unknown.
	TotalBytes int64 `json:"totalBytes"`

	// Validator is the strong validator the source reported on the
	// first open, empty when it offered none.
	Validator string `json:"validator,omitempty"`

	ContentType string `json:"contentType,omitempty"`

	// ResumeToken is set exactly while the destination holds an open
	// resumable upload.
	ResumeToken *upload.Token `json:"resumeToken,omitempty"`

	Status  Status   `json:"status"`
	Failure *Failure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Failure records why a transfer went to StatusFailed.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// stateKey is the journal key for a transfer id.
func stateKey(id string) string {
	return "transfers/" + id + ".json"
}

// loadState reads the record for id, (nil, nil) when none exists.
func loadState(ctx context.Context, store journal.Store, id string) (*State, error) {
	data, err := store.Load(ctx, stateKey(id))
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, nil
		}
		return nil, &Error{Kind: KindStateUnavailable, Op: "load state", Err: err}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &Error{Kind: KindStateCorruption, Op: "load state", Err: fmt.Errorf("undecodable record for %s: %w", id, err)}
	}
	return &st, nil
}

// saveState writes the record whole.
func saveState(ctx context.Context, store journal.Store, st *State) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return &Error{Kind: KindStateUnavailable, Op: "save state", Err: err}
	}
	if err := store.Save(ctx, stateKey(st.TransferID), data); err != nil {
		return &Error{Kind: KindStateUnavailable, Op: "save state", Err: err}
	}
	return nil
}

// deleteState removes the record for id.
func deleteState(ctx context.Context, store journal.Store, id string) error {
	if err := store.Delete(ctx, stateKey(id)); err != nil {
		return &Error{Kind: KindStateUnavailable, Op: "delete state", Err: err}
	}
	return nil
}
