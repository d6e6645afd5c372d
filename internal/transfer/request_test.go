package transfer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stowage-dev/stowage/pkg/journal"
	"github.com/stowage-dev/stowage/pkg/upload/uploadtest"
)

func TestPrepareRejectsMalformedRequests(t *testing.T) {
	m := newTestManager(uploadtest.NewBackend(), journal.NewMemory(), 8<<10)

	tests := []struct {
		name string
		req  Request
	}{
		{"ftp source", Request{Source: "ftp://host/file", Destination: "mem://bucket/key"}},
		{"relative source", Request{Source: "/just/a/path", Destination: "mem://bucket/key"}},
		{"source without host", Request{Source: "http://", Destination: "mem://bucket/key"}},
		{"destination without scheme", Request{Source: "http://host/file", Destination: "bucket/key"}},
		{"unregistered destination scheme", Request{Source: "http://host/file", Destination: "s3://bucket/key"}},
		{"transfer id with slash", Request{Source: "http://host/file", Destination: "mem://bucket/key", TransferID: "a/b"}},
		{"transfer id with space", Request{Source: "http://host/file", Destination: "mem://bucket/key", TransferID: "a b"}},
		{"transfer id too long", Request{Source: "http://host/file", Destination: "mem://bucket/key", TransferID: strings.Repeat("x", 201)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.prepare(tt.req)
			if KindOf(err) != KindInvalidRequest {
				t.Errorf("prepare(%+v) kind = %s, want invalid_request", tt.req, KindOf(err))
			}
		})
	}
}

func TestPrepareDerivesStableID(t *testing.T) {
	m := newTestManager(uploadtest.NewBackend(), journal.NewMemory(), 8<<10)

	a, err := m.prepare(Request{Source: "http://host/file", Destination: "mem://bucket/key"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	b, err := m.prepare(Request{Source: "http://host/file", Destination: "mem://bucket/key"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if a.id != b.id {
		t.Errorf("same request derived different ids: %s vs %s", a.id, b.id)
	}
	if !validTransferID(a.id) {
		t.Errorf("derived id %q is not a valid transfer id", a.id)
	}

	c, _ := m.prepare(Request{Source: "http://host/other", Destination: "mem://bucket/key"})
	d, _ := m.prepare(Request{Source: "http://host/file", Destination: "mem://bucket/other"})
	if c.id == a.id || d.id == a.id || c.id == d.id {
		t.Errorf("distinct requests must derive distinct ids: %s %s %s", a.id, c.id, d.id)
	}

	e, err := m.prepare(Request{Source: "http://host/file", Destination: "mem://bucket/key", TransferID: "my-transfer.1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if e.id != "my-transfer.1" {
		t.Errorf("explicit id overridden: %s", e.id)
	}
}

func TestResolveKey(t *testing.T) {
	tests := []struct {
		dest     string
		filename string
		want     string
		wantErr  bool
	}{
		{"mem://bucket/exact.bin", "ignored.bin", "exact.bin", false},
		{"mem://bucket/dir/", "file.bin", "dir/file.bin", false},
		{"mem://bucket", "file.bin", "file.bin", false},
		{"mem://bucket/dir/", "", "", true},
		{"mem://bucket", "", "", true},
	}

	for _, tt := range tests {
		dest := mustDest(t, tt.dest)
		got, err := resolveKey(dest, tt.filename)
		if tt.wantErr {
			if KindOf(err) != KindInvalidRequest {
				t.Errorf("resolveKey(%q, %q) kind = %s, want invalid_request", tt.dest, tt.filename, KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("resolveKey(%q, %q): %v", tt.dest, tt.filename, err)
			continue
		}
		if got.Key != tt.want {
			t.Errorf("resolveKey(%q, %q) = %q, want %q", tt.dest, tt.filename, got.Key, tt.want)
		}
	}
}

// The journal record is a durable format; its field names must not
// drift with refactors.
func TestStateRecordFieldNames(t *testing.T) {
	doc := `{
		"transferId": "t-1",
		"source": "http://host/file",
		"destination": "mem://bucket/file",
		"bytesTransferred": 16384,
		"sourceCursor": 16384,
		"totalBytes": 20480,
		"validator": "v1",
		"resumeToken": {"scheme": "mem", "uploadId": "u-1", "parts": [{"number": 1, "size": 16384}]},
		"status": "in_progress",
		"createdAt": "2024-05-01T10:00:00Z",
		"updatedAt": "2024-05-01T10:00:05Z"
	}`

	var st State
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.TransferID != "t-1" || st.BytesTransferred != 16384 || st.TotalBytes != 20480 {
		t.Errorf("decoded state: %+v", st)
	}
	if st.Status != StatusInProgress || st.Validator != "v1" {
		t.Errorf("decoded state: %+v", st)
	}
	if st.ResumeToken == nil || st.ResumeToken.UploadID != "u-1" || st.ResumeToken.Committed() != 16384 {
		t.Errorf("decoded token: %+v", st.ResumeToken)
	}

	out, err := json.Marshal(&st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"transferId"`, `"bytesTransferred"`, `"sourceCursor"`, `"totalBytes"`, `"resumeToken"`, `"uploadId"`} {
		if !strings.Contains(string(out), field) {
			t.Errorf("encoded state lost field %s: %s", field, out)
		}
	}
}
