package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"

	"github.com/stowage-dev/stowage/pkg/upload"
)

func testDest(t *testing.T, raw string) upload.Destination {
	t.Helper()
	d, err := upload.ParseDestination(raw)
	if err != nil {
		t.Fatalf("ParseDestination(%q): %v", raw, err)
	}
	return d
}

func TestUploadAndComplete(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/dir/file.bin")

	// 1MB in 256KB parts (4 parts)
	data := make([]byte, 1024*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	partSize := int64(256 * 1024)

	s, err := b.Initiate(ctx, dest, upload.InitOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"source": "test"},
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	for off := int64(0); off < int64(len(data)); off += partSize {
		number := int(off/partSize) + 1
		p, err := s.WritePart(ctx, number, bytes.NewReader(data[off:off+partSize]), partSize)
		if err != nil {
			t.Fatalf("WritePart %d: %v", number, err)
		}
		if p.Number != number || p.Size != partSize {
			t.Fatalf("part %d: got number=%d size=%d", number, p.Number, p.Size)
		}
		if p.SHA256 == "" {
			t.Fatalf("part %d has no checksum", number)
		}
	}

	tok := s.Token()
	if len(tok.Parts) != 4 {
		t.Fatalf("expected 4 parts in token, got %d", len(tok.Parts))
	}
	if tok.Committed() != int64(len(data)) {
		t.Fatalf("expected %d committed bytes, got %d", len(data), tok.Committed())
	}

	if err := s.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	bucket, err := b.openBucket(ctx, dest)
	if err != nil {
		t.Fatalf("openBucket: %v", err)
	}
	got, err := bucket.ReadAll(ctx, "dir/file.bin")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch: got %d bytes, expected %d", len(got), len(data))
	}

	attrs, err := bucket.Attributes(ctx, "dir/file.bin")
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	if attrs.ContentType != "application/octet-stream" {
		t.Errorf("content type %q, expected application/octet-stream", attrs.ContentType)
	}
	if attrs.Metadata["source"] != "test" {
		t.Errorf("metadata %v, expected source=test", attrs.Metadata)
	}

	// Staging prefix must be gone after Complete
	iter := bucket.List(&blob.ListOptions{Prefix: "dir/file.bin.parts/"})
	if obj, err := iter.Next(ctx); err != io.EOF {
		t.Fatalf("staging not cleaned up: obj=%v err=%v", obj, err)
	}
}

func TestResumeAfterReopen(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/resume.bin")

	data := []byte("0123456789abcdefghijklmnopqrstuv")
	partSize := int64(8)

	// First session writes two parts, then the process "dies" without
	// Complete or Abort.
	s1, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	for i := 0; i < 2; i++ {
		off := int64(i) * partSize
		if _, err := s1.WritePart(ctx, i+1, bytes.NewReader(data[off:off+partSize]), partSize); err != nil {
			t.Fatalf("WritePart %d: %v", i+1, err)
		}
	}
	tok := s1.Token()

	s2, err := b.Reopen(ctx, dest, tok)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if got := s2.Token(); len(got.Parts) != 2 || got.Committed() != 16 {
		t.Fatalf("reopened token: parts=%d committed=%d", len(got.Parts), got.Committed())
	}

	for i := 2; i < 4; i++ {
		off := int64(i) * partSize
		if _, err := s2.WritePart(ctx, i+1, bytes.NewReader(data[off:off+partSize]), partSize); err != nil {
			t.Fatalf("WritePart %d: %v", i+1, err)
		}
	}
	if err := s2.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	bucket, _ := b.openBucket(ctx, dest)
	got, err := bucket.ReadAll(ctx, "resume.bin")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("data mismatch after resume: %q", got)
	}
}

func TestReopenMissingPart(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/missing.bin")

	s, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := s.WritePart(ctx, 1, strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	tok := s.Token()

	// Staged object disappears behind our back.
	bucket, _ := b.openBucket(ctx, dest)
	if err := bucket.Delete(ctx, s.(*session).partKey(1)); err != nil {
		t.Fatalf("Delete staged part: %v", err)
	}

	if _, err := b.Reopen(ctx, dest, tok); !errors.Is(err, upload.ErrUploadExpired) {
		t.Fatalf("expected ErrUploadExpired, got %v", err)
	}
}

func TestReopenSizeMismatch(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/mismatch.bin")

	s, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := s.WritePart(ctx, 1, strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("WritePart: %v", err)
	}

	tok := s.Token()
	tok.Parts[0].Size = 9

	if _, err := b.Reopen(ctx, dest, tok); !errors.Is(err, upload.ErrPartMismatch) {
		t.Fatalf("expected ErrPartMismatch, got %v", err)
	}
}

func TestReopenWithoutUploadID(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()

	_, err := b.Reopen(ctx, testDest(t, "mem://uploads/none.bin"), upload.Token{})
	if !errors.Is(err, upload.ErrUploadExpired) {
		t.Fatalf("expected ErrUploadExpired, got %v", err)
	}
}

func TestAbortRemovesStaging(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/abort.bin")

	s, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := s.WritePart(ctx, 1, strings.NewReader("partial"), 7); err != nil {
		t.Fatalf("WritePart: %v", err)
	}
	if err := s.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	bucket, _ := b.openBucket(ctx, dest)
	iter := bucket.List(&blob.ListOptions{Prefix: "abort.bin.parts/"})
	if obj, err := iter.Next(ctx); err != io.EOF {
		t.Fatalf("staging not cleaned up: obj=%v err=%v", obj, err)
	}
	if _, err := bucket.ReadAll(ctx, "abort.bin"); !isNotExist(err) {
		t.Fatalf("final object should not exist, got err=%v", err)
	}
}

func TestWritePartOutOfOrder(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()

	s, err := b.Initiate(ctx, testDest(t, "mem://uploads/order.bin"), upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := s.WritePart(ctx, 2, strings.NewReader("x"), 1); err == nil {
		t.Fatal("expected error writing part 2 before part 1")
	}
}

func TestWritePartShortReadIsRetryable(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/short.bin")

	s, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// Reader delivers fewer bytes than declared: the part must fail and
	// leave no staged object behind.
	if _, err := s.WritePart(ctx, 1, strings.NewReader("abc"), 10); err == nil {
		t.Fatal("expected error on short part write")
	}
	if len(s.Token().Parts) != 0 {
		t.Fatalf("token recorded a failed part: %+v", s.Token().Parts)
	}

	// Same part number works on retry.
	if _, err := s.WritePart(ctx, 1, strings.NewReader("0123456789"), 10); err != nil {
		t.Fatalf("WritePart retry: %v", err)
	}
	if err := s.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	bucket, _ := b.openBucket(ctx, dest)
	got, err := bucket.ReadAll(ctx, "short.bin")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("got %q", got)
	}
}

func TestCompleteDetectsCorruptedPart(t *testing.T) {
	ctx := context.Background()
	b := New(zerolog.Nop())
	defer b.Close()
	dest := testDest(t, "mem://uploads/corrupt.bin")

	s, err := b.Initiate(ctx, dest, upload.InitOptions{})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := s.WritePart(ctx, 1, strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("WritePart: %v", err)
	}

	// Overwrite the staged object with different bytes of the same size.
	bucket, _ := b.openBucket(ctx, dest)
	if err := bucket.WriteAll(ctx, s.(*session).partKey(1), []byte("HELLO"), nil); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	if err := s.Complete(ctx); !errors.Is(err, upload.ErrPartMismatch) {
		t.Fatalf("expected ErrPartMismatch, got %v", err)
	}
	if _, err := bucket.ReadAll(ctx, "corrupt.bin"); !isNotExist(err) {
		t.Fatalf("final object should not exist after failed Complete, got err=%v", err)
	}
}
