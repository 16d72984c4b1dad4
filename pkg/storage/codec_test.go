package storage

import (
	"bytes"
	"testing"

	"github.com/tandem-dev/tandem/pkg/errors"
)

func newTestCodec(t *testing.T, cfg Config) *Codec {
	t.Helper()
	c, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec() failed: %v", err)
	}
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, DefaultConfig())
	content := []byte("short content")

	stored, meta, err := c.Encode("doc-1", content, 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if meta.Compressed {
		t.Error("content below threshold was compressed")
	}

	decoded, err := c.Decode("doc-1", stored, meta)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("Decode() = %q, want %q", decoded, content)
	}
}

func TestCodec_CompressionAboveThreshold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CompressionThreshold = 64
	c := newTestCodec(t, cfg)

	// Highly repetitive content compresses well.
	content := bytes.Repeat([]byte("tandem "), 200)

	stored, meta, err := c.Encode("doc-1", content, 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if !meta.Compressed {
		t.Fatal("content above threshold was not compressed")
	}
	if int64(len(stored)) >= int64(len(content)) {
		t.Errorf("compressed size %d not smaller than raw %d", len(stored), len(content))
	}
	if meta.Size != int64(len(stored)) {
		t.Errorf("Size = %d, want stored length %d", meta.Size, len(stored))
	}

	decoded, err := c.Decode("doc-1", stored, meta)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Error("round trip through compression lost content")
	}
}

func TestCodec_ChecksumDetectsTampering(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, DefaultConfig())

	stored, meta, err := c.Encode("doc-1", []byte("authentic"), 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	tampered := append([]byte(nil), stored...)
	tampered[0] ^= 0xFF

	_, err = c.Decode("doc-1", tampered, meta)
	if !errors.IsCorruption(err) {
		t.Errorf("Decode(tampered) error = %v, want Corruption", err)
	}
}

func TestCodec_ChecksumDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ChecksumEnabled = false
	c := newTestCodec(t, cfg)

	stored, meta, err := c.Encode("doc-1", []byte("whatever"), 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if meta.ContentHash != "" {
		t.Errorf("ContentHash = %q, want empty with checksums disabled", meta.ContentHash)
	}
	if _, err := c.Decode("doc-1", stored, meta); err != nil {
		t.Errorf("Decode() failed: %v", err)
	}
}

func TestCodec_DocumentSizeCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxDocumentSize = 10
	cfg.CompressionEnabled = false
	c := newTestCodec(t, cfg)

	_, _, err := c.Encode("doc-1", make([]byte, 11), 1, nil, nil, 0)
	if !errors.IsStorageFull(err) {
		t.Errorf("Encode(oversized) error = %v, want StorageFull", err)
	}
}

func TestCodec_TotalSizeCap(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxTotalSize = 100
	cfg.CompressionEnabled = false
	c := newTestCodec(t, cfg)

	if _, _, err := c.Encode("doc-1", make([]byte, 50), 1, nil, nil, 40); err != nil {
		t.Fatalf("Encode() within cap failed: %v", err)
	}
	_, _, err := c.Encode("doc-1", make([]byte, 50), 1, nil, nil, 60)
	if !errors.IsStorageFull(err) {
		t.Errorf("Encode(over total cap) error = %v, want StorageFull", err)
	}
}

func TestCodec_CreatedAtPreserved(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, DefaultConfig())

	_, first, err := c.Encode("doc-1", []byte("v1"), 1, nil, nil, 0)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	_, second, err := c.Encode("doc-1", []byte("v2"), 2, nil, first, 0)
	if err != nil {
		t.Fatalf("second Encode() failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt not carried over from previous metadata")
	}
}
