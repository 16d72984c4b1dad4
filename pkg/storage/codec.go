package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// Codec applies the shared Save/Load behaviour (caps, compression, checksum)
// so every backend stores and verifies bytes the same way. Backends own only
// the byte transport; the codec owns the transformation and the metadata.
//
// A Codec is safe for concurrent use: the zstd encoder and decoder are used
// in their stateless EncodeAll/DecodeAll mode.
type Codec struct {
	cfg     Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec for the given config.
func NewCodec(cfg Config) (*Codec, error) {
	c := &Codec{cfg: cfg}

	if cfg.CompressionEnabled {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = encoder
	}
	// The decoder is always created: a backend may hold compressed content
	// written under an earlier config.
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = decoder

	return c, nil
}

// Config returns the codec's configuration.
func (c *Codec) Config() Config {
	return c.cfg
}

// Encode prepares content for storage and builds its metadata.
//
// prev is the metadata of the existing record being overwritten, or nil.
// currentTotal is the backend's aggregate stored size excluding the record
// being overwritten; it is checked against MaxTotalSize.
func (c *Codec) Encode(id string, content []byte, version int64, custom map[string]string, prev *Metadata, currentTotal int64) ([]byte, *Metadata, error) {
	stored := content
	compressed := false

	if c.cfg.CompressionEnabled && int64(len(content)) > c.cfg.CompressionThreshold {
		stored = c.encoder.EncodeAll(content, nil)
		compressed = true
	}

	size := int64(len(stored))
	if c.cfg.MaxDocumentSize > 0 && size > c.cfg.MaxDocumentSize {
		return nil, nil, &errors.CoreError{
			Code:     errors.ErrStorageFull,
			Message:  fmt.Sprintf("document size %d exceeds limit %d", size, c.cfg.MaxDocumentSize),
			Resource: id,
		}
	}
	if c.cfg.MaxTotalSize > 0 && currentTotal+size > c.cfg.MaxTotalSize {
		return nil, nil, &errors.CoreError{
			Code:     errors.ErrStorageFull,
			Message:  fmt.Sprintf("total storage size would exceed limit %d", c.cfg.MaxTotalSize),
			Resource: id,
		}
	}

	now := time.Now()
	meta := &Metadata{
		DocumentID:  id,
		Version:     version,
		Size:        size,
		Compressed:  compressed,
		CreatedAt:   now,
		UpdatedAt:   now,
		ContentType: "application/octet-stream",
	}
	if prev != nil {
		meta.CreatedAt = prev.CreatedAt
		if prev.ContentType != "" {
			meta.ContentType = prev.ContentType
		}
	}
	if len(custom) > 0 {
		meta.Custom = make(map[string]string, len(custom))
		for k, v := range custom {
			meta.Custom[k] = v
		}
	}
	if c.cfg.ChecksumEnabled {
		// Hash the stored bytes, not the raw content: corruption of the
		// at-rest representation is what the checksum must catch.
		sum := sha256.Sum256(stored)
		meta.ContentHash = hex.EncodeToString(sum[:])
	}

	return stored, meta, nil
}

// Decode verifies and decompresses stored bytes back into content.
func (c *Codec) Decode(id string, stored []byte, meta *Metadata) ([]byte, error) {
	if c.cfg.ChecksumEnabled && meta.ContentHash != "" {
		sum := sha256.Sum256(stored)
		if hex.EncodeToString(sum[:]) != meta.ContentHash {
			return nil, &errors.CoreError{
				Code:     errors.ErrCorruption,
				Message:  "stored content failed checksum verification",
				Resource: id,
			}
		}
	}

	if !meta.Compressed {
		return stored, nil
	}

	content, err := c.decoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, &errors.CoreError{
			Code:     errors.ErrCorruption,
			Message:  "stored content failed decompression",
			Resource: id,
			Cause:    err,
		}
	}
	return content, nil
}
