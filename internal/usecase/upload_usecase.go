package usecase

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"talksync/internal/entity"
	"talksync/internal/repository"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

// ErrUploadFailed marks a failed or cancelled attachment transfer. The
// caller may retry with the same bytes; no partial object stays behind.
var ErrUploadFailed = errors.New("media upload failed")

// MediaUploadPipeline moves attachment bytes to durable storage and
// returns a stable content-addressed reference. A message referencing an
// attachment can only be built from a reference this pipeline returned,
// which is what keeps dangling media out of the log.
type MediaUploadPipeline struct {
	blobs  repository.BlobStore
	logger zerolog.Logger
}

func NewMediaUploadPipeline(blobs repository.BlobStore, logger zerolog.Logger) *MediaUploadPipeline {
	return &MediaUploadPipeline{
		blobs:  blobs,
		logger: logger.With().Str("component", "media-upload").Logger(),
	}
}

// Upload hashes the bytes, transfers them in chunks with fractional
// progress, and returns the reference. Identical content short-circuits
// to the already-stored object. progress may be nil.
func (p *MediaUploadPipeline) Upload(ctx context.Context, data []byte, mimeType string, progress func(fraction float64)) (entity.MediaInfo, error) {
	if len(data) == 0 {
		return entity.MediaInfo{}, fmt.Errorf("%w: empty payload", ErrUploadFailed)
	}

	sum := blake2b.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}

	report := func(written, total int64) {
		if progress != nil && total > 0 {
			progress(float64(written) / float64(total))
		}
	}

	if url, ok, err := p.blobs.Exists(ctx, contentHash); err == nil && ok {
		p.logger.Debug().Str("hash", contentHash).Msg("content already stored, reusing")
		report(int64(len(data)), int64(len(data)))
		return entity.MediaInfo{
			URL:         url,
			ContentHash: contentHash,
			Size:        int64(len(data)),
			MimeType:    mimeType,
		}, nil
	}

	url, err := p.blobs.Put(ctx, contentHash, bytes.NewReader(data), int64(len(data)), report)
	if err != nil {
		// A failed transfer must not leave an addressable object behind.
		_ = p.blobs.Delete(ctx, contentHash)
		p.logger.Warn().Err(err).Str("hash", contentHash).Msg("transfer failed")
		return entity.MediaInfo{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return entity.MediaInfo{
		URL:         url,
		ContentHash: contentHash,
		Size:        int64(len(data)),
		MimeType:    mimeType,
	}, nil
}

// Verify confirms a reference points at a completed upload. The send
// path calls it before committing any message with a media variant.
func (p *MediaUploadPipeline) Verify(ctx context.Context, media entity.MediaInfo) error {
	if media.ContentHash == "" {
		return fmt.Errorf("%w: missing content hash", ErrUploadFailed)
	}
	_, ok, err := p.blobs.Exists(ctx, media.ContentHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: no stored object for hash %s", ErrUploadFailed, media.ContentHash)
	}
	return nil
}
