package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"judgeline/internal/common/storage"
	"judgeline/internal/judge/model"
	"judgeline/internal/submit/repository"

	"github.com/klauspost/compress/zstd"
)

const archiveContentType = "application/zstd"

// SourceArchiver keeps a compressed copy of every dispatched source file in object storage.
type SourceArchiver struct {
	storage storage.ObjectStorage
	bucket  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewSourceArchiver creates an archiver writing into bucket.
func NewSourceArchiver(objectStorage storage.ObjectStorage, bucket string) (*SourceArchiver, error) {
	if objectStorage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SourceArchiver{storage: objectStorage, bucket: bucket, encoder: encoder, decoder: decoder}, nil
}

// Archive uploads the submission source.
func (a *SourceArchiver) Archive(ctx context.Context, submission *repository.Submission) error {
	compressed := a.encoder.EncodeAll([]byte(submission.Code), nil)
	metadata := map[string]string{
		"submission-id": strconv.FormatInt(submission.ID, 10),
		"user-id":       strconv.FormatInt(submission.UserID, 10),
		"problem-id":    strconv.FormatInt(submission.ProblemID, 10),
		"language":      string(submission.Language),
	}
	key := ArchiveKey(submission.ID, submission.Language)
	return a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), archiveContentType, metadata)
}

// Restore reads back an archived source.
func (a *SourceArchiver) Restore(ctx context.Context, submissionID int64, language model.Language) (string, error) {
	reader, err := a.storage.GetObject(ctx, a.bucket, ArchiveKey(submissionID, language))
	if err != nil {
		return "", err
	}
	defer reader.Close()
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	source, err := a.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return "", fmt.Errorf("decode archived source: %w", err)
	}
	return string(source), nil
}

// ArchiveKey is the object key for a submission's source.
func ArchiveKey(submissionID int64, language model.Language) string {
	return fmt.Sprintf("submissions/%d/source.%s.zst", submissionID, language.SourceExtension())
}
