// Package archive writes audit log entries to S3 before they are purged
// from Postgres, so retention never means silent data loss.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/quantumlife-health/radsched/internal/audit"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry records one archived batch in the monthly manifest, so an
// auditor can locate a window of purged entries without scanning every key.
type ManifestEntry struct {
	S3Key      string    `json:"s3_key"`
	EntryCount int       `json:"entry_count"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Store archives audit log batches to S3 ahead of retention purges.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *slog.Logger
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket and S3 client are set).
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// ArchiveAuditBatch writes entries as newline-delimited JSON to S3 and
// appends a manifest record, before the caller purges them from Postgres.
// A no-op (success, no write) when archival isn't configured or entries is
// empty — retention purges may proceed either way.
func (s *Store) ArchiveAuditBatch(ctx context.Context, entries []audit.Entry, windowFrom, windowTo time.Time) error {
	if !s.Enabled() || len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("archive: marshal audit entry: %w", err)
		}
	}

	now := time.Now().UTC()
	s3Key := fmt.Sprintf("audit/v1/by-date/%d/%02d/%02d/%s.jsonl",
		now.Year(), now.Month(), now.Day(), now.Format("150405.000000"))

	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s3Key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", s3Key, err)
	}

	s.logger.Info("archived audit batch to S3",
		"s3_key", s3Key, "entry_count", len(entries),
		"window_from", windowFrom, "window_to", windowTo,
	)

	entry := ManifestEntry{
		S3Key:      s3Key,
		EntryCount: len(entries),
		WindowFrom: windowFrom,
		WindowTo:   windowTo,
		ArchivedAt: now,
	}
	if err := s.appendManifest(ctx, entry); err != nil {
		s.logger.Warn("failed to append audit archive manifest", "error", err, "s3_key", s3Key)
	}
	return nil
}

// appendManifest appends a JSONL line to the monthly manifest file. Uses
// read-modify-write since S3 doesn't support append.
func (s *Store) appendManifest(ctx context.Context, entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := time.Now().UTC()
	manifestKey := fmt.Sprintf("audit/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(manifestKey),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if isNotFoundErr(err, nsk) {
			s.logger.Debug("manifest not found, creating new", "key", manifestKey)
		}
	} else {
		existing, _ = io.ReadAll(getResp.Body)
		getResp.Body.Close()
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFoundErr(err error, _ *s3types.NoSuchKey) bool {
	return err != nil && (contains(err.Error(), "NoSuchKey") || contains(err.Error(), "404") || contains(err.Error(), "not found"))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchString(s, substr)
}

func searchString(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
