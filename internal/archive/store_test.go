package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife-health/radsched/internal/audit"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{bucket: *input.Bucket, key: *input.Key, body: body})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &notFoundError{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "NoSuchKey: key not found" }

func TestStore_ArchiveAuditBatch(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	entries := []audit.Entry{
		{ID: "e1", PhoneHash: "h1", MessageType: audit.OutboundConsent, Direction: audit.Outbound, Success: true},
		{ID: "e2", PhoneHash: "h2", MessageType: audit.InboundConsentYes, Direction: audit.Inbound, Success: true},
	}

	err := store.ArchiveAuditBatch(context.Background(), entries, from, to)
	require.NoError(t, err)

	require.Len(t, mock.putCalls, 2)
	assert.Contains(t, mock.putCalls[0].key, "audit/v1/by-date/")

	lines := bytes.Split(bytes.TrimSpace(mock.putCalls[0].body), []byte("\n"))
	require.Len(t, lines, 2)
	var decoded audit.Entry
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	assert.Equal(t, "e1", decoded.ID)

	assert.Contains(t, mock.putCalls[1].key, "audit/v1/manifests/")
	var manifest ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &manifest))
	assert.Equal(t, 2, manifest.EntryCount)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())

	err := store.ArchiveAuditBatch(context.Background(), []audit.Entry{{ID: "e1"}}, time.Time{}, time.Time{})
	assert.NoError(t, err)
}

func TestStore_EmptyBatchIsNoOp(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	err := store.ArchiveAuditBatch(context.Background(), nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, mock.putCalls)
}

func TestStore_ManifestAccumulatesAcrossBatches(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	batch1 := []audit.Entry{{ID: "e1"}}
	batch2 := []audit.Entry{{ID: "e2"}, {ID: "e3"}}

	require.NoError(t, store.ArchiveAuditBatch(context.Background(), batch1, time.Time{}, time.Time{}))
	require.NoError(t, store.ArchiveAuditBatch(context.Background(), batch2, time.Time{}, time.Time{}))

	lastManifestPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastManifestPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}
