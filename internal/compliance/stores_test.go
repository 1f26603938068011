package compliance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client records PutObject calls and enforces If-None-Match.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if _, exists := m.objects[*input.Key]; exists && input.IfNoneMatch != nil && *input.IfNoneMatch == "*" {
		return nil, errors.New("PreconditionFailed: At least one of the pre-conditions you specified did not hold")
	}
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func storedRecord() AuditRecord {
	rec := sampleRecord()
	rec.ID = "audit-42"
	rec.CreatedAt = fixedNow
	rec.RecordDigest, _ = rec.ComputeDigest()
	return rec
}

func TestS3Key(t *testing.T) {
	assert.Equal(t, "audit/tenant-1/2026/03/14/audit-42.json", S3Key(storedRecord()))
}

func TestS3StoreWriteOnce(t *testing.T) {
	client := newMockS3()
	store := NewS3Store(client, "audit-bucket")
	rec := storedRecord()

	require.NoError(t, store.Write(context.Background(), rec))

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "audit-bucket", *in.Bucket)
	assert.Equal(t, "*", *in.IfNoneMatch)
	assert.Equal(t, rec.RecordDigest, in.Metadata["record-digest"])

	var decoded AuditRecord
	require.NoError(t, json.Unmarshal(client.objects[S3Key(rec)], &decoded))
	assert.Equal(t, rec.RecordDigest, decoded.RecordDigest)
	assert.True(t, decoded.VerifyDigest())

	err := store.Write(context.Background(), rec)
	require.ErrorContains(t, err, "PreconditionFailed")
}

func TestJSONLStoreAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	store := NewJSONLStore(path)

	first := storedRecord()
	second := storedRecord()
	second.ID = "audit-43"
	require.NoError(t, store.Write(context.Background(), first))
	require.NoError(t, store.Write(context.Background(), second))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"audit-42", "audit-43"}, ids)
}

func TestJSONLStoreConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	store := NewJSONLStore(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Write(context.Background(), storedRecord()))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 20, lines)
}

func TestMultiStore(t *testing.T) {
	ok := &memoryStore{name: "postgres"}
	broken := &memoryStore{name: "s3", err: errors.New("access denied")}

	err := NewMultiStore(ok, broken).Write(context.Background(), storedRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: access denied")
	assert.Len(t, ok.records, 1, "healthy sinks still receive the record")

	require.NoError(t, NewMultiStore(ok).Write(context.Background(), storedRecord()))
	assert.Len(t, ok.records, 2)

	assert.Equal(t, "multi", NewMultiStore(ok, broken).Name())
	assert.Equal(t, "postgres", NewMultiStore(ok).Name())
	assert.Error(t, NewMultiStore().Write(context.Background(), storedRecord()))
}

func TestDisclaimer(t *testing.T) {
	lib := "\n\nNote: warranty and coverage decisions are made by the manufacturer."

	d := NewDisclaimer(DefaultDisclaimerConfig(), lib)
	assert.Equal(t, lib, d.Fragment())

	custom := NewDisclaimer(DisclaimerConfig{Enabled: true, CustomText: "Check your contract."}, lib)
	assert.Equal(t, "\n\nCheck your contract.", custom.Fragment())

	off := NewDisclaimer(DisclaimerConfig{}, lib)
	assert.Empty(t, off.Fragment())
}
