package compliance

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// SQLStore inserts records into audit_records. The table rejects UPDATE and
// DELETE with a trigger, so the store only ever inserts.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	if db == nil {
		panic("compliance: sql db cannot be nil")
	}
	return &SQLStore{db: db}
}

func (s *SQLStore) Name() string { return "postgres" }

const insertAuditSQL = `
	INSERT INTO audit_records (
		id, request_id, conversation_id, tenant_id, user_id,
		outcome, failure_kind, passed, delivered,
		input_digest, prompt_digest, generated_digest, output_digest,
		documents_available, record, record_digest, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

func (s *SQLStore) Write(ctx context.Context, rec AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("compliance: marshal audit record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertAuditSQL,
		rec.ID,
		nullString(rec.RequestID),
		nullString(rec.ConversationID),
		rec.TenantID,
		rec.UserID,
		rec.Outcome,
		nullString(rec.FailureKind),
		rec.Passed(),
		rec.Delivered,
		rec.InputDigest,
		nullString(rec.PromptDigest),
		nullString(rec.GeneratedDigest),
		rec.OutputDigest,
		rec.DocumentsAvailable,
		body,
		rec.RecordDigest,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: insert audit record: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store writes each record as its own object. Objects are created with
// If-None-Match so an existing record is never overwritten.
type S3Store struct {
	bucket string
	client S3API
}

func NewS3Store(client S3API, bucket string) *S3Store {
	if client == nil {
		panic("compliance: s3 client cannot be nil")
	}
	return &S3Store{bucket: bucket, client: client}
}

func (s *S3Store) Name() string { return "s3" }

// S3Key is audit/<tenant>/<yyyy>/<mm>/<dd>/<id>.json, dated by CreatedAt.
func S3Key(rec AuditRecord) string {
	t := rec.CreatedAt.UTC()
	return fmt.Sprintf("audit/%s/%d/%02d/%02d/%s.json", rec.TenantID, t.Year(), t.Month(), t.Day(), rec.ID)
}

func (s *S3Store) Write(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("compliance: marshal audit record: %w", err)
	}
	key := S3Key(rec)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"record-digest": rec.RecordDigest,
		},
	})
	if err != nil {
		return fmt.Errorf("compliance: s3 put %s: %w", key, err)
	}
	return nil
}

// JSONLStore appends one JSON line per record to a local file. It serves
// local development and the CLI.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) *JSONLStore {
	return &JSONLStore{path: path}
}

func (s *JSONLStore) Name() string { return "jsonl" }

func (s *JSONLStore) Write(_ context.Context, rec AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("compliance: marshal audit record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("compliance: create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("compliance: open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("compliance: append audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compliance: close audit log: %w", err)
	}
	return nil
}

// MultiStore writes to every store concurrently. Every store is attempted;
// any failure fails the write.
type MultiStore struct {
	stores []Store
}

func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

func (m *MultiStore) Name() string {
	if len(m.stores) == 1 {
		return m.stores[0].Name()
	}
	return "multi"
}

func (m *MultiStore) Write(ctx context.Context, rec AuditRecord) error {
	if len(m.stores) == 0 {
		return errors.New("compliance: no audit stores configured")
	}
	errs := make([]error, len(m.stores))
	var g errgroup.Group
	for i, s := range m.stores {
		g.Go(func() error {
			if err := s.Write(ctx, rec); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return errs[i]
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
