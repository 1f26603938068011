// Package compliance records a tamper-evident audit trail of every answer
// request, whatever its outcome.
package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/observability/metrics"
	"github.com/wolfman30/groundguard/internal/retrieval"
	"github.com/wolfman30/groundguard/internal/validation"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// ErrAuditWrite wraps every store failure returned by Recorder.Record.
var ErrAuditWrite = errors.New("compliance: audit write failed")

// InjectionFlag records one injection match.
type InjectionFlag struct {
	// Source is "user_turn" or "passage".
	Source    string `json:"source"`
	TurnIndex int    `json:"turn_index,omitempty"`
	PassageID string `json:"passage_id,omitempty"`
	Pattern   string `json:"pattern"`
}

// TokenEstimates are backend-reported counts when available, otherwise
// character based estimates.
type TokenEstimates struct {
	Prompt int `json:"prompt"`
	Input  int `json:"input"`
	Output int `json:"output"`
}

// AuditRecord is written once per request and never updated. It carries
// digests and ids, never passage or response text.
type AuditRecord struct {
	ID             string `json:"id"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`

	InputDigest     string `json:"input_digest"`
	PromptDigest    string `json:"prompt_digest,omitempty"`
	GeneratedDigest string `json:"generated_digest,omitempty"`
	OutputDigest    string `json:"output_digest"`

	Classification     classify.Classification `json:"classification"`
	DocumentsAvailable int                     `json:"documents_available"`
	PassageIDs         []string                `json:"passage_ids"`
	PassageScores      []float64               `json:"passage_scores"`
	DroppedPassages    []retrieval.Dropped     `json:"dropped_passages,omitempty"`
	InjectionFlags     []InjectionFlag         `json:"injection_flags,omitempty"`

	// Verdict is nil when the request ended before validation.
	Verdict     *validation.Verdict `json:"verdict,omitempty"`
	Outcome     string              `json:"outcome"`
	FailureKind string              `json:"failure_kind,omitempty"`
	// Delivered means the caller was still connected when the verdict was
	// reached and replay began. The record is written before replay, so a
	// disconnect during replay is not reflected here.
	Delivered bool `json:"delivered"`

	TimingMs       map[string]int64 `json:"timing_ms"`
	TokenEstimates TokenEstimates   `json:"token_estimates"`

	CreatedAt    time.Time `json:"created_at"`
	RecordDigest string    `json:"record_digest,omitempty"`
}

// Passed reports the verdict outcome, false when no verdict exists.
func (r AuditRecord) Passed() bool {
	return r.Verdict != nil && r.Verdict.Passed
}

// ComputeDigest is the SHA-256 of the record's JSON with RecordDigest empty.
// Map keys are marshalled sorted, so the encoding is stable.
func (r AuditRecord) ComputeDigest() (string, error) {
	r.RecordDigest = ""
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("compliance: marshal audit record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDigest reports whether RecordDigest still matches the content.
func (r AuditRecord) VerifyDigest() bool {
	want, err := r.ComputeDigest()
	return err == nil && r.RecordDigest != "" && want == r.RecordDigest
}

// Digest is the SHA-256 hex of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Store is an append-only audit sink.
type Store interface {
	Name() string
	Write(ctx context.Context, rec AuditRecord) error
}

// AuditFailure describes a record that could not be written.
type AuditFailure struct {
	RecordID   string
	TenantID   string
	RequestID  string
	Outcome    string
	Store      string
	Error      string
	OccurredAt time.Time
}

// Alerter is the operator-visible channel for audit write failures.
type Alerter interface {
	AlertAuditFailure(ctx context.Context, failure AuditFailure) error
}

// Recorder fills in record identity and digest, then writes it.
type Recorder struct {
	store   Store
	alerter Alerter
	metrics *metrics.GuardMetrics
	logger  *logging.Logger
	timeout time.Duration
	now     func() time.Time
	tracer  trace.Tracer
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

func WithAlerter(a Alerter) RecorderOption {
	return func(r *Recorder) { r.alerter = a }
}

func WithMetrics(m *metrics.GuardMetrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

func WithTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func withClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(store Store, logger *logging.Logger, opts ...RecorderOption) *Recorder {
	if store == nil {
		panic("compliance: audit store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		timeout: 10 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer("groundguard.internal.compliance"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes rec and returns it as stored. A write failure is logged,
// counted and alerted, then returned wrapped in ErrAuditWrite; it never
// panics.
func (r *Recorder) Record(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if rec.PassageIDs == nil {
		rec.PassageIDs = []string{}
	}
	if rec.PassageScores == nil {
		rec.PassageScores = []float64{}
	}
	digest, err := rec.ComputeDigest()
	if err != nil {
		return rec, r.fail(ctx, rec, err)
	}
	rec.RecordDigest = digest

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "compliance.audit.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.id", rec.ID),
		attribute.String("audit.outcome", rec.Outcome),
		attribute.String("audit.store", r.store.Name()),
	)

	if err := r.store.Write(ctx, rec); err != nil {
		span.RecordError(err)
		return rec, r.fail(ctx, rec, err)
	}

	r.logger.Debug("audit record written",
		"audit_id", rec.ID,
		"tenant_id", rec.TenantID,
		"outcome", rec.Outcome,
		"record_digest", rec.RecordDigest,
	)
	return rec, nil
}

func (r *Recorder) fail(ctx context.Context, rec AuditRecord, err error) error {
	store := r.store.Name()
	r.logger.Error("audit write failed",
		"audit_id", rec.ID,
		"tenant_id", rec.TenantID,
		"request_id", rec.RequestID,
		"outcome", rec.Outcome,
		"store", store,
		"error", err,
	)
	r.metrics.ObserveAuditFailure(store)

	if r.alerter != nil {
		// The alert must go out even when the request context is done.
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		alertErr := r.alerter.AlertAuditFailure(alertCtx, AuditFailure{
			RecordID:   rec.ID,
			TenantID:   rec.TenantID,
			RequestID:  rec.RequestID,
			Outcome:    rec.Outcome,
			Store:      store,
			Error:      err.Error(),
			OccurredAt: r.now(),
		})
		if alertErr != nil {
			r.logger.Error("audit failure alert failed", "audit_id", rec.ID, "error", alertErr)
		}
	}
	return fmt.Errorf("%w: %w", ErrAuditWrite, err)
}
