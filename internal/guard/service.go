// Package guard exposes the answer operation: every technical claim in a
// generated answer must trace back to tenant reference material or a named
// regulatory code before any of it reaches the user.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/compliance"
	"github.com/wolfman30/groundguard/internal/history"
	"github.com/wolfman30/groundguard/internal/injection"
	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/internal/observability/metrics"
	"github.com/wolfman30/groundguard/internal/patterns"
	"github.com/wolfman30/groundguard/internal/prompt"
	"github.com/wolfman30/groundguard/internal/release"
	"github.com/wolfman30/groundguard/internal/retrieval"
	"github.com/wolfman30/groundguard/internal/review"
	"github.com/wolfman30/groundguard/internal/sources"
	"github.com/wolfman30/groundguard/internal/validation"
	"github.com/wolfman30/groundguard/pkg/logging"
)

var guardTracer = otel.Tracer("groundguard.internal.guard")

// Outcome labels, recorded on the audit record and the final fragment.
const (
	OutcomeReleased          = "released"
	OutcomeRefused           = "refused"
	OutcomeInputRejected     = "input_rejected"
	OutcomeRetrievalFailure  = "retrieval_failure"
	OutcomeGenerationFailure = "generation_failure"
	OutcomeEscalated         = "escalated"
	OutcomeNoEvidence        = "no_evidence"
)

// Retriever is the retrieval gateway contract.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// AuditRecorder writes one record per request.
type AuditRecorder interface {
	Record(ctx context.Context, rec compliance.AuditRecord) (compliance.AuditRecord, error)
}

// Options are the generation settings and stage timeouts.
type Options struct {
	Model       string
	MaxTokens   int32
	Temperature float32
	// RetrievalTimeout bounds the source lookup plus embedding and search.
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	// FollowUpTimeout bounds the review ticket and history writes that run
	// after the stream has closed.
	FollowUpTimeout time.Duration
	Validation      validation.Config
}

func DefaultOptions() Options {
	return Options{
		MaxTokens:         1024,
		RetrievalTimeout:  15 * time.Second,
		GenerationTimeout: 60 * time.Second,
		FollowUpTimeout:   10 * time.Second,
		Validation:        validation.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.RetrievalTimeout <= 0 {
		o.RetrievalTimeout = d.RetrievalTimeout
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = d.GenerationTimeout
	}
	if o.FollowUpTimeout <= 0 {
		o.FollowUpTimeout = d.FollowUpTimeout
	}
	return o
}

type Option func(*Service)

func WithOptions(opts Options) Option {
	return func(s *Service) { s.opts = opts.withDefaults() }
}

// WithDisclaimer overrides the warranty disclaimer settings.
func WithDisclaimer(cfg compliance.DisclaimerConfig) Option {
	return func(s *Service) { s.disclaimer = cfg }
}

// WithHistory appends each exchange to conversation history.
func WithHistory(store history.Store) Option {
	return func(s *Service) { s.history = store }
}

// WithReviewQueue submits a ticket for every response flagged for human review.
func WithReviewQueue(q review.Queue) Option {
	return func(s *Service) { s.review = q }
}

func WithMetrics(m *metrics.GuardMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the answer pipeline. It is safe for concurrent use; every
// request gets its own buffer and verdict.
type Service struct {
	lib        *patterns.Library
	messages   patterns.Messages
	detector   *injection.Detector
	classifier *classify.Classifier
	retriever  Retriever
	sources    sources.Registry
	assembler  *prompt.Assembler
	generator  llm.StreamClient
	validator  *validation.Validator
	controller *release.Controller
	recorder   AuditRecorder

	history    history.Store
	review     review.Queue
	metrics    *metrics.GuardMetrics
	disclaimer compliance.DisclaimerConfig
	opts       Options

	// pending counts running pipelines, follow-up writes included.
	pending sync.WaitGroup

	requests *validator.Validate
	logger   *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(lib *patterns.Library, retriever Retriever, registry sources.Registry, generator llm.StreamClient, recorder AuditRecorder, logger *logging.Logger, opts ...Option) *Service {
	if lib == nil {
		panic("guard: pattern library cannot be nil")
	}
	if retriever == nil || registry == nil {
		panic("guard: retriever and source registry cannot be nil")
	}
	if generator == nil {
		panic("guard: generator cannot be nil")
	}
	if recorder == nil {
		panic("guard: audit recorder cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Service{
		lib:        lib,
		messages:   lib.Messages(),
		detector:   injection.NewDetector(lib),
		classifier: classify.NewClassifier(lib),
		retriever:  retriever,
		sources:    registry,
		generator:  generator,
		recorder:   recorder,
		disclaimer: compliance.DefaultDisclaimerConfig(),
		opts:       DefaultOptions(),
		requests:   newRequestValidator(),
		logger:     logger,
		tracer:     guardTracer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.assembler = prompt.NewAssembler(s.messages.Refusal)
	s.validator = validation.NewValidator(lib, s.opts.Validation)
	disclaimer := compliance.NewDisclaimer(s.disclaimer, s.messages.Disclaimer)
	s.controller = release.NewController(s.messages.Refusal, disclaimer.Fragment())
	return s
}

// Wait blocks until every answer started so far has finished, including the
// review ticket and history writes that follow the closed stream.
func (s *Service) Wait() {
	s.pending.Wait()
}

// messageFor picks the fixed user-facing sentence for a failure kind.
func (s *Service) messageFor(kind FailureKind) string {
	switch kind {
	case FailureInputRejected:
		return s.messages.InputRejected
	case FailureRetrieval, FailureGeneration:
		return s.messages.Unavailable
	default:
		return s.messages.Refusal
	}
}
