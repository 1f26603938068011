package guard

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/groundguard/internal/classify"
	"github.com/wolfman30/groundguard/internal/compliance"
	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/internal/prompt"
	"github.com/wolfman30/groundguard/internal/release"
	"github.com/wolfman30/groundguard/internal/retrieval"
	"github.com/wolfman30/groundguard/internal/review"
	"github.com/wolfman30/groundguard/internal/validation"
)

const fragmentBuffer = 16

// exchange is the per-request state threaded through the pipeline.
type exchange struct {
	req       AnswerRequest
	started   time.Time
	query     string
	class     classify.Classification
	retrieved retrieval.Result
	rec       compliance.AuditRecord

	outcome release.Outcome
	label   string
	kind    FailureKind
	verdict *validation.Verdict
}

// Answer validates the request and starts the pipeline. The returned channel
// yields nothing until a verdict or failure exists, then the released or
// substituted fragments, then one Done fragment, then closes. Review and
// history writes run after the close, bounded by FollowUpTimeout.
//
// Cancelling ctx does not stop the pipeline: generation, validation and the
// audit write still complete. Only delivery to the caller is skipped.
func (s *Service) Answer(ctx context.Context, req AnswerRequest) (<-chan Fragment, error) {
	if err := checkRequest(s.requests, req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	out := make(chan Fragment, fragmentBuffer)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.run(ctx, req, out)
	}()
	return out, nil
}

func (s *Service) run(ctx context.Context, req AnswerRequest, out chan<- Fragment) {
	work, span := s.tracer.Start(context.WithoutCancel(ctx), "guard.answer")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("request.id", req.RequestID),
		attribute.Int("conversation.turns", len(req.Conversation)),
	)

	x := &exchange{
		req:     req,
		started: s.now(),
		rec: compliance.AuditRecord{
			RequestID:      req.RequestID,
			ConversationID: req.ConversationID,
			TenantID:       req.TenantID,
			UserID:         req.UserID,
			InputDigest:    conversationDigest(req.Conversation),
			TimingMs:       map[string]int64{},
		},
	}

	s.process(work, x)

	x.rec.Outcome = x.label
	x.rec.FailureKind = string(x.kind)
	x.rec.Verdict = x.verdict
	x.rec.OutputDigest = compliance.Digest(x.outcome.DeliveredText)
	x.rec.Delivered = ctx.Err() == nil
	x.rec.TimingMs["total"] = s.now().Sub(x.started).Milliseconds()
	span.SetAttributes(attribute.String("guard.outcome", x.label))

	auditID := ""
	stored, err := s.recorder.Record(work, x.rec)
	if err != nil {
		s.logger.Error("answer completed without audit record",
			"request_id", req.RequestID,
			"tenant_id", req.TenantID,
			"outcome", x.label,
			"failure_kind", FailureAuditWrite,
			"error", err,
		)
	} else {
		auditID = stored.ID
	}
	s.metrics.ObserveRequest(x.label)

	delivered := s.deliver(ctx, out, x.outcome.Fragments, Fragment{Done: true, Outcome: x.label, AuditID: auditID})
	close(out)

	follow, cancel := context.WithTimeout(work, s.opts.FollowUpTimeout)
	defer cancel()
	s.submitReview(follow, x, stored.ID, delivered)
	s.appendHistory(follow, x, auditID, delivered)
}

// process runs every stage up to the resolved outcome. It always leaves
// x.outcome, x.label and x.kind set.
func (s *Service) process(ctx context.Context, x *exchange) {
	req := x.req

	stage := s.now()
	if hit := s.detector.ScanTurns(req.Conversation); hit.IsInjection {
		s.metrics.ObserveInjection("user_turn")
		x.rec.InjectionFlags = append(x.rec.InjectionFlags, compliance.InjectionFlag{
			Source:    "user_turn",
			TurnIndex: hit.TurnIndex,
			Pattern:   hit.MatchedPattern,
		})
		s.logger.Warn("user turn rejected", "request_id", req.RequestID, "tenant_id", req.TenantID, "pattern", hit.MatchedPattern, "turn_index", hit.TurnIndex)
		s.fail(x, FailureInputRejected, OutcomeInputRejected)
		return
	}
	x.query = retrieval.QueryFromConversation(req.Conversation)
	x.class = s.classifier.Classify(x.query, req.TenantRegion)
	x.rec.Classification = x.class
	s.mark(x, "screen", stage)

	stage = s.now()
	rctx, cancel := context.WithTimeout(ctx, s.opts.RetrievalTimeout)
	names, err := s.sources.ListSourceNames(rctx, req.TenantID)
	if err == nil {
		x.retrieved, err = s.retriever.Retrieve(rctx, retrieval.Query{
			Text:      x.query,
			TenantID:  req.TenantID,
			Sensitive: x.class.Sensitive,
		})
	}
	cancel()
	s.mark(x, "retrieval", stage)
	if err != nil {
		s.logger.Error("retrieval failed", "request_id", req.RequestID, "tenant_id", req.TenantID, "error", err)
		s.fail(x, FailureRetrieval, OutcomeRetrievalFailure)
		return
	}
	s.recordRetrieval(x)

	if x.retrieved.Evidence.Escalate {
		v := validation.Verdict{
			FailureReason:  "sensitive topic without corroborating reference material",
			MatchedRuleIDs: []string{},
		}
		mergeReviewReasons(&v, x.retrieved.Evidence.ReviewReasons)
		x.verdict = &v
		s.substitute(x, s.messages.Escalation, failureNone, OutcomeEscalated)
		return
	}
	if len(x.retrieved.Passages) == 0 && !x.class.IsRegulatedQuery && s.validator.RequiresEvidence(x.query) {
		v := validation.Verdict{
			FailureReason:  "technical question with no reference material",
			MatchedRuleIDs: []string{validation.RuleNoReferenceMaterial},
		}
		mergeReviewReasons(&v, x.retrieved.Evidence.ReviewReasons)
		x.verdict = &v
		s.substitute(x, s.messages.Refusal, FailureValidation, OutcomeNoEvidence)
		return
	}

	var bodies []string
	if x.class.IsRegulatedQuery {
		bodies = s.classifier.RegulationBodies(x.class.Jurisdiction)
	}
	p := s.assembler.Assemble(prompt.Input{
		PolicyRules:      s.lib.PolicyRules(),
		Passages:         x.retrieved.Passages,
		Classification:   x.class,
		RegulationBodies: bodies,
		Conversation:     req.Conversation,
		Background:       req.Context,
	})
	x.rec.PromptDigest = p.Digest()
	x.rec.TokenEstimates.Prompt = compliance.EstimateTokens(p.Text())

	stage = s.now()
	buf := release.NewBuffer()
	text, err := s.generate(ctx, p, buf)
	s.mark(x, "generation", stage)
	if partial := buf.Text(); partial != "" {
		x.rec.GeneratedDigest = compliance.Digest(partial)
	}
	usage := buf.Usage()
	x.rec.TokenEstimates.Input = int(usage.InputTokens)
	if x.rec.TokenEstimates.Input == 0 {
		x.rec.TokenEstimates.Input = x.rec.TokenEstimates.Prompt
	}
	x.rec.TokenEstimates.Output = int(usage.OutputTokens)
	if x.rec.TokenEstimates.Output == 0 {
		x.rec.TokenEstimates.Output = compliance.EstimateTokens(buf.Text())
	}
	if err != nil {
		s.logger.Error("generation failed", "request_id", req.RequestID, "tenant_id", req.TenantID, "error", err)
		x.kind, x.label = KindOf(err), OutcomeGenerationFailure
		x.outcome, _ = s.controller.Refuse(buf, s.messageFor(x.kind))
		return
	}

	stage = s.now()
	v := s.validator.Validate(validation.Input{
		Text:                 text,
		HasReferenceMaterial: len(x.retrieved.Passages) > 0,
		ReferenceTexts:       x.retrieved.Texts(),
		Classification:       x.class,
		KnownSourceNames:     names,
	})
	mergeReviewReasons(&v, x.retrieved.Evidence.ReviewReasons)
	if v.AppendDisclaimer && !s.controller.HasDisclaimer() {
		v.AppendDisclaimer = false
		v.ResponseWasModified = v.TruncateAt > 0
	}
	x.verdict = &v
	s.metrics.ObserveRules(v.MatchedRuleIDs)
	s.metrics.ObserveHumanReview(v.HumanReviewReasons)

	outcome, err := s.controller.Resolve(buf, v)
	if err != nil {
		// Resolve only fails on a buffer that is not accumulated.
		s.logger.Error("release failed", "request_id", req.RequestID, "error", err)
		outcome = release.Outcome{
			State:         release.StateRefused,
			Fragments:     []release.Fragment{{Text: s.messages.Refusal, Synthetic: true}},
			DeliveredText: s.messages.Refusal,
		}
	}
	s.mark(x, "validation", stage)

	x.outcome = outcome
	if outcome.State == release.StateReleased {
		x.label = OutcomeReleased
		return
	}
	x.kind, x.label = FailureValidation, OutcomeRefused
	s.logger.Info("response refused",
		"request_id", req.RequestID,
		"tenant_id", req.TenantID,
		"failure_reason", v.FailureReason,
		"rules", v.MatchedRuleIDs,
	)
}

// generate streams the backend into buf under the generation timeout. The
// stream runs detached from the caller so a disconnect cannot cut it short.
func (s *Service) generate(ctx context.Context, p prompt.Prompt, buf *release.Buffer) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	chunks, err := s.generator.CompleteStream(gctx, llm.Request{
		Model:       s.opts.Model,
		System:      p.System,
		Messages:    p.Messages,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		return "", &Failure{Kind: FailureGeneration, Err: err}
	}
	text, err := buf.Consume(gctx, chunks)
	if err != nil {
		return "", &Failure{Kind: FailureGeneration, Err: err}
	}
	return text, nil
}

func (s *Service) recordRetrieval(x *exchange) {
	res := x.retrieved
	x.rec.DocumentsAvailable = len(res.Passages)
	x.rec.PassageIDs = res.PassageIDs()
	x.rec.PassageScores = res.PassageScores()
	x.rec.DroppedPassages = res.Dropped
	for _, d := range res.Dropped {
		s.metrics.ObserveDropped(d.Reason)
		if pattern, ok := strings.CutPrefix(d.Reason, "injection:"); ok {
			s.metrics.ObserveInjection("passage")
			x.rec.InjectionFlags = append(x.rec.InjectionFlags, compliance.InjectionFlag{
				Source:    "passage",
				PassageID: d.PassageID,
				Pattern:   pattern,
			})
		}
	}
}

// fail ends the request before generation with the kind's fixed message.
func (s *Service) fail(x *exchange, kind FailureKind, label string) {
	s.substitute(x, s.messageFor(kind), kind, label)
}

func (s *Service) substitute(x *exchange, message string, kind FailureKind, label string) {
	x.outcome, _ = s.controller.Refuse(release.NewBuffer(), message)
	x.kind, x.label = kind, label
}

func (s *Service) mark(x *exchange, stage string, started time.Time) {
	elapsed := s.now().Sub(started)
	x.rec.TimingMs[stage] = elapsed.Milliseconds()
	s.metrics.ObserveStage(stage, elapsed.Seconds())
}

// deliver replays fragments, then the Done marker, while the caller is
// still listening. It reports whether the Done marker was handed over.
func (s *Service) deliver(ctx context.Context, out chan<- Fragment, fragments []release.Fragment, done Fragment) bool {
	if ctx.Err() != nil {
		s.logger.Info("caller gone before release, skipping replay", "outcome", done.Outcome, "audit_id", done.AuditID)
		return false
	}
	for _, f := range fragments {
		select {
		case out <- Fragment{Text: f.Text, Synthetic: f.Synthetic}:
		case <-ctx.Done():
			return false
		}
	}
	select {
	case out <- done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) submitReview(ctx context.Context, x *exchange, auditID string, delivered bool) {
	if s.review == nil || x.verdict == nil || !x.verdict.RequiresHumanReview {
		return
	}
	err := s.review.Submit(ctx, review.Ticket{
		AuditID:   auditID,
		RequestID: x.req.RequestID,
		TenantID:  x.req.TenantID,
		UserID:    x.req.UserID,
		Reasons:   x.verdict.HumanReviewReasons,
		Outcome:   x.label,
		Delivered: delivered,
	})
	if err != nil {
		s.metrics.ObserveReviewFailure()
		s.logger.Error("review ticket submission failed", "request_id", x.req.RequestID, "audit_id", auditID, "error", err)
	}
}

func (s *Service) appendHistory(ctx context.Context, x *exchange, auditID string, delivered bool) {
	if s.history == nil || x.req.ConversationID == "" {
		return
	}
	last := x.req.Conversation[len(x.req.Conversation)-1]
	meta := map[string]string{"request_id": x.req.RequestID, "outcome": x.label}
	if auditID != "" {
		meta["audit_id"] = auditID
	}
	if err := s.history.AppendTurn(ctx, x.req.ConversationID, llm.RoleUser, last.Content, meta); err != nil {
		s.logger.Warn("history append failed", "conversation_id", x.req.ConversationID, "error", err)
		return
	}
	if !delivered {
		return
	}
	if err := s.history.AppendTurn(ctx, x.req.ConversationID, llm.RoleAssistant, x.outcome.DeliveredText, meta); err != nil {
		s.logger.Warn("history append failed", "conversation_id", x.req.ConversationID, "error", err)
	}
}

func mergeReviewReasons(v *validation.Verdict, reasons []string) {
	for _, r := range reasons {
		v.AddReviewReason(r)
	}
}

// conversationDigest hashes the turns as sent, images included.
func conversationDigest(turns []llm.ChatMessage) string {
	data, err := json.Marshal(turns)
	if err != nil {
		return ""
	}
	return compliance.Digest(string(data))
}
