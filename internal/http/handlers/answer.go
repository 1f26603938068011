package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/groundguard/internal/guard"
	"github.com/wolfman30/groundguard/internal/llm"
	"github.com/wolfman30/groundguard/internal/tenancy"
	"github.com/wolfman30/groundguard/pkg/logging"
)

// maxAnswerBody allows a handful of inline photos per request.
const maxAnswerBody = 8 << 20

// Answerer is the guarded answer operation.
type Answerer interface {
	Answer(ctx context.Context, req guard.AnswerRequest) (<-chan guard.Fragment, error)
}

// AnswerBody is the client payload for both the SSE and websocket routes.
type AnswerBody struct {
	ConversationID string            `json:"conversation_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	Conversation   []llm.ChatMessage `json:"conversation"`
	Context        map[string]string `json:"context,omitempty"`
}

// StreamMessage is one outbound event. Type is fragment, done or error.
type StreamMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	AuditID   string `json:"audit_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AnswerHandler exposes the guard over HTTP.
type AnswerHandler struct {
	guard  Answerer
	logger *logging.Logger
}

func NewAnswerHandler(svc Answerer, logger *logging.Logger) *AnswerHandler {
	if svc == nil {
		panic("handlers: answer service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AnswerHandler{guard: svc, logger: logger}
}

// Stream answers one request as server-sent events.
// POST /v1/answer
func (h *AnswerHandler) Stream(w http.ResponseWriter, r *http.Request) {
	principal, ok := tenancy.PrincipalFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var body AnswerBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAnswerBody)).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req := body.request(principal, r.Header.Get("X-Request-ID"))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	fragments, err := h.guard.Answer(ctx, req)
	if err != nil {
		h.writeAnswerError(w, principal, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for f := range fragments {
		msg := toStreamMessage(f)
		if err := writeEvent(w, msg); err != nil {
			// keep draining; the guard finishes and audits on its own
			cancel()
			continue
		}
		flusher.Flush()
	}
}

// WebSocket answers requests over a websocket. Each inbound message is one
// AnswerBody; requests on a connection are answered in order.
// GET /v1/answer/ws
func (h *AnswerHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := tenancy.PrincipalFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r, principal)
	}).ServeHTTP(w, r)
}

func (h *AnswerHandler) serveWS(conn *websocket.Conn, r *http.Request, principal tenancy.Principal) {
	conn.MaxPayloadBytes = maxAnswerBody
	h.logger.Info("answer websocket opened", "tenant_id", principal.TenantID)

	for {
		var body AnswerBody
		if err := websocket.JSON.Receive(conn, &body); err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("answer websocket closed", "tenant_id", principal.TenantID, "error", err)
			}
			return
		}
		if !h.answerWS(conn, r.Context(), body.request(principal, "")) {
			return
		}
	}
}

// answerWS streams one answer and reports whether the connection is still
// usable.
func (h *AnswerHandler) answerWS(conn *websocket.Conn, parent context.Context, req guard.AnswerRequest) bool {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	fragments, err := h.guard.Answer(ctx, req)
	if err != nil {
		msg := StreamMessage{Type: "error", Error: "answer unavailable"}
		if errors.Is(err, guard.ErrInvalidRequest) {
			msg.Error = err.Error()
		} else {
			h.logger.Error("answer failed to start", "tenant_id", req.TenantID, "error", err)
		}
		return websocket.JSON.Send(conn, msg) == nil
	}

	alive := true
	for f := range fragments {
		if !alive {
			continue
		}
		if err := websocket.JSON.Send(conn, toStreamMessage(f)); err != nil {
			alive = false
			cancel()
		}
	}
	return alive
}

func (h *AnswerHandler) writeAnswerError(w http.ResponseWriter, principal tenancy.Principal, err error) {
	if errors.Is(err, guard.ErrInvalidRequest) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error("answer failed to start", "tenant_id", principal.TenantID, "error", err)
	jsonError(w, "answer unavailable", http.StatusInternalServerError)
}

func (b AnswerBody) request(p tenancy.Principal, requestID string) guard.AnswerRequest {
	if strings.TrimSpace(b.RequestID) != "" {
		requestID = b.RequestID
	}
	return guard.AnswerRequest{
		TenantID:       p.TenantID,
		UserID:         p.UserID,
		TenantRegion:   p.Region,
		ConversationID: strings.TrimSpace(b.ConversationID),
		RequestID:      strings.TrimSpace(requestID),
		Conversation:   b.Conversation,
		Context:        b.Context,
	}
}

func toStreamMessage(f guard.Fragment) StreamMessage {
	if f.Done {
		return StreamMessage{Type: "done", Outcome: f.Outcome, AuditID: f.AuditID}
	}
	return StreamMessage{Type: "fragment", Text: f.Text, Synthetic: f.Synthetic}
}

func writeEvent(w io.Writer, msg StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
