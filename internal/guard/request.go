package guard

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/wolfman30/groundguard/internal/llm"
)

// AnswerRequest is one call to Answer. Tenant, user and region are set by
// the caller after authentication; the guard does not authorise.
type AnswerRequest struct {
	TenantID       string            `json:"tenant_id" validate:"required,max=128"`
	UserID         string            `json:"user_id" validate:"required,max=128"`
	TenantRegion   string            `json:"tenant_region,omitempty" validate:"omitempty,max=16"`
	ConversationID string            `json:"conversation_id,omitempty" validate:"omitempty,max=128"`
	RequestID      string            `json:"request_id,omitempty" validate:"omitempty,max=128"`
	Conversation   []llm.ChatMessage `json:"conversation" validate:"required,min=1,max=100,dive"`
	// Context holds job, equipment or client facts. They reach the prompt
	// as background and are never accepted as citation sources.
	Context map[string]string `json:"context,omitempty" validate:"omitempty,max=50,dive,keys,required,max=64,endkeys,max=2000"`
}

// Fragment is one piece of the answer stream. Exactly one fragment has Done
// set and it is always last; it carries the outcome and audit id.
type Fragment struct {
	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	AuditID   string `json:"audit_id,omitempty"`
}

func newRequestValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func checkRequest(v *validator.Validate, req AnswerRequest) error {
	if err := v.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	last := req.Conversation[len(req.Conversation)-1]
	if last.Role != llm.RoleUser {
		return fmt.Errorf("%w: last turn must come from the user", ErrInvalidRequest)
	}
	if strings.TrimSpace(last.Content) == "" && len(last.Images) == 0 {
		return fmt.Errorf("%w: last user turn is empty", ErrInvalidRequest)
	}
	return nil
}

// Collect drains an answer stream into the delivered text and the final
// fragment, for callers that cannot stream.
func Collect(fragments <-chan Fragment) (string, Fragment) {
	var b strings.Builder
	var done Fragment
	for f := range fragments {
		if f.Done {
			done = f
			continue
		}
		b.WriteString(f.Text)
	}
	return b.String(), done
}
