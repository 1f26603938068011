package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/groundguard/internal/compliance"
	"github.com/wolfman30/groundguard/pkg/logging"
)

const auditFailureCategory = "audit_write_failure"

// AuditAlerter emails the operator addresses when an audit record is lost.
type AuditAlerter struct {
	sender     EmailSender
	recipients []string
	logger     *logging.Logger
}

var _ compliance.Alerter = (*AuditAlerter)(nil)

// NewAuditAlerter takes a comma separated recipient list.
func NewAuditAlerter(sender EmailSender, recipients string, logger *logging.Logger) *AuditAlerter {
	if logger == nil {
		logger = logging.Default()
	}
	return &AuditAlerter{sender: sender, recipients: ParseRecipients(recipients), logger: logger}
}

func (a *AuditAlerter) AlertAuditFailure(ctx context.Context, failure compliance.AuditFailure) error {
	if a == nil || a.sender == nil {
		return errors.New("notify: audit alerter has no sender")
	}
	if len(a.recipients) == 0 {
		return errors.New("notify: audit alert recipient not configured")
	}

	alert := Alert{
		To:       a.recipients,
		Subject:  fmt.Sprintf("[groundguard] audit write failed for tenant %s", failure.TenantID),
		Body:     auditFailureBody(failure),
		Category: auditFailureCategory,
	}
	if err := a.sender.Send(ctx, alert); err != nil {
		return fmt.Errorf("notify: send audit alert: %w", err)
	}
	a.logger.Info("audit failure alert sent", "record_id", failure.RecordID, "tenant_id", failure.TenantID)
	return nil
}

// The body carries identifiers only. Request and response text never leave
// the audit path.
func auditFailureBody(f compliance.AuditFailure) string {
	occurred := f.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	var b strings.Builder
	b.WriteString("An audit record could not be written. The request completed without a durable record.\n\n")
	fmt.Fprintf(&b, "Record ID:  %s\n", f.RecordID)
	fmt.Fprintf(&b, "Tenant:     %s\n", f.TenantID)
	fmt.Fprintf(&b, "Request ID: %s\n", f.RequestID)
	fmt.Fprintf(&b, "Outcome:    %s\n", f.Outcome)
	fmt.Fprintf(&b, "Store:      %s\n", f.Store)
	fmt.Fprintf(&b, "Error:      %s\n", f.Error)
	fmt.Fprintf(&b, "Occurred:   %s\n", occurred.UTC().Format(time.RFC3339))
	return b.String()
}
