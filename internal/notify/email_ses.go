package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/wolfman30/groundguard/pkg/logging"
)

type sesAPI interface {
	SendEmail(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through SES v2. When ConfigurationSet is set, bounces and
// complaints for alert mail are routed by that set.
type SESSender struct {
	client           sesAPI
	from             Sender
	configurationSet string
	logger           *logging.Logger
}

// NewSESSender returns nil without a client.
func NewSESSender(client sesAPI, from Sender, configurationSet string, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESSender{client: client, from: from.withDefaults(), configurationSet: configurationSet, logger: logger}
}

func buildSESInput(from Sender, configurationSet string, alert Alert) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String((&mail.Address{Name: from.Name, Address: from.Email}).String()),
		Destination:      &types.Destination{ToAddresses: append([]string(nil), alert.To...)},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(alert.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(alert.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if configurationSet != "" {
		input.ConfigurationSetName = aws.String(configurationSet)
	}
	if alert.Category != "" {
		input.EmailTags = []types.MessageTag{{Name: aws.String("category"), Value: aws.String(alert.Category)}}
	}
	return input
}

func (s *SESSender) Send(ctx context.Context, alert Alert) error {
	if s == nil || s.client == nil {
		return errors.New("notify: SES client not configured")
	}
	if err := alert.validate(); err != nil {
		return err
	}

	out, err := s.client.SendEmail(ctx, buildSESInput(s.from, s.configurationSet, alert))
	if err != nil {
		s.logger.Error("SES send failed", "error", err, "recipients", len(alert.To))
		return fmt.Errorf("notify: SES send: %w", err)
	}

	s.logger.Info("alert sent via SES", "category", alert.Category, "recipients", len(alert.To), "message_id", aws.ToString(out.MessageId))
	return nil
}

var _ EmailSender = (*SESSender)(nil)
