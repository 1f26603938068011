// Package review hands responses that need a human look to the review
// service. What happens after a reviewer picks a ticket up is owned there.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/wolfman30/groundguard/pkg/logging"
)

const ticketTTL = 30 * 24 * time.Hour

// Status of a ticket as written by the guard. Reviewers move it on.
const StatusOpen = "open"

// Ticket is one human review request.
type Ticket struct {
	TicketID  string   `dynamodbav:"ticketId" json:"ticketId"`
	AuditID   string   `dynamodbav:"auditId" json:"auditId"`
	RequestID string   `dynamodbav:"requestId,omitempty" json:"requestId,omitempty"`
	TenantID  string   `dynamodbav:"tenantId" json:"tenantId"`
	UserID    string   `dynamodbav:"userId,omitempty" json:"userId,omitempty"`
	Reasons   []string `dynamodbav:"reasons" json:"reasons"`
	Outcome   string   `dynamodbav:"outcome" json:"outcome"`
	Delivered bool     `dynamodbav:"delivered" json:"delivered"`
	Status    string   `dynamodbav:"status" json:"status"`
	CreatedAt string   `dynamodbav:"createdAt" json:"createdAt"`
	ExpiresAt int64    `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// Queue accepts review tickets.
type Queue interface {
	Submit(ctx context.Context, ticket Ticket) error
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type sqsAPI interface {
	SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ErrTicketNotFound is returned by Get for unknown ids.
var ErrTicketNotFound = errors.New("review: ticket not found")

// DynamoTicketStore persists tickets.
type DynamoTicketStore struct {
	client    dynamoAPI
	tableName string
}

func NewDynamoTicketStore(client dynamoAPI, tableName string) *DynamoTicketStore {
	if client == nil {
		panic("review: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("review: table name cannot be empty")
	}
	return &DynamoTicketStore{client: client, tableName: tableName}
}

// Put inserts a ticket. Ticket ids are never overwritten.
func (s *DynamoTicketStore) Put(ctx context.Context, ticket Ticket) error {
	item, err := attributevalue.MarshalMap(ticket)
	if err != nil {
		return fmt.Errorf("review: marshal ticket: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(ticketId)"),
	})
	if err != nil {
		return fmt.Errorf("review: persist ticket: %w", err)
	}
	return nil
}

func (s *DynamoTicketStore) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"ticketId": ticketID})
	if err != nil {
		return nil, fmt.Errorf("review: marshal key: %w", err)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("review: get ticket: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrTicketNotFound
	}
	var ticket Ticket
	if err := attributevalue.UnmarshalMap(out.Item, &ticket); err != nil {
		return nil, fmt.Errorf("review: unmarshal ticket: %w", err)
	}
	return &ticket, nil
}

// SQSPublisher notifies the review service that a ticket exists.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

func NewSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if client == nil {
		panic("review: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("review: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, ticket Ticket) error {
	body, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("review: marshal message: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant_id": {DataType: aws.String("String"), StringValue: aws.String(ticket.TenantID)},
			"outcome":   {DataType: aws.String("String"), StringValue: aws.String(ticket.Outcome)},
		},
	})
	if err != nil {
		return fmt.Errorf("review: send SQS message: %w", err)
	}
	return nil
}

// Dispatcher stores the ticket first and then notifies, so a notification
// always points at a readable ticket.
type Dispatcher struct {
	store     *DynamoTicketStore
	publisher *SQSPublisher
	logger    *logging.Logger
	now       func() time.Time
}

var _ Queue = (*Dispatcher)(nil)

func NewDispatcher(store *DynamoTicketStore, publisher *SQSPublisher, logger *logging.Logger) *Dispatcher {
	if store == nil {
		panic("review: ticket store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{store: store, publisher: publisher, logger: logger, now: time.Now}
}

func (d *Dispatcher) Submit(ctx context.Context, ticket Ticket) error {
	if ticket.AuditID == "" || ticket.TenantID == "" {
		return errors.New("review: audit id and tenant are required")
	}
	if len(ticket.Reasons) == 0 {
		return errors.New("review: at least one reason is required")
	}
	now := d.now().UTC()
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	ticket.Status = StatusOpen
	ticket.CreatedAt = now.Format(time.RFC3339Nano)
	if ticket.ExpiresAt == 0 {
		ticket.ExpiresAt = now.Add(ticketTTL).Unix()
	}

	if err := d.store.Put(ctx, ticket); err != nil {
		return err
	}
	if d.publisher == nil {
		return nil
	}
	if err := d.publisher.Publish(ctx, ticket); err != nil {
		d.logger.Warn("review: ticket stored but notification failed",
			"ticket_id", ticket.TicketID, "audit_id", ticket.AuditID, "error", err)
		return err
	}
	d.logger.Info("review ticket submitted",
		"ticket_id", ticket.TicketID, "audit_id", ticket.AuditID, "tenant_id", ticket.TenantID, "reasons", ticket.Reasons)
	return nil
}
