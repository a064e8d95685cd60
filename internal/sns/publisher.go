// Package sns publishes persisted notifications to an audit topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends an audit record for every persisted notification.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Record is the audit message body
type Record struct {
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	IssueID        string    `json:"issue_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	SprintID       string    `json:"sprint_id,omitempty"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRecord flattens a notification into its audit form
func NewRecord(n *db.Notification) Record {
	return Record{
		NotificationID: n.ID.String(),
		Type:           n.Type.String(),
		UserID:         n.UserID,
		ActorID:        aws.ToString(n.ActorID),
		IssueID:        aws.ToString(n.IssueID),
		ProjectID:      aws.ToString(n.ProjectID),
		SprintID:       aws.ToString(n.SprintID),
		Title:          n.Title,
		CreatedAt:      n.CreatedAt,
	}
}

// NewClient creates an SNS client. A non-empty endpoint targets LocalStack.
func NewClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewPublisher creates a publisher for the given topic
func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		logger:   logger,
	}
}

// Publish sends the audit record with type and user attributes for subscription filtering
func (p *Publisher) Publish(ctx context.Context, n *db.Notification) error {
	payload, err := json.Marshal(NewRecord(n))
	if err != nil {
		metrics.RecordAuditPublish("error")
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.Type.String()),
			},
			"user_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(n.UserID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		metrics.RecordAuditPublish("error")
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	metrics.RecordAuditPublish("ok")
	p.logger.Debug("audit record published",
		zap.String("notification_id", n.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
