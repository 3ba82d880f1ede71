package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// EventType names a sequence lifecycle event
type EventType string

const (
	EventRecipientCompleted EventType = "recipient.completed"
	EventRecipientBounced   EventType = "recipient.bounced"
	EventRecipientEvicted   EventType = "recipient.evicted"
	EventBroadcastSent      EventType = "broadcast.sent"
)

// Event is published when a recipient leaves a sequence or a broadcast finishes.
type Event struct {
	Type              EventType `json:"type"`
	DomainID          string    `json:"domain_id"`
	SequenceID        string    `json:"sequence_id"`
	UserID            string    `json:"user_id,omitempty"`
	OngoingSequenceID string    `json:"ongoing_sequence_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        int64     `json:"occurred_at"`
}

// snsAPI is the slice of the SNS client the publisher uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends lifecycle events to an SNS topic
type Publisher struct {
	client   snsAPI
	topicARN string
	logger   *zap.Logger
}

// Config holds SNS configuration.
type Config struct {
	Region   string
	Endpoint string // LocalStack
	TopicARN string
}

// NewPublisher creates an SNS publisher for the configured topic
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns publisher initialized",
		zap.String("topic_arn", cfg.TopicARN),
	)

	return &Publisher{
		client:   client,
		topicARN: cfg.TopicARN,
		logger:   logger,
	}, nil
}

// Publish sends an event with its type and tenant as message attributes so
// subscribers can filter on them.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"domain_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.DomainID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("lifecycle event published",
		zap.String("type", string(event.Type)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
