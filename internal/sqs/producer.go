package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobAdvanceSequence is the job name carried in the "job" message attribute.
const JobAdvanceSequence = "sequence.advance"

// ErrMalformedJob is returned for a message whose body cannot be decoded.
// The receipt handle is still returned so the caller can drop it.
var ErrMalformedJob = errors.New("malformed job")

// Config holds SQS configuration.
type Config struct {
	Region            string
	Endpoint          string // LocalStack
	QueueURL          string
	WaitSeconds       int32
	VisibilityTimeout int32
}

// Job asks a worker to advance one recipient-state record.
type Job struct {
	OngoingSequenceID uuid.UUID `json:"ongoing_sequence_id"`
	EnqueuedAt        int64     `json:"enqueued_at"`
}

// sqsAPI is the slice of the SQS client used by the producer and consumer.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

func newClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer enqueues sequence jobs.
type Producer struct {
	client   sqsAPI
	queueURL string
	now      func() time.Time
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Enqueue sends one advance job for the recipient-state record id.
func (p *Producer) Enqueue(ctx context.Context, id uuid.UUID) error {
	job := Job{
		OngoingSequenceID: id,
		EnqueuedAt:        p.now().UnixMilli(),
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"job": {
				DataType:    aws.String("String"),
				StringValue: aws.String(JobAdvanceSequence),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("ongoing_id", id.String()),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Consumer reads sequence jobs.
type Consumer struct {
	client            sqsAPI
	queueURL          string
	waitSeconds       int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int32("wait_seconds", cfg.WaitSeconds),
		zap.Int32("visibility_timeout", cfg.VisibilityTimeout),
	)

	return &Consumer{
		client:            client,
		queueURL:          cfg.QueueURL,
		waitSeconds:       cfg.WaitSeconds,
		visibilityTimeout: cfg.VisibilityTimeout,
		logger:            logger,
	}, nil
}

// Receive long-polls for one job. It returns a nil job and empty receipt when
// the wait elapses with nothing queued.
func (c *Consumer) Receive(ctx context.Context) (*Job, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msg := result.Messages[0]
	receipt := aws.ToString(msg.ReceiptHandle)

	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
		return nil, receipt, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.OngoingSequenceID == uuid.Nil {
		return nil, receipt, fmt.Errorf("%w: missing ongoing_sequence_id", ErrMalformedJob)
	}

	return &job, receipt, nil
}

// Delete acknowledges a job so it is not redelivered.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}
