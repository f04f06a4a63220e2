package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/ruteri/module-identity-provisioning/api"
)

// EventPublisher accepts events for dispatch to handlers.
type EventPublisher interface {
	PublishEvent(event api.Event) error
}

// SQSConfig locates the queue an external trigger delivers events to.
type SQSConfig struct {
	QueueURL string
	Region   string

	// Endpoint overrides the service endpoint, e.g. for a local emulator.
	Endpoint string

	WaitTime    time.Duration
	MaxMessages int64
}

// SQSSource long-polls an SQS queue and republishes the events it carries.
// A queue message is deleted once all its events were published; messages
// that cannot be decoded are deleted and logged.
type SQSSource struct {
	client      sqsiface.SQSAPI
	queueURL    string
	waitSeconds int64
	maxMessages int64
	publisher   EventPublisher
	log         *slog.Logger
}

func NewSQSSource(cfg SQSConfig, publisher EventPublisher, log *slog.Logger) (*SQSSource, error) {
	awsConfig := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return NewSQSSourceWithClient(sqs.New(sess), cfg, publisher, log), nil
}

func NewSQSSourceWithClient(client sqsiface.SQSAPI, cfg SQSConfig, publisher EventPublisher, log *slog.Logger) *SQSSource {
	waitSeconds := int64(cfg.WaitTime / time.Second)
	if waitSeconds <= 0 || waitSeconds > 20 {
		waitSeconds = 20
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}
	return &SQSSource{
		client:      client,
		queueURL:    cfg.QueueURL,
		waitSeconds: waitSeconds,
		maxMessages: maxMessages,
		publisher:   publisher,
		log:         log.With("queue", cfg.QueueURL),
	}
}

// Run polls until ctx is done.
func (s *SQSSource) Run(ctx context.Context) error {
	s.log.Info("Starting SQS event source")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("Failed to receive from SQS", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *SQSSource) poll(ctx context.Context) error {
	out, err := s.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: aws.Int64(s.maxMessages),
		WaitTimeSeconds:     aws.Int64(s.waitSeconds),
	})
	if err != nil {
		return err
	}

	for _, m := range out.Messages {
		if s.dispatch(m) {
			_, err := s.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(s.queueURL),
				ReceiptHandle: m.ReceiptHandle,
			})
			if err != nil {
				s.log.Warn("Failed to delete SQS message", "err", err, slog.String("messageID", aws.StringValue(m.MessageId)))
			}
		}
	}
	return nil
}

// dispatch reports whether the message is done with and can be deleted.
func (s *SQSSource) dispatch(m *sqs.Message) bool {
	events, invalid, err := api.ParseEvents([]byte(aws.StringValue(m.Body)))
	if err != nil {
		s.log.Warn("Discarding undecodable SQS message", "err", err, slog.String("messageID", aws.StringValue(m.MessageId)))
		return true
	}
	for _, err := range invalid {
		s.log.Warn("Discarding undecodable event from SQS message", "err", err, slog.String("messageID", aws.StringValue(m.MessageId)))
	}
	for _, event := range events {
		if err := s.publisher.PublishEvent(event); err != nil {
			s.log.Error("Failed to publish event from SQS", "err", err, slog.String("eventID", event.ID))
			return false
		}
	}
	return true
}
