package sqs

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

// SourceConfig configures the long poll
type SourceConfig struct {
	MaxMessages     int32
	WaitTimeSeconds int32
	ErrorBackoff    time.Duration
}

// Source long-polls an SQS queue. Ack deletes the message; Nack makes it
// visible again immediately.
type Source struct {
	consumer queue.QueueConsumer
	config   SourceConfig
	log      *zap.Logger
}

// NewSource creates a new SQS source
func NewSource(consumer queue.QueueConsumer, config SourceConfig, log *zap.Logger) *Source {
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = time.Second
	}
	return &Source{
		consumer: consumer,
		config:   config,
		log:      log,
	}
}

// Start receives messages and sends them to out until ctx is cancelled
func (s *Source) Start(ctx context.Context, out chan<- *queue.Message) error {
	for {
		if ctx.Err() != nil {
			s.log.Info("SQS source shutting down")
			return nil
		}

		result, err := s.consumer.ReceiveMessages(ctx, &awssqs.ReceiveMessageInput{
			QueueUrl:              aws.String(s.consumer.QueueURL()),
			MaxNumberOfMessages:   s.config.MaxMessages,
			WaitTimeSeconds:       s.config.WaitTimeSeconds,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.log.Error("Error receiving messages from SQS", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(s.config.ErrorBackoff):
			}
			continue
		}

		if len(result.Messages) == 0 {
			continue
		}

		s.log.Debug("Received messages from SQS", zap.Int("message_count", len(result.Messages)))

		receivedAt := time.Now().UTC()
		for _, msg := range result.Messages {
			select {
			case <-ctx.Done():
				s.log.Info("SQS source shutting down while sending messages")
				return nil
			case out <- s.wrap(msg, receivedAt):
			}
		}
	}
}

func (s *Source) wrap(msg types.Message, receivedAt time.Time) *queue.Message {
	ack := func(ctx context.Context) error {
		_, err := s.consumer.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.consumer.QueueURL()),
			ReceiptHandle: msg.ReceiptHandle,
		})
		return err
	}

	nack := func(ctx context.Context) error {
		_, err := s.consumer.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(s.consumer.QueueURL()),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		})
		return err
	}

	return queue.NewMessage(
		s.consumer.QueueURL(),
		aws.ToString(msg.MessageId),
		[]byte(aws.ToString(msg.Body)),
		receivedAt,
		ack,
		nack,
	)
}
