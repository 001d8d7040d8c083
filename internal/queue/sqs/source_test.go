package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123/ad-events"

// MockQueueConsumer is a mock implementation of queue.QueueConsumer
type MockQueueConsumer struct {
	mock.Mock
}

func (m *MockQueueConsumer) ReceiveMessages(ctx context.Context, input *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockQueueConsumer) DeleteMessage(ctx context.Context, input *sqs.DeleteMessageInput) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockQueueConsumer) ChangeMessageVisibility(ctx context.Context, input *sqs.ChangeMessageVisibilityInput) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *MockQueueConsumer) QueueURL() string {
	args := m.Called()
	return args.String(0)
}

func testSourceConfig() SourceConfig {
	return SourceConfig{MaxMessages: 10, WaitTimeSeconds: 20, ErrorBackoff: 5 * time.Millisecond}
}

func TestSource_Start_Success(t *testing.T) {
	mockConsumer := new(MockQueueConsumer)
	source := NewSource(mockConsumer, testSourceConfig(), zap.NewNop())

	mockConsumer.On("QueueURL").Return(testQueueURL)

	messages := []types.Message{
		{MessageId: aws.String("msg-1"), Body: aws.String(`{"event_id":"e1"}`), ReceiptHandle: aws.String("rh-1")},
		{MessageId: aws.String("msg-2"), Body: aws.String(`{"event_id":"e2"}`), ReceiptHandle: aws.String("rh-2")},
	}

	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(&sqs.ReceiveMessageOutput{Messages: messages}, nil).Once()
	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{}}, nil).Maybe()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out := make(chan *queue.Message, 10)
	done := make(chan error, 1)
	go func() { done <- source.Start(ctx, out) }()

	first := <-out
	second := <-out
	assert.Equal(t, "msg-1", first.ID)
	assert.Equal(t, testQueueURL, first.Partition)
	assert.JSONEq(t, `{"event_id":"e1"}`, string(first.Body))
	assert.False(t, first.ReceivedAt.IsZero())
	assert.Equal(t, "msg-2", second.ID)

	require.NoError(t, <-done)
}

func TestSource_AckDeletesAndNackReleases(t *testing.T) {
	mockConsumer := new(MockQueueConsumer)
	source := NewSource(mockConsumer, testSourceConfig(), zap.NewNop())

	mockConsumer.On("QueueURL").Return(testQueueURL)
	mockConsumer.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-1"
	})).Return(&sqs.DeleteMessageOutput{}, nil).Once()
	mockConsumer.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
		return aws.ToString(in.ReceiptHandle) == "rh-2" && in.VisibilityTimeout == 0
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

	acked := source.wrap(types.Message{MessageId: aws.String("msg-1"), ReceiptHandle: aws.String("rh-1")}, time.Now())
	nacked := source.wrap(types.Message{MessageId: aws.String("msg-2"), ReceiptHandle: aws.String("rh-2")}, time.Now())

	require.NoError(t, acked.Ack(context.Background()))
	require.NoError(t, nacked.Nack(context.Background()))
	mockConsumer.AssertExpectations(t)
}

func TestSource_Start_ReceiveError(t *testing.T) {
	mockConsumer := new(MockQueueConsumer)
	source := NewSource(mockConsumer, testSourceConfig(), zap.NewNop())

	mockConsumer.On("QueueURL").Return(testQueueURL)
	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(nil, errors.New("SQS connection error")).Once()
	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{}}, nil).Maybe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := make(chan *queue.Message, 10)
	require.NoError(t, source.Start(ctx, out))

	assert.Empty(t, out)
	mockConsumer.AssertCalled(t, "ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput"))
}

func TestSource_Start_ContextCancellation(t *testing.T) {
	mockConsumer := new(MockQueueConsumer)
	source := NewSource(mockConsumer, testSourceConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan *queue.Message, 1)
	require.NoError(t, source.Start(ctx, out))
	mockConsumer.AssertNotCalled(t, "ReceiveMessages", mock.Anything, mock.Anything)
}

func TestSource_Start_BufferBackpressure(t *testing.T) {
	mockConsumer := new(MockQueueConsumer)
	source := NewSource(mockConsumer, testSourceConfig(), zap.NewNop())

	mockConsumer.On("QueueURL").Return(testQueueURL)

	messages := make([]types.Message, 5)
	for i := range messages {
		messages[i] = types.Message{
			MessageId: aws.String("msg-" + string(rune(i+'0'))),
			Body:      aws.String(`{"event_id": "` + string(rune(i+'0')) + `"}`),
		}
	}

	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(&sqs.ReceiveMessageOutput{Messages: messages}, nil).Once()
	mockConsumer.On("ReceiveMessages", mock.Anything, mock.AnythingOfType("*sqs.ReceiveMessageInput")).
		Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{}}, nil).Maybe()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := make(chan *queue.Message, 2)
	go func() { _ = source.Start(ctx, out) }()

	var received []*queue.Message
	for i := 0; i < 5; i++ {
		select {
		case msg := <-out:
			received = append(received, msg)
			time.Sleep(10 * time.Millisecond)
		case <-ctx.Done():
		}
	}

	assert.Len(t, received, 5)
	assert.Equal(t, "msg-4", received[4].ID)
}
