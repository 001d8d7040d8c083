package kinesis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue"
)

type MockStreamAPI struct {
	mock.Mock
}

func (m *MockStreamAPI) ListShards(ctx context.Context, params *kinesis.ListShardsInput, _ ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.ListShardsOutput), args.Error(1)
}

func (m *MockStreamAPI) GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput, _ ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.GetShardIteratorOutput), args.Error(1)
}

func (m *MockStreamAPI) GetRecords(ctx context.Context, params *kinesis.GetRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*kinesis.GetRecordsOutput), args.Error(1)
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func record(seq, body string) types.Record {
	return types.Record{SequenceNumber: aws.String(seq), Data: []byte(body), PartitionKey: aws.String("C1")}
}

func TestCompareSequence(t *testing.T) {
	assert.Equal(t, -1, compareSequence("9", "10"))
	assert.Equal(t, 1, compareSequence("49590338271490256608559692538361571095921575989136588898", "49590338271490256608559692538361571095921575989136588897"))
	assert.Equal(t, 0, compareSequence("0042", "42"))
}

func TestCheckpointer_OnlyAdvances(t *testing.T) {
	cp := NewCheckpointer(openTestDB(t), "ad-events")

	seq, err := cp.Get("shard-0")
	require.NoError(t, err)
	assert.Empty(t, seq)

	moved, err := cp.Advance("shard-0", "200")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = cp.Advance("shard-0", "150")
	require.NoError(t, err)
	assert.False(t, moved)

	seq, err = cp.Get("shard-0")
	require.NoError(t, err)
	assert.Equal(t, "200", seq)

	other, err := cp.Get("shard-1")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestShardTracker_CommitsContiguousPrefix(t *testing.T) {
	cp := NewCheckpointer(openTestDB(t), "ad-events")
	tracker := newShardTracker("shard-0", cp)

	for _, seq := range []string{"1", "2", "3", "4"} {
		tracker.deliver(seq)
	}

	require.NoError(t, tracker.ack("3"))
	seq, _ := cp.Get("shard-0")
	assert.Empty(t, seq, "record 1 and 2 still in flight")

	require.NoError(t, tracker.ack("1"))
	seq, _ = cp.Get("shard-0")
	assert.Equal(t, "1", seq)

	require.NoError(t, tracker.ack("2"))
	seq, _ = cp.Get("shard-0")
	assert.Equal(t, "3", seq)
	assert.Equal(t, 1, tracker.inFlight())
}

func TestShardTracker_NackHoldsCheckpointUntilRedeliveredAck(t *testing.T) {
	cp := NewCheckpointer(openTestDB(t), "ad-events")
	tracker := newShardTracker("shard-0", cp)
	ctx := context.Background()

	tracker.deliver("1")
	var first *queue.Message
	first = queue.NewMessage("shard-0", "1", nil, time.Now(),
		func(context.Context) error { return tracker.ack("1") },
		func(context.Context) error {
			tracker.nack(first)
			return nil
		})
	require.NoError(t, first.Nack(ctx))

	for i := 2; i <= 1000; i++ {
		seq := strconv.Itoa(i)
		tracker.deliver(seq)
		require.NoError(t, tracker.ack(seq))
	}

	seq, _ := cp.Get("shard-0")
	assert.Empty(t, seq, "nacked record 1 holds the checkpoint")
	assert.Equal(t, 1000, tracker.inFlight())

	retries := tracker.takeRetries()
	require.Len(t, retries, 1)
	assert.Same(t, first, retries[0])
	assert.Empty(t, tracker.takeRetries())

	require.NoError(t, retries[0].Ack(ctx))
	seq, _ = cp.Get("shard-0")
	assert.Equal(t, "1000", seq)
	assert.Zero(t, tracker.inFlight())
}

func startSource(t *testing.T, source *Source, out chan *queue.Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Start(ctx, out) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("source did not stop")
		}
	})
}

func receive(t *testing.T, out <-chan *queue.Message) *queue.Message {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestSource_RedeliversNackedRecord(t *testing.T) {
	api := new(MockStreamAPI)
	cp := NewCheckpointer(openTestDB(t), "ad-events")
	ctx := context.Background()

	api.On("GetShardIterator", mock.Anything, mock.Anything).
		Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-0")}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *kinesis.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-0"
	})).Return(&kinesis.GetRecordsOutput{
		Records:           []types.Record{record("100", `{"event_id":"e1"}`), record("101", `{"event_id":"e2"}`), record("102", `{"event_id":"e3"}`)},
		NextShardIterator: aws.String("it-1"),
	}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.Anything).
		Return(&kinesis.GetRecordsOutput{NextShardIterator: aws.String("it-1")}, nil)

	source := NewSource(api, cp, SourceConfig{
		Stream:       "ad-events",
		Shards:       []string{"shard-0"},
		PollInterval: 2 * time.Millisecond,
	}, zap.NewNop())

	out := make(chan *queue.Message, 10)
	startSource(t, source, out)

	first := receive(t, out)
	require.Equal(t, "100", first.ID)
	require.NoError(t, first.Nack(ctx))

	for _, want := range []string{"101", "102"} {
		msg := receive(t, out)
		require.Equal(t, want, msg.ID)
		require.NoError(t, msg.Ack(ctx))
	}
	seq, _ := cp.Get("shard-0")
	assert.Empty(t, seq)

	again := receive(t, out)
	assert.Equal(t, "100", again.ID)
	assert.Equal(t, []byte(`{"event_id":"e1"}`), again.Body)
	require.NoError(t, again.Ack(ctx))

	seq, _ = cp.Get("shard-0")
	assert.Equal(t, "102", seq)
}

func TestSource_PausesAtMaxPending(t *testing.T) {
	api := new(MockStreamAPI)
	cp := NewCheckpointer(openTestDB(t), "ad-events")
	ctx := context.Background()

	api.On("GetShardIterator", mock.Anything, mock.Anything).
		Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-0")}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *kinesis.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-0"
	})).Return(&kinesis.GetRecordsOutput{
		Records: []types.Record{
			record("100", "{}"), record("101", "{}"), record("102", "{}"), record("103", "{}"),
		},
		NextShardIterator: aws.String("it-1"),
	}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.Anything).
		Return(&kinesis.GetRecordsOutput{NextShardIterator: aws.String("it-1")}, nil)

	source := NewSource(api, cp, SourceConfig{
		Stream:       "ad-events",
		Shards:       []string{"shard-0"},
		PollInterval: 2 * time.Millisecond,
		MaxPending:   2,
	}, zap.NewNop())

	out := make(chan *queue.Message, 10)
	startSource(t, source, out)

	first := receive(t, out)
	receive(t, out)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, out, "reader must pause with two records unacknowledged")

	require.NoError(t, first.Ack(ctx))
	third := receive(t, out)
	assert.Equal(t, "102", third.ID)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, out)
}

func TestSource_ReadsShardAndCheckpointsOnAck(t *testing.T) {
	api := new(MockStreamAPI)
	cp := NewCheckpointer(openTestDB(t), "ad-events")

	api.On("GetShardIterator", mock.Anything, mock.MatchedBy(func(in *kinesis.GetShardIteratorInput) bool {
		return in.ShardIteratorType == types.ShardIteratorTypeTrimHorizon
	})).Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-0")}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.MatchedBy(func(in *kinesis.GetRecordsInput) bool {
		return aws.ToString(in.ShardIterator) == "it-0"
	})).Return(&kinesis.GetRecordsOutput{
		Records:           []types.Record{record("100", `{"event_id":"e1"}`), record("101", `{"event_id":"e2"}`)},
		NextShardIterator: aws.String("it-1"),
	}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.Anything).
		Return(&kinesis.GetRecordsOutput{NextShardIterator: nil}, nil).Once()

	source := NewSource(api, cp, SourceConfig{
		Stream:       "ad-events",
		Shards:       []string{"shard-0"},
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	out := make(chan *queue.Message, 10)
	require.NoError(t, source.Start(context.Background(), out))
	require.Len(t, out, 2)

	first := <-out
	second := <-out
	assert.Equal(t, "shard-0", first.Partition)
	assert.Equal(t, "100", first.ID)

	require.NoError(t, second.Ack(context.Background()))
	seq, _ := cp.Get("shard-0")
	assert.Empty(t, seq)

	require.NoError(t, first.Ack(context.Background()))
	seq, _ = cp.Get("shard-0")
	assert.Equal(t, "101", seq)
	api.AssertExpectations(t)
}

func TestSource_ResumesAfterCheckpoint(t *testing.T) {
	api := new(MockStreamAPI)
	cp := NewCheckpointer(openTestDB(t), "ad-events")
	_, err := cp.Advance("shard-0", "500")
	require.NoError(t, err)

	api.On("ListShards", mock.Anything, mock.Anything).Return(&kinesis.ListShardsOutput{
		Shards: []types.Shard{{ShardId: aws.String("shard-0")}},
	}, nil).Once()
	api.On("GetShardIterator", mock.Anything, mock.MatchedBy(func(in *kinesis.GetShardIteratorInput) bool {
		return in.ShardIteratorType == types.ShardIteratorTypeAfterSequenceNumber &&
			aws.ToString(in.StartingSequenceNumber) == "500"
	})).Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-500")}, nil).Once()
	api.On("GetRecords", mock.Anything, mock.Anything).
		Return(&kinesis.GetRecordsOutput{NextShardIterator: nil}, nil).Once()

	source := NewSource(api, cp, SourceConfig{Stream: "ad-events", PollInterval: time.Millisecond}, zap.NewNop())
	require.NoError(t, source.Start(context.Background(), make(chan *queue.Message, 1)))
	api.AssertExpectations(t)
}

func TestSource_StopsOnCancel(t *testing.T) {
	api := new(MockStreamAPI)
	cp := NewCheckpointer(openTestDB(t), "ad-events")

	api.On("GetShardIterator", mock.Anything, mock.Anything).
		Return(&kinesis.GetShardIteratorOutput{ShardIterator: aws.String("it-0")}, nil)
	api.On("GetRecords", mock.Anything, mock.Anything).
		Return(&kinesis.GetRecordsOutput{NextShardIterator: aws.String("it-0")}, nil)

	source := NewSource(api, cp, SourceConfig{
		Stream:       "ad-events",
		Shards:       []string{"shard-0", "shard-1"},
		PollInterval: 2 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, source.Start(ctx, make(chan *queue.Message)))
}
