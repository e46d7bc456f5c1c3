package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		Workers:        2,
		Capacity:       8,
		MaxRetries:     3,
		RetryInterval:  time.Millisecond,
		PublishTimeout: 50 * time.Millisecond,
	}
}

func runBroker(t *testing.T, b *Broker) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	return func() {
		b.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("broker did not drain")
		}
	}
}

func TestDeliversAllMessages(t *testing.T) {
	b := NewBroker(testConfig(), logging.Discard())
	var mu sync.Mutex
	var got []string
	b.Subscribe(CommitAnalysis, func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg.RequestID)
		return nil
	})
	stop := runBroker(t, b)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(context.Background(), CommitAnalysis, Message{RequestID: id}))
	}
	stop()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestRetriesTransientFailures(t *testing.T) {
	b := NewBroker(testConfig(), logging.Discard())
	var calls atomic.Int32
	b.Subscribe(IssueAnalysis, func(ctx context.Context, msg Message) error {
		if calls.Add(1) < 3 {
			return errors.New("db unavailable")
		}
		return nil
	})
	stop := runBroker(t, b)
	require.NoError(t, b.Publish(context.Background(), IssueAnalysis, Message{RequestID: "r"}))
	stop()

	assert.Equal(t, int32(3), calls.Load())
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	b := NewBroker(testConfig(), logging.Discard())
	var calls atomic.Int32
	b.Subscribe(IssueAnalysis, func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return errors.New("still failing")
	})
	stop := runBroker(t, b)
	require.NoError(t, b.Publish(context.Background(), IssueAnalysis, Message{}))
	stop()

	assert.Equal(t, int32(4), calls.Load())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	b := NewBroker(testConfig(), logging.Discard())
	var calls atomic.Int32
	b.Subscribe(MergeRequestAnalysis, func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return Permanent(errors.New("malformed"))
	})
	stop := runBroker(t, b)
	require.NoError(t, b.Publish(context.Background(), MergeRequestAnalysis, Message{}))
	stop()

	assert.Equal(t, int32(1), calls.Load())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	b := NewBroker(cfg, logging.Discard())
	var handled atomic.Int32
	b.Subscribe(CommitAnalysis, func(ctx context.Context, msg Message) error {
		if msg.RequestID == "boom" {
			panic("bad message")
		}
		handled.Add(1)
		return nil
	})
	stop := runBroker(t, b)
	require.NoError(t, b.Publish(context.Background(), CommitAnalysis, Message{RequestID: "boom"}))
	require.NoError(t, b.Publish(context.Background(), CommitAnalysis, Message{RequestID: "ok"}))
	stop()

	assert.Equal(t, int32(1), handled.Load())
}

func TestPublishErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 1
	b := NewBroker(cfg, logging.Discard())
	b.Subscribe(CommitAnalysis, func(ctx context.Context, msg Message) error { return nil })

	assert.ErrorIs(t, b.Publish(context.Background(), "nope", Message{}), ErrUnknownQueue)

	// No workers running: the second publish blocks until the timeout.
	require.NoError(t, b.Publish(context.Background(), CommitAnalysis, Message{}))
	assert.ErrorIs(t, b.Publish(context.Background(), CommitAnalysis, Message{}), context.DeadlineExceeded)

	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), CommitAnalysis, Message{}), ErrClosed)
	assert.Equal(t, []string{CommitAnalysis}, b.Queues())
}
