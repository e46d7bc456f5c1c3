// Package queue is the message bus between the webhook endpoint and the
// analysis workers. Broker keeps each named queue in a buffered channel
// drained by a fixed pool of workers; JetStream keeps them in a NATS stream.
// Handlers are retried with exponential backoff, so delivery is
// at-least-once and consumers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gitlab-metrics-service/internal/config"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	CommitAnalysis       = "commit.analysis"
	IssueAnalysis        = "bug.tracking.analysis.queue"
	MergeRequestAnalysis = "merge-request-analysis-queue"
	QualityAnalysis      = "quality.analysis.queue"
	AlertNotification    = "alert.notification"
)

var (
	ErrClosed       = errors.New("queue: broker closed")
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

type Message struct {
	RequestID string          `json:"requestId"`
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
	Timestamp time.Time       `json:"timestamp"`
}

type Handler func(ctx context.Context, msg Message) error

// Bus is the transport the service runs on. Queues are declared by
// Subscribe before Run.
type Bus interface {
	Subscribe(name string, h Handler)
	Publish(ctx context.Context, name string, msg Message) error
	Queues() []string
	Run(ctx context.Context) error
	Close()
}

var (
	_ Bus = (*Broker)(nil)
	_ Bus = (*JetStream)(nil)
)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type Broker struct {
	cfg config.QueueConfig
	log *slog.Logger

	mu       sync.RWMutex
	closed   bool
	queues   map[string]chan Message
	handlers map[string]Handler
}

func NewBroker(cfg config.QueueConfig, log *slog.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		log:      log,
		queues:   make(map[string]chan Message),
		handlers: make(map[string]Handler),
	}
}

// Subscribe declares the queue and sets its handler. It must be called
// before Run.
func (b *Broker) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan Message, b.cfg.Capacity)
	}
	b.handlers[name] = h
}

// Publish enqueues msg, blocking while the queue is full until ctx or the
// configured publish timeout expires.
func (b *Broker) Publish(ctx context.Context, name string, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	ch, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", name, ctx.Err())
	}
}

// Queues returns the declared queue names.
func (b *Broker) Queues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts cfg.Workers consumers per queue and blocks until ctx is done or
// the broker is closed and every queue has drained.
func (b *Broker) Run(ctx context.Context) error {
	b.mu.RLock()
	type consumer struct {
		name string
		ch   chan Message
		h    Handler
	}
	var consumers []consumer
	for name, ch := range b.queues {
		consumers = append(consumers, consumer{name, ch, b.handlers[name]})
	}
	b.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		for i := 0; i < b.cfg.Workers; i++ {
			c := c
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case msg, ok := <-c.ch:
						if !ok {
							return nil
						}
						b.deliver(ctx, c.name, c.h, msg)
					}
				}
			})
		}
	}
	return g.Wait()
}

// Close stops accepting messages. Workers finish what is already queued.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.queues {
		close(ch)
	}
}

func (b *Broker) deliver(ctx context.Context, name string, h Handler, msg Message) {
	log := b.log.With("queue", name, "request_id", msg.RequestID, "event_type", msg.EventType)
	if attempts, err := handle(ctx, b.cfg, log, h, msg); err != nil {
		log.Error("message dropped", "attempts", attempts, "error", err)
	}
}

// handle retries h with backoff until it succeeds or the retry budget in cfg
// is spent. Permanent errors stop it at once.
func handle(ctx context.Context, cfg config.QueueConfig, log *slog.Logger, h Handler, msg Message) (int, error) {
	attempt := 0
	op := func() error {
		attempt++
		err := safeCall(ctx, h, msg)
		if err != nil {
			log.Warn("message handling failed", "attempt", attempt, "error", err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(newBackOff(cfg), ctx))
	return attempt, err
}

func newBackOff(cfg config.QueueConfig) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if cfg.RetryInterval > 0 {
		bo.InitialInterval = cfg.RetryInterval
	}
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries))
}

// safeCall turns a handler panic into a permanent error so one bad message
// cannot take a worker down.
func safeCall(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	if h == nil {
		return backoff.Permanent(errors.New("no handler"))
	}
	return h(ctx, msg)
}
