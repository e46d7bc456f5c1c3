package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab-metrics-service/internal/config"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// SubjectPrefix is prepended to every queue name to form its NATS subject.
const SubjectPrefix = "glm."

const (
	fetchWait = 500 * time.Millisecond
	ackWait   = 30 * time.Second
)

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_")

// SubjectFor returns the NATS subject carrying the named queue.
func SubjectFor(name string) string {
	return SubjectPrefix + name
}

func durableFor(name string) string {
	return "glm_" + durableReplacer.Replace(name)
}

// JetStream carries the named queues over a NATS JetStream work-queue
// stream. Each queue has a durable pull consumer, so messages published
// before a restart are still delivered after it.
type JetStream struct {
	cfg config.QueueConfig
	log *slog.Logger
	nc  *nats.Conn
	js  nats.JetStreamContext

	// owned is set when the connection was dialed here and must be closed
	// when the bus stops.
	owned bool

	mu       sync.RWMutex
	closed   bool
	running  bool
	done     chan struct{}
	handlers map[string]Handler
}

// DialJetStream connects to cfg.NATSURL and makes sure the stream exists.
func DialJetStream(cfg config.QueueConfig, log *slog.Logger) (*JetStream, error) {
	opts := []nats.Option{
		nats.Name("gitlab-metrics-service"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
	}
	j, err := NewJetStream(nc, cfg, log)
	if err != nil {
		nc.Close()
		return nil, err
	}
	j.owned = true
	return j, nil
}

// NewJetStream uses an existing connection, which the caller keeps owning.
func NewJetStream(nc *nats.Conn, cfg config.QueueConfig, log *slog.Logger) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := ensureStream(js, cfg.Stream); err != nil {
		return nil, err
	}
	return &JetStream{
		cfg:      cfg,
		log:      log,
		nc:       nc,
		js:       js,
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}, nil
}

func ensureStream(js nats.JetStreamContext, name string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{SubjectPrefix + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", name, err)
	}
	return nil
}

func (j *JetStream) ensureConsumer(name string) error {
	durable := durableFor(name)
	_, err := j.js.ConsumerInfo(j.cfg.Stream, durable)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer %s: %w", durable, err)
	}
	_, err = j.js.AddConsumer(j.cfg.Stream, &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: SubjectFor(name),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return nil
}

// Subscribe declares the queue and sets its handler. It must be called
// before Run.
func (j *JetStream) Subscribe(name string, h Handler) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers[name] = h
}

// Publish stores msg in the stream and waits for the server to acknowledge
// it, bounded by ctx and the configured publish timeout.
func (j *JetStream) Publish(ctx context.Context, name string, msg Message) error {
	j.mu.RLock()
	closed := j.closed
	_, ok := j.handlers[name]
	j.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", name, err)
	}

	if j.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.PublishTimeout)
		defer cancel()
	}
	if _, err := j.js.Publish(SubjectFor(name), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// Queues returns the declared queue names.
func (j *JetStream) Queues() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, 0, len(j.handlers))
	for name := range j.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run starts cfg.Workers pull consumers per queue and blocks until ctx is
// done or the bus is closed. A message in flight when Run stops is left
// unacknowledged and redelivered later.
func (j *JetStream) Run(ctx context.Context) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	handlers := make(map[string]Handler, len(j.handlers))
	for name, h := range j.handlers {
		handlers[name] = h
	}
	j.mu.Unlock()
	defer j.release()

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	startErr := func() error {
		for name, h := range handlers {
			if err := j.ensureConsumer(name); err != nil {
				return err
			}
			for i := 0; i < j.cfg.Workers; i++ {
				sub, err := j.js.PullSubscribe(SubjectFor(name), durableFor(name),
					nats.Bind(j.cfg.Stream, durableFor(name)))
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", name, err)
				}
				subs = append(subs, sub)
				name, h := name, h
				g.Go(func() error {
					j.consume(gctx, name, h, sub)
					return nil
				})
			}
		}
		return nil
	}()
	if startErr != nil {
		cancel()
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return startErr
}

func (j *JetStream) consume(ctx context.Context, name string, h Handler, sub *nats.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		default:
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			j.log.Warn("fetch failed", "queue", name, "error", err)
			time.Sleep(fetchWait)
			continue
		}
		for _, m := range msgs {
			j.deliver(ctx, name, h, m)
		}
	}
}

func (j *JetStream) deliver(ctx context.Context, name string, h Handler, m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		j.log.Error("undecodable message dropped", "queue", name, "error", err)
		_ = m.Term()
		return
	}
	log := j.log.With("queue", name, "request_id", msg.RequestID, "event_type", msg.EventType)

	// Each attempt extends the ack deadline so backoff does not trigger a
	// redelivery of a message that is still being worked on.
	inProgress := func(ctx context.Context, msg Message) error {
		_ = m.InProgress()
		return h(ctx, msg)
	}
	attempts, err := handle(ctx, j.cfg, log, inProgress, msg)
	switch {
	case err == nil:
		if err := m.Ack(); err != nil {
			log.Warn("ack failed", "error", err)
		}
	case ctx.Err() != nil:
		_ = m.Nak()
	default:
		log.Error("message dropped", "attempts", attempts, "error", err)
		_ = m.Term()
	}
}

// Close stops accepting messages. Workers finish the message in hand and
// Run returns.
func (j *JetStream) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	close(j.done)
	if !j.running && j.owned {
		j.nc.Close()
	}
}

func (j *JetStream) release() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	if j.closed && j.owned {
		j.nc.Close()
	}
}
