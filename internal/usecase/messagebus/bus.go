// Package messagebus carries task assignments to agent inboxes and task
// results back over a topic-based publish/subscribe transport.
package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"orchestra/internal/domain"
	"orchestra/internal/infra/tracer"
)

// Transport abstracts the pub/sub operations of the shared message store.
type Transport interface {
	// Publish sends message on channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe returns the message stream of channel. The stream closes
	// when ctx is done.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
}

// Callback handles one received message. A returned error is logged; it
// never ends the subscription.
type Callback func(ctx context.Context, payload []byte) error

// Default breaker settings.
const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// Config holds topic naming and publish protection settings.
type Config struct {
	TopicPrefix    string
	ResultsTopic   string
	PublishTimeout time.Duration
	MaxFailures    uint32
	OpenTimeout    time.Duration
	Interval       time.Duration
}

func (c *Config) setDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "agents"
	}
	if c.ResultsTopic == "" {
		c.ResultsTopic = "results"
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
}

// Bus publishes envelopes and runs subscription loops over a Transport.
type Bus struct {
	transport Transport
	cfg       Config
	breaker   *gobreaker.CircuitBreaker[struct{}]
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a bus over transport.
func New(transport Transport, cfg Config, logger *slog.Logger) *Bus {
	cfg.setDefaults()
	maxFailures := cfg.MaxFailures
	b := &Bus{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
	}
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "messagebus",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return b
}

// TaskTopic returns the inbox topic of agentID.
func (b *Bus) TaskTopic(agentID string) string {
	return b.cfg.TopicPrefix + "." + agentID + ".tasks"
}

// ResultsTopic returns the shared results topic.
func (b *Bus) ResultsTopic() string {
	return b.cfg.ResultsTopic
}

// PublishTask sends task to the inbox of agentID. A transport failure is
// returned wrapping domain.ErrTransport; nothing is retried.
func (b *Bus) PublishTask(ctx context.Context, agentID string, task domain.Task) error {
	return b.Publish(ctx, b.TaskTopic(agentID), domain.TaskAssignment{
		Type:      domain.MessageTaskAssignment,
		Task:      task,
		Timestamp: time.Now().UTC(),
	})
}

// PublishResult broadcasts an agent's result on the results topic.
func (b *Bus) PublishResult(ctx context.Context, taskID, agentID string, result map[string]any) error {
	return b.PublishResultEnvelope(ctx, domain.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Result:  result,
		Source:  domain.SourceAgent,
	})
}

// PublishResultEnvelope broadcasts a fully populated result envelope.
func (b *Bus) PublishResultEnvelope(ctx context.Context, res domain.TaskResult) error {
	res.Type = domain.MessageTaskResult
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	return b.Publish(ctx, b.cfg.ResultsTopic, res)
}

// Publish JSON-encodes v and sends it on topic through the breaker.
func (b *Bus) Publish(ctx context.Context, topic string, v any) (err error) {
	ctx, span := tracer.StartSpan(ctx, "messagebus.publish", tracer.StringAttr(tracer.AttrTopic, topic))
	defer func() { tracer.End(span, err) }()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", topic, err)
	}

	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.transport.Publish(ctx, topic, string(data))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Transport("publish "+topic, fmt.Errorf("circuit open: %w", err))
		}
		return domain.Transport("publish "+topic, err)
	}
	return nil
}

// BreakerState reports the publish circuit breaker state.
func (b *Bus) BreakerState() gobreaker.State {
	return b.breaker.State()
}

// Subscribe starts a listening goroutine on topic. cb runs once per
// message, sequentially, in receipt order. Errors and panics from cb are
// logged and the loop keeps going. The loop ends on Subscription.Close,
// when ctx is done, or when the transport closes the stream.
func (b *Bus) Subscribe(ctx context.Context, topic string, cb Callback) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.Transport("subscribe "+topic, errors.New("bus closed"))
	}
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := b.transport.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, domain.Transport("subscribe "+topic, err)
	}

	sub := &Subscription{topic: topic, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer b.forget(sub)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					b.logger.Debug("subscription stream closed", "topic", topic)
					return
				}
				b.invoke(subCtx, topic, cb, []byte(msg))
			}
		}
	}()

	b.logger.Debug("subscribed", "topic", topic)
	return sub, nil
}

func (b *Bus) invoke(ctx context.Context, topic string, cb Callback, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscription callback panicked", "topic", topic, "panic", r)
		}
	}()
	if err := cb(ctx, payload); err != nil {
		b.logger.Warn("subscription callback failed", "topic", topic, "error", err)
	}
}

func (b *Bus) forget(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Close ends every subscription and waits for their loops to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is a handle on one listening loop.
type Subscription struct {
	topic  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Done is closed when the listening loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the loop and waits for an in-flight callback to return.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}
