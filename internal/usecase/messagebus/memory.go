package messagebus

import (
	"context"
	"errors"
	"sync"
)

// ErrMemoryClosed is returned by a closed MemoryTransport.
var ErrMemoryClosed = errors.New("memory transport closed")

// MemoryTransport is an in-process Transport for embedding the core in a
// single binary together with its agents. Delivery is FIFO per subscriber
// and Publish never blocks or drops: each subscriber queues without bound
// until its stream is drained. A subscriber may publish to the topic it
// consumes.
type MemoryTransport struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
	failN  int // next failN publishes fail
}

// memorySub is one subscriber: a pending queue pumped into out.
type memorySub struct {
	out    chan string
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []string
}

// NewMemoryTransport creates a transport whose subscriber streams have the
// given channel buffer.
func NewMemoryTransport(buffer int) *MemoryTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryTransport{subs: make(map[string]map[*memorySub]struct{}), buffer: buffer}
}

// Publish enqueues message for every current subscriber of channel.
func (m *MemoryTransport) Publish(ctx context.Context, channel string, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMemoryClosed
	}
	if m.failN > 0 {
		m.failN--
		return errors.New("injected publish failure")
	}
	for sub := range m.subs[channel] {
		sub.push(message)
	}
	return nil
}

// Subscribe registers a subscriber; its stream closes when ctx is done or
// the transport is closed. Messages still queued at that point are dropped.
func (m *MemoryTransport) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMemoryClosed
	}
	sub := &memorySub{
		out:    make(chan string, m.buffer),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][sub] = struct{}{}

	go sub.pump()
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		m.mu.Lock()
		delete(m.subs[channel], sub)
		m.mu.Unlock()
		sub.stop()
	}()
	return sub.out, nil
}

// Subscribers reports how many live subscribers channel has.
func (m *MemoryTransport) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

// FailNext makes the next n publishes return an error.
func (m *MemoryTransport) FailNext(n int) {
	m.mu.Lock()
	m.failN = n
	m.mu.Unlock()
}

// Close ends every subscriber stream.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.stop()
		}
	}
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (s *memorySub) push(message string) {
	s.mu.Lock()
	s.queue = append(s.queue, message)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// pump moves queued messages into out in order and closes out on stop.
func (s *memorySub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
