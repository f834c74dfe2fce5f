package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

var ErrBusClosed = errors.New("event bus closed")

// MemoryBus is an in-process EventBus. Each subscription drains its own
// ordered queue on a dedicated goroutine, so publishers never run handlers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	handler Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []events.Envelope
	closed bool
}

func NewMemoryBus() *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, env events.Envelope) error {
	// go through the wire encoding so payloads behave as they would on NATS
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	wire, err := events.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return &TransportError{Channel: channel, Err: ErrBusClosed}
	}
	targets := make([]*memorySubscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(wire)
	}
	return nil
}

func (b *MemoryBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, &TransportError{Channel: channel, Err: ErrBusClosed}
	}

	s := &memorySubscription{bus: b, channel: channel, handler: handler}
	s.cond = sync.NewCond(&s.mu)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][s] = struct{}{}

	go s.run(b.ctx)
	return s, nil
}

// SubscriberCount reports how many live subscriptions a channel has.
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	b.cancel()
	return nil
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

func (s *memorySubscription) enqueue(env events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, env)
	s.cond.Signal()
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *memorySubscription) run(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(ctx, env)
	}
}
