package resultchan

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// topic 一個 (run, phase) 的緩衝區
type topic struct {
	pending    []types.ResultMessage
	seen       map[types.TaskIndex]struct{}
	cancelled  bool
	sealed     bool // 階段已結束，只保留墓碑
	subscribed bool
	notify     chan struct{} // 每次狀態改變時關閉並替換
}

func (t *topic) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Broker is the in-process transport.
type Broker struct {
	mu     sync.Mutex
	topics map[Key]*topic
	closed bool
	log    *zap.Logger
}

// NewBroker 建立記憶體內的結果通道
func NewBroker(log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		topics: make(map[Key]*topic),
		log:    log,
	}
}

// topicLocked 呼叫者必須持有 b.mu
func (b *Broker) topicLocked(key Key) *topic {
	t, ok := b.topics[key]
	if !ok {
		t = &topic{
			seen:   make(map[types.TaskIndex]struct{}),
			notify: make(chan struct{}),
		}
		b.topics[key] = t
	}
	return t
}

// Publish buffers msg for the subscriber of its key.
func (b *Broker) Publish(ctx context.Context, msg types.ResultMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	key := KeyOf(msg)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	t := b.topicLocked(key)
	if t.cancelled {
		return cancelledError("resultchan.publish", key)
	}
	if t.sealed {
		return ErrClosed
	}
	if _, dup := t.seen[msg.Index]; dup {
		return ErrDuplicate
	}
	t.seen[msg.Index] = struct{}{}
	t.pending = append(t.pending, msg)
	t.signal()
	return nil
}

// Subscribe returns the single subscription of key.
func (b *Broker) Subscribe(ctx context.Context, key Key) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t := b.topicLocked(key)
	if t.subscribed {
		return nil, ErrAlreadySubscribed
	}
	t.subscribed = true
	return &memorySubscription{broker: b, key: key, done: make(chan struct{})}, nil
}

// Cancel rejects later publishes and drops what is buffered. Idempotent.
func (b *Broker) Cancel(ctx context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(key)
	if t.cancelled {
		return nil
	}
	dropped := len(t.pending)
	t.cancelled = true
	t.pending = nil
	t.signal()
	b.log.Info("result channel cancelled", zap.Stringer("key", key), zap.Int("dropped", dropped))
	return nil
}

// Seal releases the buffers of key once its phase is over. Later publishes
// fail with ErrClosed.
func (b *Broker) Seal(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(key)
	t.sealed = true
	t.pending = nil
	t.seen = nil
	t.signal()
}

// Endpoint is not reachable from another process.
func (b *Broker) Endpoint() types.Endpoint {
	return types.Endpoint{Transport: types.TransportMemory}
}

// Close wakes every subscriber with ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.signal()
	}
	return nil
}

type memorySubscription struct {
	broker *Broker
	key    Key
	once   sync.Once
	done   chan struct{}
}

func (s *memorySubscription) Next(ctx context.Context) (types.ResultMessage, error) {
	for {
		s.broker.mu.Lock()
		t := s.broker.topicLocked(s.key)
		switch {
		case t.cancelled:
			s.broker.mu.Unlock()
			return types.ResultMessage{}, cancelledError("resultchan.next", s.key)
		case len(t.pending) > 0:
			msg := t.pending[0]
			t.pending = t.pending[1:]
			s.broker.mu.Unlock()
			return msg, nil
		case s.broker.closed || t.sealed:
			s.broker.mu.Unlock()
			return types.ResultMessage{}, ErrClosed
		}
		wait := t.notify
		s.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.ResultMessage{}, ctx.Err()
		case <-s.done:
			return types.ResultMessage{}, ErrClosed
		case <-wait:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
