package broker

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// MemoryBroker is an in-process Broker used for tests and single-node
// deployments. Delivery is synchronous, so a handler sees the message
// before Publish returns.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[string]MsgHandler
	closed bool
}

// NewMemoryBroker creates a new in-memory broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[string]MsgHandler),
	}
}

// Publish implements Broker
func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return ErrSubjectEmpty
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := make([]MsgHandler, 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe implements Broker
func (b *MemoryBroker) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	if subject == "" {
		return nil, ErrSubjectEmpty
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}

	id := xid.New().String()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]MsgHandler)
	}
	b.subs[subject][id] = handler

	return &memorySubscription{broker: b, subject: subject, id: id}, nil
}

// Close implements Broker
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[string]MsgHandler)
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	subject string
	id      string
}

// Unsubscribe implements Subscription
func (s *memorySubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if handlers, ok := s.broker.subs[s.subject]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.broker.subs, s.subject)
		}
	}
	return nil
}
