// Package direct provides an in-process event publisher that fans stream
// events out to subscribers.
package direct

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/genstream/internal/core/domain"
	"github.com/tjfontaine/genstream/internal/core/ports"
)

// DefaultBuffer is the channel capacity of a subscription.
const DefaultBuffer = 64

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

type subscriber struct {
	ch             chan *domain.StreamEvent
	conversationID string
}

// Publisher implements ports.EventPublisher by delivering events directly
// to in-process subscribers. This is the default implementation for
// single-instance deployments.
//
// Delivery never blocks the producer: a subscriber whose buffer is full
// misses the event.
type Publisher struct {
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Int64
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a subscriber for conversationID ("" receives every
// event). The returned function unsubscribes and closes the channel.
func (p *Publisher) Subscribe(conversationID string, buffer int) (<-chan *domain.StreamEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan *domain.StreamEvent, buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++
	p.subs[id] = &subscriber{ch: ch, conversationID: conversationID}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if s, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers event to every matching subscriber.
func (p *Publisher) Publish(ctx context.Context, event *domain.StreamEvent) error {
	if event == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	for _, s := range p.subs {
		if s.conversationID != "" && s.conversationID != event.ConversationID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			p.dropped.Add(1)
			p.logger.Debug("subscriber buffer full, event dropped",
				slog.String("type", string(event.Type)),
				slog.String("conversation_id", event.ConversationID))
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (p *Publisher) Dropped() int {
	return int(p.dropped.Load())
}

// Close closes every subscription. Later Publish calls return ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, s := range p.subs {
		close(s.ch)
		delete(p.subs, id)
	}
	return nil
}
