package condochat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Subscription is the handle of one open channel subscription. Events are
// handed to the handler by a single goroutine in arrival order.
type Subscription struct {
	channel     string
	handler     PushHandler
	queue       chan PushEvent
	done        chan struct{}
	stopped     chan struct{}
	closed      atomic.Bool
	once        sync.Once
	unsubscribe func(*Subscription)
}

func newSubscription(channel string, h PushHandler, size int, unsubscribe func(*Subscription)) *Subscription {
	s := &Subscription{
		channel:     channel,
		handler:     h,
		queue:       make(chan PushEvent, size),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		unsubscribe: unsubscribe,
	}
	go s.run()
	return s
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

func (s *Subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.handler(ev)
		}
	}
}

// deliver queues ev, blocking while the queue is full. Events arriving after
// Close are dropped.
func (s *Subscription) deliver(ev PushEvent) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.queue <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the subscription. It is safe to call more than once. When it
// returns the handler is not running and will not be called again. Close
// must not be called from the handler itself.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		<-s.stopped
		if s.unsubscribe != nil {
			s.unsubscribe(s)
		}
	})
}

// ============================================================================
// Subscription Manager
// ============================================================================

// subscriptionManager keeps at most one live subscription, the one of the
// open conversation.
type subscriptionManager struct {
	push PushClient
	mu   sync.Mutex
	sub  *Subscription
	chat ChatID
}

func newSubscriptionManager(push PushClient) *subscriptionManager {
	return &subscriptionManager{push: push}
}

// subscribe closes any live subscription and then opens one for s.
func (m *subscriptionManager) subscribe(ctx context.Context, s *Session) error {
	if s.SelfID() == 0 {
		return ErrIdentityUnknown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
		m.chat = 0
	}

	sub, err := m.push.Subscribe(ctx, s.ChatID().Channel(), s.handlePush)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.ChatID().Channel(), err)
	}
	m.sub = sub
	m.chat = s.ChatID()
	return nil
}

func (m *subscriptionManager) unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		m.sub.Close()
		m.sub = nil
		m.chat = 0
	}
}

// active returns the chat of the live subscription, or 0.
func (m *subscriptionManager) active() ChatID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chat
}
