package condochat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ChatAPI is the backend surface the engine needs. *ChatsClient implements it.
type ChatAPI interface {
	History(ctx context.Context, chatID ChatID) (*History, error)
	SendMessage(ctx context.Context, req *SendMessageRequest) error
	SendOffer(ctx context.Context, req *SendOfferRequest) error
	RespondOffer(ctx context.Context, req *RespondOfferRequest) error
	CreateOrGet(ctx context.Context, listingID ListingID, sellerID UserID) (ChatID, error)
}

// Default outbound command rate.
const (
	DefaultCommandRate  = 2
	DefaultCommandBurst = 5
)

// Engine runs at most one open conversation at a time: it loads the
// timeline, keeps the push subscription for it and dispatches the user's
// commands.
type Engine struct {
	api      ChatAPI
	subs     *subscriptionManager
	notifier Notifier
	logger   *slog.Logger
	metrics  *Metrics
	limiter  *rate.Limiter
	now      func() time.Time
	onChange func(*Session)

	openMu sync.Mutex
	mu     sync.RWMutex
	active *Session
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier sets where command outcomes are reported.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithRateLimit bounds outbound commands to rps per second with the given
// burst. A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) EngineOption {
	return func(e *Engine) {
		if rps <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock overrides the time source used for locally created items.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithOnChange registers a callback run after every change to the open
// timeline. It runs on the goroutine that made the change and must not open
// or close conversations.
func WithOnChange(fn func(*Session)) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// NewEngine creates an engine with no open conversation.
func NewEngine(api ChatAPI, push PushClient, opts ...EngineOption) *Engine {
	e := &Engine{
		api:     api,
		subs:    newSubscriptionManager(push),
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Limit(DefaultCommandRate), DefaultCommandBurst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = logNotifier{logger: e.logger}
	}
	return e
}

// Open closes the current conversation, loads chatID and subscribes to its
// channel.
func (e *Engine) Open(ctx context.Context, chatID ChatID) (*Session, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.closeActive()

	h, err := e.api.History(ctx, chatID)
	if err != nil {
		e.notifier.Notify(Notification{
			Severity: SeverityError,
			ChatID:   chatID,
			Command:  "open",
			Message:  "Could not load the conversation",
			Err:      err,
		})
		return nil, fmt.Errorf("load chat %d: %w", chatID, err)
	}
	if h.SelfID == 0 {
		return nil, ErrIdentityUnknown
	}
	if h.Skipped > 0 {
		e.logger.Warn("history items skipped", "chat_id", int64(chatID), "skipped", h.Skipped)
	}

	s := newSession(chatID, h, e)
	if err := e.subs.subscribe(ctx, s); err != nil {
		s.close()
		return nil, err
	}

	e.mu.Lock()
	e.active = s
	e.mu.Unlock()

	e.logger.Info("conversation opened", "chat_id", int64(chatID), "items", s.timeline.Len())
	s.changed()
	return s, nil
}

// OpenForListing finds or creates the conversation with sellerID about
// listingID and opens it.
func (e *Engine) OpenForListing(ctx context.Context, listingID ListingID, sellerID UserID) (*Session, error) {
	chatID, err := e.api.CreateOrGet(ctx, listingID, sellerID)
	if err != nil {
		return nil, fmt.Errorf("create chat for listing %d: %w", listingID, err)
	}
	return e.Open(ctx, chatID)
}

// Close closes the open conversation, if any. Events still in flight for it
// are discarded.
func (e *Engine) Close() {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	e.closeActive()
}

func (e *Engine) closeActive() {
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()

	if s == nil {
		return
	}
	s.close()
	e.subs.unsubscribe()
	e.logger.Info("conversation closed", "chat_id", int64(s.chatID))
}

// Active returns the open conversation, or nil.
func (e *Engine) Active() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Snapshot returns the open conversation's timeline, or nil.
func (e *Engine) Snapshot() []TimelineItem {
	if s := e.Active(); s != nil {
		return s.Snapshot()
	}
	return nil
}

// sessionFor returns the open session if it shows chatID.
func (e *Engine) sessionFor(chatID ChatID) *Session {
	if s := e.Active(); s != nil && s.chatID == chatID {
		return s
	}
	return nil
}
