package condochat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Push event names broadcast on chat channels. The backend may prefix them
// with the event class namespace.
const (
	EventNewChatMessage       = "NewChatMessage"
	EventMessageStatusUpdated = "MessageStatusUpdated"
	EventNewOffer             = "NewOffer"
	EventOfferStatusUpdated   = "OfferStatusUpdated"
)

func eventName(raw string) string {
	raw = strings.TrimPrefix(raw, ".")
	if i := strings.LastIndex(raw, `\`); i >= 0 {
		raw = raw[i+1:]
	}
	return raw
}

type newChatMessagePayload struct {
	ID        ItemID `json:"id"`
	ChatID    ChatID `json:"chat_id"`
	SenderID  UserID `json:"sender_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

type messageStatusPayload struct {
	MessageID ItemID `json:"message_id"`
}

type newOfferPayload struct {
	OfferID    ItemID          `json:"offerId"`
	UserID     UserID          `json:"userId"`
	OfferPrice decimal.Decimal `json:"offerPrice"`
	CreatedAt  string          `json:"created_at"`
}

type offerStatusPayload struct {
	OfferID  ItemID `json:"offerId"`
	StatusID int    `json:"statusId"`
}

var errMissingID = errors.New("payload without id")

// Session is one open conversation: its timeline plus the identity and
// listing it was opened with. A closed session ignores further events.
type Session struct {
	chatID    ChatID
	selfID    UserID
	listingID ListingID
	timeline  *Timeline

	mu     sync.Mutex
	closed bool

	now      func() time.Time
	logger   *slog.Logger
	metrics  *Metrics
	onChange func(*Session)
}

func newSession(chatID ChatID, h *History, e *Engine) *Session {
	logger := e.logger.With("chat_id", int64(chatID))
	s := &Session{
		chatID:    chatID,
		selfID:    h.SelfID,
		listingID: h.ListingID,
		timeline:  NewTimeline(logger),
		now:       e.now,
		logger:    logger,
		metrics:   e.metrics,
		onChange:  e.onChange,
	}
	s.timeline.LoadInitial(h.Items)
	return s
}

func (s *Session) ChatID() ChatID           { return s.chatID }
func (s *Session) SelfID() UserID           { return s.selfID }
func (s *Session) ListingID() ListingID     { return s.listingID }
func (s *Session) Snapshot() []TimelineItem { return s.timeline.Snapshot() }

// Delivery returns the read-receipt tracker for the session's user.
func (s *Session) Delivery() DeliveryTracker { return DeliveryTracker{Self: s.selfID} }

// Offer returns a copy of the offer with id.
func (s *Session) Offer(id ItemID) (Offer, bool) { return s.timeline.Offer(id) }

// Message returns a copy of the confirmed message with id.
func (s *Session) Message(id ItemID) (Message, bool) { return s.timeline.Message(id) }

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange(s)
	}
}

// addProvisional inserts a locally created message.
func (s *Session) addProvisional(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timeline.AppendMessage(m) {
		s.changed()
	}
}

// respondOffer applies the user's optimistic response to offer id.
func (s *Session) respondOffer(id ItemID, status OfferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNoConversation
	}
	if err := s.timeline.respondOffer(id, s.selfID, status); err != nil {
		return err
	}
	s.changed()
	return nil
}

// revertOffer undoes an unconfirmed response to offer id.
func (s *Session) revertOffer(id ItemID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timeline.revertOffer(id) {
		s.changed()
	}
}

// handlePush applies one channel event. Events are serialized with every
// other session mutation.
func (s *Session) handlePush(ev PushEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := eventName(ev.Event)
	if s.closed {
		s.metrics.pushEvent(name, "closed")
		return
	}

	var (
		changed bool
		err     error
	)
	switch name {
	case EventNewChatMessage:
		changed, err = s.applyNewMessage(ev.Data)
	case EventMessageStatusUpdated:
		changed, err = s.applyMessageStatus(ev.Data)
	case EventNewOffer:
		changed, err = s.applyNewOffer(ev.Data)
	case EventOfferStatusUpdated:
		changed, err = s.applyOfferStatus(ev.Data)
	default:
		s.logger.Debug("unhandled push event", "event", ev.Event)
		s.metrics.pushEvent(name, "ignored")
		return
	}

	switch {
	case err != nil:
		s.logger.Debug("push event dropped", "event", name, "error", err)
		s.metrics.pushEvent(name, "dropped")
	case changed:
		s.metrics.pushEvent(name, "applied")
		s.changed()
	default:
		s.metrics.pushEvent(name, "noop")
	}
}

func (s *Session) applyNewMessage(data json.RawMessage) (bool, error) {
	var p newChatMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, err
	}
	if p.ID == 0 {
		return false, errMissingID
	}
	if p.ChatID != 0 && p.ChatID != s.chatID {
		return false, fmt.Errorf("message for chat %d", p.ChatID)
	}

	if _, seen := s.timeline.Message(p.ID); seen {
		return false, nil
	}
	if p.SenderID == s.selfID {
		if clientID, ok := s.timeline.pendingEcho(s.selfID, p.Message); ok {
			return s.timeline.ConfirmMessage(clientID, p.ID, p.Message), nil
		}
	}

	created, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		created = s.now().UTC()
	}
	return s.timeline.AppendMessage(Message{
		ID:        p.ID,
		ChatID:    s.chatID,
		SenderID:  p.SenderID,
		Text:      p.Message,
		CreatedAt: created,
	}), nil
}

func (s *Session) applyMessageStatus(data json.RawMessage) (bool, error) {
	var p messageStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, err
	}
	if p.MessageID == 0 {
		return false, errMissingID
	}
	return s.timeline.UpdateMessageRead(p.MessageID), nil
}

func (s *Session) applyNewOffer(data json.RawMessage) (bool, error) {
	var p newOfferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, err
	}
	if p.OfferID == 0 {
		return false, errMissingID
	}
	created, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		created = s.now().UTC()
	}
	return s.timeline.AppendOffer(Offer{
		ID:         p.OfferID,
		ChatID:     s.chatID,
		ProposerID: p.UserID,
		Amount:     p.OfferPrice,
		Status:     OfferPending,
		CreatedAt:  created,
	}), nil
}

func (s *Session) applyOfferStatus(data json.RawMessage) (bool, error) {
	var p offerStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, err
	}
	if p.OfferID == 0 {
		return false, errMissingID
	}
	status, err := OfferStatusFromWire(p.StatusID)
	if err != nil {
		return false, err
	}
	before, _ := s.timeline.Offer(p.OfferID)
	if err := s.timeline.UpdateOfferStatus(p.OfferID, status); err != nil {
		if isNotFound(err) {
			s.logger.Debug("status update for unknown offer", "offer_id", int64(p.OfferID))
			return false, nil
		}
		return false, err
	}
	after, _ := s.timeline.Offer(p.OfferID)
	return before.Status != after.Status || before.unconfirmed != after.unconfirmed, nil
}
