package condochat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Identifiers
// ============================================================================

// ChatID identifies a conversation between a buyer and a seller.
type ChatID int64

// UserID identifies a participant.
type UserID int64

// ListingID identifies the marketplace listing a conversation is about.
type ListingID int64

// ItemID is the server-assigned id of a message or offer. Provisional
// messages carry the zero ItemID until the server confirms them.
type ItemID int64

// Channel returns the push topic name for the conversation.
func (id ChatID) Channel() string {
	return "chat." + strconv.FormatInt(int64(id), 10)
}

// UnmarshalJSON accepts both numbers and numeric strings.
func (id *ChatID) UnmarshalJSON(b []byte) error { return unmarshalFlexInt(b, (*int64)(id)) }

// UnmarshalJSON accepts both numbers and numeric strings.
func (id *UserID) UnmarshalJSON(b []byte) error { return unmarshalFlexInt(b, (*int64)(id)) }

// UnmarshalJSON accepts both numbers and numeric strings.
func (id *ListingID) UnmarshalJSON(b []byte) error { return unmarshalFlexInt(b, (*int64)(id)) }

// UnmarshalJSON accepts both numbers and numeric strings.
func (id *ItemID) UnmarshalJSON(b []byte) error { return unmarshalFlexInt(b, (*int64)(id)) }

func unmarshalFlexInt(b []byte, dst *int64) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*dst = 0
		return nil
	}
	s := string(b)
	if s[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*dst = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*dst = n
	return nil
}

// flexBool decodes 0/1, "0"/"1" and true/false.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(b)), `"`) {
	case "1", "true":
		*f = true
	case "0", "false", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

// ============================================================================
// Timeline Items
// ============================================================================

// ItemKind discriminates the two timeline variants.
type ItemKind int

const (
	KindMessage ItemKind = iota + 1
	KindOffer
)

func (k ItemKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindOffer:
		return "offer"
	}
	return "unknown"
}

// TimelineItem is either a *Message or an *Offer. The set is closed; use a
// type switch to tell them apart.
type TimelineItem interface {
	Kind() ItemKind
	Timestamp() time.Time
	key() itemKey
	clone() TimelineItem
}

type itemKey struct {
	kind     ItemKind
	id       ItemID
	clientID string
}

// Message is a free-text chat entry.
type Message struct {
	ID        ItemID
	ClientID  string // set on messages created locally, kept after confirmation
	ChatID    ChatID
	SenderID  UserID
	Text      string
	Read      bool
	CreatedAt time.Time
}

// Provisional reports whether the message still waits for its server id.
func (m *Message) Provisional() bool { return m.ID == 0 && m.ClientID != "" }

func (m *Message) Kind() ItemKind       { return KindMessage }
func (m *Message) Timestamp() time.Time { return m.CreatedAt }

func (m *Message) key() itemKey {
	if m.ID == 0 {
		return itemKey{kind: KindMessage, clientID: m.ClientID}
	}
	return itemKey{kind: KindMessage, id: m.ID}
}

func (m *Message) clone() TimelineItem {
	c := *m
	return &c
}

// Offer is a price proposal on the conversation's listing.
type Offer struct {
	ID         ItemID
	ChatID     ChatID
	ProposerID UserID
	Amount     decimal.Decimal
	Status     OfferStatus
	CreatedAt  time.Time

	// unconfirmed marks a status set locally that the server has not echoed yet.
	unconfirmed bool
}

// Unconfirmed reports whether Status is an optimistic local value.
func (o *Offer) Unconfirmed() bool { return o.unconfirmed }

func (o *Offer) Kind() ItemKind       { return KindOffer }
func (o *Offer) Timestamp() time.Time { return o.CreatedAt }
func (o *Offer) key() itemKey         { return itemKey{kind: KindOffer, id: o.ID} }

func (o *Offer) clone() TimelineItem {
	c := *o
	return &c
}

// ============================================================================
// REST Wire Types
// ============================================================================

// History is the initial load of a conversation.
type History struct {
	ListingID ListingID
	SelfID    UserID
	Items     []TimelineItem
	// Skipped counts wire items that could not be decoded.
	Skipped int
}

type historyResponse struct {
	AdID         ListingID         `json:"ad_id"`
	UserID       UserID            `json:"userId"`
	Conversation []json.RawMessage `json:"conversation"`
}

type wireItem struct {
	ID            ItemID          `json:"id"`
	Type          string          `json:"type"`
	ChatID        ChatID          `json:"chat_id"`
	SentBy        UserID          `json:"sent_by"`
	Text          string          `json:"text"`
	Read          flexBool        `json:"read"`
	UserID        UserID          `json:"user_id"`
	OfferPrice    decimal.Decimal `json:"offer_price"`
	StatusOfferID int             `json:"status_offer_id"`
	CreatedAt     string          `json:"created_at"`
}

func (w *wireItem) toItem(chatID ChatID) (TimelineItem, error) {
	if w.ID == 0 {
		return nil, fmt.Errorf("%s item without id", w.Type)
	}
	created, err := parseTimestamp(w.CreatedAt)
	if err != nil {
		return nil, err
	}
	switch w.Type {
	case "message":
		if w.ChatID != 0 {
			chatID = w.ChatID
		}
		return &Message{
			ID:        w.ID,
			ChatID:    chatID,
			SenderID:  w.SentBy,
			Text:      w.Text,
			Read:      bool(w.Read),
			CreatedAt: created,
		}, nil
	case "offer":
		status, err := OfferStatusFromWire(w.StatusOfferID)
		if err != nil {
			return nil, err
		}
		return &Offer{
			ID:         w.ID,
			ChatID:     chatID,
			ProposerID: w.UserID,
			Amount:     w.OfferPrice,
			Status:     status,
			CreatedAt:  created,
		}, nil
	}
	return nil, fmt.Errorf("unknown item type %q", w.Type)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing created_at")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}

// SendMessageRequest is the body of POST /marketplace/sendmessage.
type SendMessageRequest struct {
	Text      string    `json:"message"`
	ChatID    ChatID    `json:"chat_id"`
	ListingID ListingID `json:"anuncio_id"`
	// IdempotencyKey travels as the X-Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// SendOfferRequest is the body of POST /marketplace/sendOffer.
type SendOfferRequest struct {
	ListingID ListingID       `json:"ad_id"`
	Amount    decimal.Decimal `json:"offer_price"`
}

// RespondOfferRequest is the body of POST /marketplace/respondoffer.
type RespondOfferRequest struct {
	OfferID ItemID `json:"offer_id"`
	Accept  bool   `json:"accept"`
}

// ChatSummary is one row of the conversation list.
type ChatSummary struct {
	ChatID       ChatID   `json:"ad_chat"`
	ListingTitle string   `json:"ad_title"`
	ListingImage string   `json:"ad_img"`
	Counterpart  string   `json:"username_chat"`
	LastMessage  string   `json:"lastmessage"`
	LastSenderID UserID   `json:"sent_by"`
	Read         flexBool `json:"read"`
	DateTime     string   `json:"date_time"`
}

// Unread reports whether the last message came from the counterpart and has
// not been read by self.
func (c *ChatSummary) Unread(self UserID) bool {
	return c.LastSenderID != self && !bool(c.Read)
}

// LastActivity parses DateTime.
func (c *ChatSummary) LastActivity() (time.Time, error) {
	return parseTimestamp(c.DateTime)
}

// ChatList is the response of GET /marketplace/getchats.
type ChatList struct {
	Chats  []ChatSummary `json:"chatAds"`
	SelfID UserID        `json:"user_id"`
}

type createChatRequest struct {
	ListingID ListingID `json:"ad_id"`
	SellerID  UserID    `json:"seller_id"`
}

type createChatResponse struct {
	ChatID ChatID `json:"chat_id"`
}
