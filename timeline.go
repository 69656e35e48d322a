package condochat

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Timeline holds the ordered, deduplicated items of one open conversation.
// Items are ordered by creation time, then id, with messages before offers
// on a full tie. Each (kind, id) pair appears at most once.
type Timeline struct {
	mu     sync.RWMutex
	items  []TimelineItem
	index  map[itemKey]TimelineItem
	logger *slog.Logger
}

// NewTimeline creates an empty timeline.
func NewTimeline(logger *slog.Logger) *Timeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		index:  make(map[itemKey]TimelineItem),
		logger: logger,
	}
}

func itemLess(a, b TimelineItem) bool {
	ta, tb := a.Timestamp(), b.Timestamp()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	ka, kb := a.key(), b.key()
	if ka.id != kb.id {
		return ka.id < kb.id
	}
	if ka.kind != kb.kind {
		return ka.kind < kb.kind
	}
	return ka.clientID < kb.clientID
}

// LoadInitial replaces the contents with items. Duplicates after the first
// occurrence are dropped.
func (t *Timeline) LoadInitial(items []TimelineItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items = make([]TimelineItem, 0, len(items))
	t.index = make(map[itemKey]TimelineItem, len(items))
	for _, it := range items {
		it = it.clone()
		k := it.key()
		if _, dup := t.index[k]; dup {
			continue
		}
		t.index[k] = it
		t.items = append(t.items, it)
	}
	sort.SliceStable(t.items, func(i, j int) bool { return itemLess(t.items[i], t.items[j]) })
}

// AppendMessage inserts m unless a message with the same id is present.
func (t *Timeline) AppendMessage(m Message) bool {
	if m.ID == 0 && m.ClientID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(&m)
}

// AppendOffer inserts o unless an offer with the same id is present.
func (t *Timeline) AppendOffer(o Offer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insert(&o)
}

func (t *Timeline) insert(it TimelineItem) bool {
	k := it.key()
	if _, ok := t.index[k]; ok {
		return false
	}
	pos := sort.Search(len(t.items), func(i int) bool { return itemLess(it, t.items[i]) })
	t.items = append(t.items, nil)
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = it
	t.index[k] = it
	return true
}

func (t *Timeline) remove(it TimelineItem) {
	for i, cur := range t.items {
		if cur == it {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	delete(t.index, it.key())
}

// ConfirmMessage gives the provisional message clientID its server id and
// text. The provisional creation time is kept. If serverID is already
// present the provisional copy is dropped. Returns false if clientID is
// unknown.
func (t *Timeline) ConfirmMessage(clientID string, serverID ItemID, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[itemKey{kind: KindMessage, clientID: clientID}]
	if !ok {
		return false
	}
	t.remove(it)
	if _, exists := t.index[itemKey{kind: KindMessage, id: serverID}]; exists {
		return true
	}
	m := it.(*Message)
	m.ID = serverID
	m.Text = text
	t.insert(m)
	return true
}

// pendingEcho returns the client id of the earliest provisional message
// from sender whose text equals text.
func (t *Timeline) pendingEcho(sender UserID, text string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, it := range t.items {
		m, ok := it.(*Message)
		if ok && m.Provisional() && m.SenderID == sender && m.Text == text {
			return m.ClientID, true
		}
	}
	return "", false
}

// UpdateMessageRead marks a message read. Unknown ids and already-read
// messages are left alone.
func (t *Timeline) UpdateMessageRead(id ItemID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[itemKey{kind: KindMessage, id: id}]
	if !ok {
		return false
	}
	m := it.(*Message)
	if m.Read {
		return false
	}
	m.Read = true
	return true
}

// UpdateOfferStatus applies an authoritative status. Transitions the offer
// state machine rejects leave the offer unchanged.
func (t *Timeline) UpdateOfferStatus(id ItemID, status OfferStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[itemKey{kind: KindOffer, id: id}]
	if !ok {
		return ErrOfferNotFound
	}
	if _, err := it.(*Offer).applyAuthoritative(status); err != nil {
		t.logger.Warn("offer transition rejected", "offer_id", id, "status", status.String(), "error", err)
		return err
	}
	return nil
}

// respondOffer checks and applies a local response atomically.
func (t *Timeline) respondOffer(id ItemID, responder UserID, status OfferStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[itemKey{kind: KindOffer, id: id}]
	if !ok {
		return ErrOfferNotFound
	}
	o := it.(*Offer)
	if err := CanRespond(o, responder); err != nil {
		return err
	}
	return o.applyOptimistic(status)
}

func (t *Timeline) revertOffer(id ItemID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.index[itemKey{kind: KindOffer, id: id}]
	if !ok {
		return false
	}
	return it.(*Offer).revertOptimistic()
}

// Snapshot returns an ordered copy of the items.
func (t *Timeline) Snapshot() []TimelineItem {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TimelineItem, len(t.items))
	for i, it := range t.items {
		out[i] = it.clone()
	}
	return out
}

// Message returns a copy of the confirmed message with id.
func (t *Timeline) Message(id ItemID) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if it, ok := t.index[itemKey{kind: KindMessage, id: id}]; ok {
		return *it.(*Message), true
	}
	return Message{}, false
}

// Offer returns a copy of the offer with id.
func (t *Timeline) Offer(id ItemID) (Offer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if it, ok := t.index[itemKey{kind: KindOffer, id: id}]; ok {
		return *it.(*Offer), true
	}
	return Offer{}, false
}

// Len returns the number of items.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func isNotFound(err error) bool { return errors.Is(err, ErrOfferNotFound) }
