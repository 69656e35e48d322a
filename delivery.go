package condochat

// DeliveryState is the read-receipt indicator of a timeline item.
type DeliveryState int

const (
	// DeliveryNone applies to offers and to messages from the counterpart.
	DeliveryNone DeliveryState = iota
	DeliverySent
	DeliveryRead
)

func (s DeliveryState) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryRead:
		return "read"
	}
	return "none"
}

// DeliveryTracker derives read receipts for messages written by Self.
type DeliveryTracker struct {
	Self UserID
}

// State returns the indicator to show next to item.
func (d DeliveryTracker) State(item TimelineItem) DeliveryState {
	m, ok := item.(*Message)
	if !ok || m.SenderID != d.Self {
		return DeliveryNone
	}
	if m.Read {
		return DeliveryRead
	}
	return DeliverySent
}

// UnreadFromCounterpart counts counterpart messages not yet read by Self.
func (d DeliveryTracker) UnreadFromCounterpart(items []TimelineItem) int {
	n := 0
	for _, it := range items {
		if m, ok := it.(*Message); ok && m.SenderID != d.Self && !m.Read {
			n++
		}
	}
	return n
}
