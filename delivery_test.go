package condochat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryTracker_State(t *testing.T) {
	d := DeliveryTracker{Self: 1}

	read := msg(2, 1, "seen", 2)
	read.Read = true

	tests := []struct {
		name string
		item TimelineItem
		want DeliveryState
	}{
		{"own unread", msg(1, 1, "hi", 1), DeliverySent},
		{"own read", read, DeliveryRead},
		{"own provisional", &Message{ClientID: "c", SenderID: 1, CreatedAt: at(3)}, DeliverySent},
		{"counterpart", msg(3, 2, "hello", 3), DeliveryNone},
		{"offer", offer(4, 1, "10", OfferPending, 4), DeliveryNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.State(tt.item))
		})
	}
}

func TestDeliveryTracker_UnreadFromCounterpart(t *testing.T) {
	d := DeliveryTracker{Self: 1}
	seen := msg(3, 2, "seen", 3)
	seen.Read = true

	items := []TimelineItem{
		msg(1, 1, "mine", 1),
		msg(2, 2, "new", 2),
		seen,
		offer(4, 2, "5", OfferPending, 4),
		msg(5, 2, "newer", 5),
	}
	assert.Equal(t, 2, d.UnreadFromCounterpart(items))
}
