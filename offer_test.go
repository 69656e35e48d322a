package condochat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferStatusFromWire(t *testing.T) {
	for id, want := range map[int]OfferStatus{1: OfferPending, 2: OfferAccepted, 3: OfferRejected} {
		got, err := OfferStatusFromWire(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := OfferStatusFromWire(4)
	assert.Error(t, err)
}

func TestCanRespond(t *testing.T) {
	tests := []struct {
		name      string
		status    OfferStatus
		responder UserID
		want      error
	}{
		{"counterpart on pending", OfferPending, 1, nil},
		{"proposer on pending", OfferPending, 2, ErrSelfResponse},
		{"counterpart on accepted", OfferAccepted, 1, ErrOfferNotPending},
		{"counterpart on rejected", OfferRejected, 1, ErrOfferNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := offer(1, 2, "10", tt.status, 0)
			err := CanRespond(o, tt.responder)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestOffer_OptimisticThenAuthoritativeOverride(t *testing.T) {
	o := offer(1, 2, "10", OfferPending, 0)

	require.NoError(t, o.applyOptimistic(OfferAccepted))
	assert.Equal(t, OfferAccepted, o.Status)
	assert.True(t, o.Unconfirmed())

	// A second local response is refused while the first is in flight.
	assert.ErrorIs(t, o.applyOptimistic(OfferRejected), ErrOfferNotPending)

	changed, err := o.applyAuthoritative(OfferRejected)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, OfferRejected, o.Status)
	assert.False(t, o.Unconfirmed())

	_, err = o.applyAuthoritative(OfferAccepted)
	assert.ErrorIs(t, err, ErrOfferTerminal)
	assert.Equal(t, OfferRejected, o.Status)
}

func TestOffer_AuthoritativeConfirmsSameStatus(t *testing.T) {
	o := offer(1, 2, "10", OfferPending, 0)
	require.NoError(t, o.applyOptimistic(OfferAccepted))

	changed, err := o.applyAuthoritative(OfferAccepted)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, o.Unconfirmed())

	changed, err = o.applyAuthoritative(OfferAccepted)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestOffer_AuthoritativePendingIsIgnored(t *testing.T) {
	o := offer(1, 2, "10", OfferPending, 0)
	require.NoError(t, o.applyOptimistic(OfferRejected))

	changed, err := o.applyAuthoritative(OfferPending)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, OfferRejected, o.Status)
}

func TestOffer_Revert(t *testing.T) {
	o := offer(1, 2, "10", OfferPending, 0)
	assert.False(t, o.revertOptimistic())

	require.NoError(t, o.applyOptimistic(OfferAccepted))
	assert.True(t, o.revertOptimistic())
	assert.Equal(t, OfferPending, o.Status)

	require.NoError(t, o.applyOptimistic(OfferAccepted))
	_, err := o.applyAuthoritative(OfferAccepted)
	require.NoError(t, err)
	// Confirmed values survive a late failure.
	assert.False(t, o.revertOptimistic())
	assert.Equal(t, OfferAccepted, o.Status)
}

func TestOffer_OptimisticRequiresTerminal(t *testing.T) {
	o := offer(1, 2, "10", OfferPending, 0)
	assert.Error(t, o.applyOptimistic(OfferPending))
	assert.Equal(t, OfferPending, o.Status)
}
