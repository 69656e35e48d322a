package condochat

import "fmt"

// OfferStatus is the negotiation state of an offer.
type OfferStatus int

const (
	OfferPending OfferStatus = iota + 1
	OfferAccepted
	OfferRejected
)

func (s OfferStatus) String() string {
	switch s {
	case OfferPending:
		return "pending"
	case OfferAccepted:
		return "accepted"
	case OfferRejected:
		return "rejected"
	}
	return fmt.Sprintf("OfferStatus(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected
}

// OfferStatusFromWire maps the backend's status_offer_id.
func OfferStatusFromWire(id int) (OfferStatus, error) {
	switch id {
	case 1:
		return OfferPending, nil
	case 2:
		return OfferAccepted, nil
	case 3:
		return OfferRejected, nil
	}
	return 0, fmt.Errorf("unknown offer status id %d", id)
}

// CanRespond checks that responder may accept or reject o.
func CanRespond(o *Offer, responder UserID) error {
	if o.Status != OfferPending {
		return ErrOfferNotPending
	}
	if o.ProposerID == responder {
		return ErrSelfResponse
	}
	return nil
}

// applyOptimistic moves a pending offer to a locally chosen terminal status.
func (o *Offer) applyOptimistic(status OfferStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot respond with status %s", status)
	}
	if o.Status != OfferPending {
		return ErrOfferNotPending
	}
	o.Status = status
	o.unconfirmed = true
	return nil
}

// applyAuthoritative applies a server-reported status. The first
// authoritative terminal value wins over any optimistic one and is final.
// It reports whether the offer changed.
func (o *Offer) applyAuthoritative(status OfferStatus) (bool, error) {
	switch {
	case status == OfferPending:
		// The server never moves an offer back to pending.
		return false, nil
	case o.Status == OfferPending || o.unconfirmed:
		changed := o.Status != status || o.unconfirmed
		o.Status = status
		o.unconfirmed = false
		return changed, nil
	case o.Status == status:
		return false, nil
	}
	return false, fmt.Errorf("%w: offer %d is %s, got %s", ErrOfferTerminal, o.ID, o.Status, status)
}

// revertOptimistic undoes an unconfirmed local transition.
func (o *Offer) revertOptimistic() bool {
	if !o.unconfirmed {
		return false
	}
	o.Status = OfferPending
	o.unconfirmed = false
	return true
}
