package condochat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	err := v.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	if err != nil {
		panic(fmt.Sprintf("condochat: register positive_amount: %v", err))
	}
	return v
}

type messageInput struct {
	Text string `validate:"required"`
}

type offerInput struct {
	Amount decimal.Decimal `validate:"positive_amount"`
}

type respondInput struct {
	OfferID ItemID `validate:"gt=0"`
}

const (
	cmdSendMessage  = "send_message"
	cmdSendOffer    = "send_offer"
	cmdRespondOffer = "respond_offer"
)

// SendMessage posts text to the open conversation. The message shows up at
// once as provisional and is confirmed by its push echo. A failed send is
// reported through the Notifier and the provisional message stays.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	s := e.Active()
	if s == nil {
		return e.reject(cmdSendMessage, 0, "no_conversation", ErrNoConversation)
	}
	text = strings.TrimSpace(text)
	if err := validate.Struct(messageInput{Text: text}); err != nil {
		return e.reject(cmdSendMessage, s.chatID, "empty_message", ErrEmptyMessage)
	}
	if err := e.allow(cmdSendMessage, s.chatID); err != nil {
		return err
	}

	msg := Message{
		ClientID:  uuid.NewString(),
		ChatID:    s.chatID,
		SenderID:  s.selfID,
		Text:      text,
		CreatedAt: e.now().UTC(),
	}
	s.addProvisional(msg)

	err := e.api.SendMessage(ctx, &SendMessageRequest{
		Text:           text,
		ChatID:         s.chatID,
		ListingID:      s.listingID,
		IdempotencyKey: msg.ClientID,
	})
	if err != nil {
		e.fail(cmdSendMessage, s.chatID, "Message could not be sent", err)
		return fmt.Errorf("send message: %w", err)
	}
	e.metrics.command(cmdSendMessage, "ok")
	return nil
}

// SendOffer proposes amount for the open conversation's listing. Nothing is
// inserted locally; the offer appears when the server broadcasts it.
func (e *Engine) SendOffer(ctx context.Context, amount decimal.Decimal) error {
	s := e.Active()
	if s == nil {
		return e.reject(cmdSendOffer, 0, "no_conversation", ErrNoConversation)
	}
	if err := validate.Struct(offerInput{Amount: amount}); err != nil {
		return e.reject(cmdSendOffer, s.chatID, "invalid_amount", ErrInvalidAmount)
	}
	if err := e.allow(cmdSendOffer, s.chatID); err != nil {
		return err
	}

	err := e.api.SendOffer(ctx, &SendOfferRequest{ListingID: s.listingID, Amount: amount})
	if err != nil {
		e.fail(cmdSendOffer, s.chatID, "Offer could not be sent", err)
		return fmt.Errorf("send offer: %w", err)
	}
	e.metrics.command(cmdSendOffer, "ok")
	e.notifier.Notify(Notification{
		Severity: SeveritySuccess,
		ChatID:   s.chatID,
		Command:  cmdSendOffer,
		Message:  "Offer sent",
	})
	return nil
}

// RespondOffer accepts or rejects a pending offer made by the counterpart.
// The new status is shown immediately and rolled back if the request fails.
func (e *Engine) RespondOffer(ctx context.Context, offerID ItemID, accept bool) error {
	s := e.Active()
	if s == nil {
		return e.reject(cmdRespondOffer, 0, "no_conversation", ErrNoConversation)
	}
	if err := validate.Struct(respondInput{OfferID: offerID}); err != nil {
		return e.reject(cmdRespondOffer, s.chatID, "offer_not_found", ErrOfferNotFound)
	}
	status := OfferRejected
	if accept {
		status = OfferAccepted
	}

	offer, ok := s.timeline.Offer(offerID)
	if !ok {
		return e.reject(cmdRespondOffer, s.chatID, "offer_not_found", ErrOfferNotFound)
	}
	if err := CanRespond(&offer, s.selfID); err != nil {
		return e.reject(cmdRespondOffer, s.chatID, respondCode(err), err)
	}
	if err := e.allow(cmdRespondOffer, s.chatID); err != nil {
		return err
	}
	if err := s.respondOffer(offerID, status); err != nil {
		return e.reject(cmdRespondOffer, s.chatID, respondCode(err), err)
	}

	err := e.api.RespondOffer(ctx, &RespondOfferRequest{OfferID: offerID, Accept: accept})
	if err != nil {
		if cur := e.sessionFor(s.chatID); cur != nil {
			cur.revertOffer(offerID)
		}
		e.fail(cmdRespondOffer, s.chatID, "Could not respond to the offer", err)
		return fmt.Errorf("respond to offer %d: %w", offerID, err)
	}
	e.metrics.command(cmdRespondOffer, "ok")

	msg := "Offer rejected"
	if accept {
		msg = "Offer accepted"
	}
	e.notifier.Notify(Notification{
		Severity: SeveritySuccess,
		ChatID:   s.chatID,
		Command:  cmdRespondOffer,
		Message:  msg,
	})
	return nil
}

func respondCode(err error) string {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		return "offer_not_found"
	case errors.Is(err, ErrOfferNotPending):
		return "offer_not_pending"
	case errors.Is(err, ErrSelfResponse):
		return "self_response"
	case errors.Is(err, ErrNoConversation):
		return "no_conversation"
	}
	return "invalid"
}

func (e *Engine) allow(command string, chatID ChatID) error {
	if e.limiter.Allow() {
		return nil
	}
	e.metrics.command(command, "rate_limited")
	return e.notifyRejected(command, chatID, newValidationError("rate_limited", ErrRateLimited))
}

// reject reports a precondition failure. Nothing was sent and local state
// is unchanged.
func (e *Engine) reject(command string, chatID ChatID, code string, err error) error {
	e.metrics.command(command, "invalid")
	return e.notifyRejected(command, chatID, newValidationError(code, err))
}

func (e *Engine) notifyRejected(command string, chatID ChatID, verr *ValidationError) error {
	e.notifier.Notify(Notification{
		Severity: SeverityInfo,
		ChatID:   chatID,
		Command:  command,
		Message:  verr.Message,
		Err:      verr,
	})
	return verr
}

func (e *Engine) fail(command string, chatID ChatID, msg string, err error) {
	e.metrics.command(command, "error")
	e.logger.Error("command failed", "command", command, "chat_id", int64(chatID), "error", err)
	e.notifier.Notify(Notification{
		Severity: SeverityError,
		ChatID:   chatID,
		Command:  command,
		Message:  msg,
		Err:      err,
	})
}
