package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/viralforge/authcore/internal/ports"
)

// EventCodeDelivery is the event type a notification consumer picks up to
// deliver an MFA code.
const EventCodeDelivery = "mfa_code_delivery"

// CodeSender hands one-time codes to the notification pipeline as events.
// One sender is bound to a channel ("sms" or "email").
type CodeSender struct {
	publisher ports.EventPublisher
	channel   string
	nowFn     func() time.Time
}

func NewCodeSender(publisher ports.EventPublisher, channel string, nowFn func() time.Time) *CodeSender {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &CodeSender{publisher: publisher, channel: channel, nowFn: nowFn}
}

type codeDelivery struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	Code        string    `json:"code"`
	RequestedAt time.Time `json:"requested_at"`
}

func (s *CodeSender) SendCode(ctx context.Context, destination, code string) error {
	payload, err := json.Marshal(codeDelivery{
		Channel:     s.channel,
		Destination: destination,
		Code:        code,
		RequestedAt: s.nowFn(),
	})
	if err != nil {
		return fmt.Errorf("encode code delivery: %w", err)
	}
	if err := s.publisher.Publish(ctx, EventCodeDelivery, payload); err != nil {
		return fmt.Errorf("publish %s code delivery: %w", s.channel, err)
	}
	return nil
}
