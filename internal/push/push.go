// Package push sends WebPush notifications for messages fanned out by
// internal/fanout (§4.G, §4.I). Adapted from the teacher's
// internal/notifications package: same webpush-go client and VAPID
// configuration, but the payload carries the DS's opaque ciphertext
// envelope instead of a human-readable notification body, since the push
// provider must never see plaintext.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/amityvox/deliveryservice/internal/fanout"
)

// Service dispatches WebPush notifications using VAPID credentials.
type Service struct {
	logger     *slog.Logger
	vapidPub   string
	vapidPriv  string
	vapidEmail string
}

// Config holds the settings needed to construct a Service.
type Config struct {
	Logger            *slog.Logger
	VAPIDPublicKey    string
	VAPIDPrivateKey   string
	VAPIDContactEmail string
}

func NewService(cfg Config) *Service {
	return &Service{
		logger:     cfg.Logger,
		vapidPub:   cfg.VAPIDPublicKey,
		vapidPriv:  cfg.VAPIDPrivateKey,
		vapidEmail: cfg.VAPIDContactEmail,
	}
}

// Enabled reports whether VAPID keys are configured; fan-out's push phase
// is skipped entirely when they are not (e.g. local development).
func (s *Service) Enabled() bool {
	return s.vapidPub != "" && s.vapidPriv != ""
}

// subscription mirrors the Push API's PushSubscriptionJSON shape. A
// device's push_token column stores one of these, JSON-encoded, since the
// devices table (unlike the teacher's dedicated push_subscriptions table)
// holds a single opaque token per device alongside its platform tag.
type subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Push implements fanout.Pusher: it decodes the recipient's stored
// subscription and sends payload as the encrypted WebPush message body.
// Gone/not-found responses are reported back to the caller so a stale
// device row can be cleaned up; platform is accepted for interface
// symmetry with other push backends but does not change behavior here.
func (s *Service) Push(ctx context.Context, pushToken, platform string, payload fanout.PushPayload) error {
	if !s.Enabled() {
		return nil
	}

	var sub subscription
	if err := json.Unmarshal([]byte(pushToken), &sub); err != nil {
		return fmt.Errorf("decoding push subscription: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling push payload: %w", err)
	}

	resp, err := webpush.SendNotification(body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapidPub,
		VAPIDPrivateKey: s.vapidPriv,
		Subscriber:      s.vapidEmail,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("sending push notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return fanout.ErrStaleSubscription
	}
	if resp.StatusCode >= 300 {
		s.logger.Debug("push notification non-2xx response", slog.Int("status", resp.StatusCode))
	}
	return nil
}
