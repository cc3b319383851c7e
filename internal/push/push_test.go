package push

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/amityvox/deliveryservice/internal/fanout"
)

func testService() *Service {
	return NewService(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestService_Enabled(t *testing.T) {
	if testService().Enabled() {
		t.Fatal("expected service with no VAPID keys to be disabled")
	}
	s := NewService(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"})
	if !s.Enabled() {
		t.Fatal("expected service with VAPID keys to be enabled")
	}
}

func TestService_Push_NoopWhenDisabled(t *testing.T) {
	s := testService()
	err := s.Push(context.Background(), `{"endpoint":"https://example.com"}`, "web", fanout.PushPayload{ConvoID: "convo-1"})
	if err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestService_Push_InvalidSubscriptionJSON(t *testing.T) {
	s := NewService(Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"})
	err := s.Push(context.Background(), "not json", "web", fanout.PushPayload{ConvoID: "convo-1"})
	if err == nil {
		t.Fatal("expected error decoding malformed subscription")
	}
}
