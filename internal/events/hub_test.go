package events

import (
	"testing"
	"time"

	"github.com/amityvox/deliveryservice/internal/models"
)

func TestHub_DispatchDeliversToSubscribedConvo(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1", "convo-2"})
	defer h.Unsubscribe(ch)

	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-1", Kind: models.EventMessageReceived})

	select {
	case entry := <-ch:
		if entry.ConvoID != "convo-1" {
			t.Fatalf("delivered entry for convo %q, want convo-1", entry.ConvoID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event to be delivered")
	}
}

func TestHub_DispatchFiltersUnrelatedConvo(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1"})
	defer h.Unsubscribe(ch)

	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-other", Kind: models.EventMessageReceived})

	select {
	case entry := <-ch:
		t.Fatalf("unexpected event delivered for unrelated convo: %+v", entry)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1"})
	h.Unsubscribe(ch)

	if h.SubscriberCount("convo-1") != 0 {
		t.Fatal("expected subscriber count to drop to zero after unsubscribe")
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestHub_JoinConversation_DeliversAfterJoin(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1"})
	defer h.Unsubscribe(ch)

	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-2", Kind: models.EventMembershipChanged})
	select {
	case <-ch:
		t.Fatal("should not receive event before joining convo-2")
	case <-time.After(20 * time.Millisecond):
	}

	h.JoinConversation(ch, "convo-2")
	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-2", Kind: models.EventMembershipChanged})
	select {
	case entry := <-ch:
		if entry.ConvoID != "convo-2" {
			t.Fatalf("got convo %q, want convo-2", entry.ConvoID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected event after joining convo-2")
	}
}

func TestHub_LeaveConversation_StopsDelivery(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1"})
	defer h.Unsubscribe(ch)

	h.LeaveConversation(ch, "convo-1")
	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-1", Kind: models.EventMessageReceived})

	select {
	case entry := <-ch:
		t.Fatalf("unexpected event delivered after leaving conversation: %+v", entry)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Dispatch_SkipsFullSubscriberWithoutBlocking(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe([]string{"convo-1"})
	defer h.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Dispatch(models.EventStreamEntry{ConvoID: "convo-1", Kind: models.EventMessageReceived})
	}
	// Dispatch must not block even once the subscriber's buffer is full.
}

func TestHub_MultipleSubscribersSameConvo(t *testing.T) {
	h := NewHub()
	chA := h.Subscribe([]string{"convo-1"})
	chB := h.Subscribe([]string{"convo-1"})
	defer h.Unsubscribe(chA)
	defer h.Unsubscribe(chB)

	if got := h.SubscriberCount("convo-1"); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	h.Dispatch(models.EventStreamEntry{ConvoID: "convo-1", Kind: models.EventMessageReceived})
	for _, ch := range []chan models.EventStreamEntry{chA, chB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("expected both subscribers to receive the event")
		}
	}
}
