package events

import (
	"sync"

	"github.com/amityvox/deliveryservice/internal/models"
)

// subscriberBuffer bounds how many undelivered events a slow SSE client may
// accumulate. Once its channel is full, further events for that subscriber
// are dropped (see Dispatch); the subscriber stays connected.
const subscriberBuffer = 64

// Hub fans out live event-stream entries to local SSE subscribers, filtering
// each event by the subscriber's current conversation membership (§4.F:
// "membership is consulted per event"). One Hub runs per replica; Bus feeds
// it entries received over NATS so every replica's subscribers stay in sync
// regardless of which replica handled the mutating request.
type Hub struct {
	mu        sync.RWMutex
	convoSubs map[string]map[chan models.EventStreamEntry]struct{}
	subConvos map[chan models.EventStreamEntry]map[string]struct{}
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{
		convoSubs: make(map[string]map[chan models.EventStreamEntry]struct{}),
		subConvos: make(map[chan models.EventStreamEntry]map[string]struct{}),
	}
}

// Subscribe registers a new SSE client interested in convoIDs and returns the
// channel events will be delivered on. Call Unsubscribe when the client
// disconnects.
func (h *Hub) Subscribe(convoIDs []string) chan models.EventStreamEntry {
	ch := make(chan models.EventStreamEntry, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	convos := make(map[string]struct{}, len(convoIDs))
	for _, convoID := range convoIDs {
		convos[convoID] = struct{}{}
		if h.convoSubs[convoID] == nil {
			h.convoSubs[convoID] = make(map[chan models.EventStreamEntry]struct{})
		}
		h.convoSubs[convoID][ch] = struct{}{}
	}
	h.subConvos[ch] = convos
	return ch
}

// Unsubscribe removes ch from every conversation it was registered for and
// closes it. Safe to call once per channel returned by Subscribe.
func (h *Hub) Unsubscribe(ch chan models.EventStreamEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for convoID := range h.subConvos[ch] {
		delete(h.convoSubs[convoID], ch)
		if len(h.convoSubs[convoID]) == 0 {
			delete(h.convoSubs, convoID)
		}
	}
	delete(h.subConvos, ch)
	close(ch)
}

// JoinConversation adds convoID to ch's subscription set, used when a
// membership_changed event admits the subscriber's DID to a new conversation
// mid-connection without requiring a reconnect.
func (h *Hub) JoinConversation(ch chan models.EventStreamEntry, convoID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.convoSubs[convoID] == nil {
		h.convoSubs[convoID] = make(map[chan models.EventStreamEntry]struct{})
	}
	h.convoSubs[convoID][ch] = struct{}{}
	if h.subConvos[ch] == nil {
		h.subConvos[ch] = make(map[string]struct{})
	}
	h.subConvos[ch][convoID] = struct{}{}
}

// LeaveConversation removes convoID from ch's subscription set without
// closing ch, used when a removeMember/leaveConvo event drops the
// subscriber's DID from a conversation mid-connection.
func (h *Hub) LeaveConversation(ch chan models.EventStreamEntry, convoID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.convoSubs[convoID], ch)
	if len(h.convoSubs[convoID]) == 0 {
		delete(h.convoSubs, convoID)
	}
	delete(h.subConvos[ch], convoID)
}

// Dispatch delivers entry to every subscriber currently registered for its
// conversation. Subscribers whose channel is full are skipped rather than
// blocking the dispatcher, and the skipped entry is not redelivered on that
// connection; neither the Hub nor the SSE handler disconnects such a client.
func (h *Hub) Dispatch(entry models.EventStreamEntry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.convoSubs[entry.ConvoID] {
		select {
		case ch <- entry:
		default:
		}
	}
}

// SubscriberCount reports how many live subscribers are registered for
// convoID, used in tests and metrics.
func (h *Hub) SubscriberCount(convoID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.convoSubs[convoID])
}
