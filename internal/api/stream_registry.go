package api

import (
	"sync"

	"github.com/amityvox/deliveryservice/internal/models"
)

// streamRegistry tracks which credential DIDs have a live
// chat.streamConvoEvents connection open on this replica, so that a
// membership change (addMembers/removeMember/leaveConvo/
// processExternalCommit) can join or leave the affected DID's open
// stream(s) to the Hub's per-conversation subscriber set without requiring
// the client to reconnect (§4.F: "membership is consulted per event").
type streamRegistry struct {
	mu   sync.Mutex
	subs map[string]map[chan models.EventStreamEntry]struct{}
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{subs: make(map[string]map[chan models.EventStreamEntry]struct{})}
}

func (r *streamRegistry) register(credentialDID string, ch chan models.EventStreamEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[credentialDID] == nil {
		r.subs[credentialDID] = make(map[chan models.EventStreamEntry]struct{})
	}
	r.subs[credentialDID][ch] = struct{}{}
}

func (r *streamRegistry) unregister(credentialDID string, ch chan models.EventStreamEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[credentialDID], ch)
	if len(r.subs[credentialDID]) == 0 {
		delete(r.subs, credentialDID)
	}
}

func (r *streamRegistry) channelsFor(credentialDID string) []chan models.EventStreamEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	chs := make([]chan models.EventStreamEntry, 0, len(r.subs[credentialDID]))
	for ch := range r.subs[credentialDID] {
		chs = append(chs, ch)
	}
	return chs
}
