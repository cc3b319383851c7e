package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/identity"
	"github.com/amityvox/deliveryservice/internal/models"
)

// streamBackfillLimit bounds how many missed events are replayed per
// conversation when a client reconnects with Last-Event-ID.
const streamBackfillLimit = 500

// handleStreamConvoEvents implements chat.streamConvoEvents (§6): a
// long-lived Server-Sent Events connection delivering every event for a
// conversation the authenticated DID currently participates in. A
// Last-Event-ID header, if present, is treated as the caller's last seen
// cursor and triggers a backfill of everything strictly after it before
// live events resume.
//
// GET /xrpc/chat.streamConvoEvents
func (s *Server) handleStreamConvoEvents(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		apiutil.WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming responses")
		return
	}

	convoIDs, err := s.Convo.GetExpectedConversations(r.Context(), id.UserDID)
	if err != nil {
		s.Logger.Error("failed to load expected conversations for stream", "error", err)
		http.Error(w, "failed to load conversations", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	GlobalMetrics.SSEConnectionsTotal.Add(1)
	GlobalMetrics.SSEConnectionsCurr.Add(1)
	defer GlobalMetrics.SSEConnectionsCurr.Add(-1)

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		cursor, err := models.ParseULID(lastID)
		if err == nil {
			for _, convoID := range convoIDs {
				entries, err := s.EventBus.Backfill(r.Context(), convoID, cursor, streamBackfillLimit)
				if err != nil {
					s.Logger.Error("stream backfill failed", "convo_id", convoID, "error", err)
					continue
				}
				for _, e := range entries {
					if !writeSSEEvent(w, e) {
						return
					}
				}
			}
			flusher.Flush()
		}
	}

	ch := s.Hub.Subscribe(convoIDs)
	s.streamReg.register(id.CredentialDID, ch)
	defer func() {
		s.streamReg.unregister(id.CredentialDID, ch)
		s.Hub.Unsubscribe(ch)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, open := <-ch:
			if !open {
				return
			}
			if !writeSSEEvent(w, entry) {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event-stream frame and reports whether the write
// succeeded; a failed write means the client disconnected.
func writeSSEEvent(w http.ResponseWriter, entry models.EventStreamEntry) bool {
	body, err := json.Marshal(entry)
	if err != nil {
		return true
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.Cursor.String(), entry.Kind, body)
	return err == nil
}

// joinDIDStreams adds convoID to every live stream connection belonging to
// credentialDID, so a newly added member starts receiving that
// conversation's events without reconnecting.
func (s *Server) joinDIDStreams(credentialDID, convoID string) {
	for _, ch := range s.streamReg.channelsFor(credentialDID) {
		s.Hub.JoinConversation(ch, convoID)
	}
}

// leaveDIDStreams removes convoID from every live stream connection
// belonging to credentialDID, used after removeMember/leaveConvo.
func (s *Server) leaveDIDStreams(credentialDID, convoID string) {
	for _, ch := range s.streamReg.channelsFor(credentialDID) {
		s.Hub.LeaveConversation(ch, convoID)
	}
}
