package api

import (
	"net/http"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type createConvoRequest struct {
	Invites []string `json:"invites"`
	Title   *string  `json:"title,omitempty"`
}

type createConvoResponse struct {
	ConvoID string `json:"convo_id"`
	Epoch   int64  `json:"epoch"`
}

// handleCreateConvo implements chat.createConvo (§6): the caller becomes the
// conversation's sole admin at epoch 0.
//
// POST /xrpc/chat.createConvo
func (s *Server) handleCreateConvo(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req createConvoRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	convoID, err := s.Convo.CreateConvo(r.Context(), id.CredentialDID, req.Invites, req.Title)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	s.joinDIDStreams(id.CredentialDID, convoID)
	apiutil.WriteJSON(w, http.StatusOK, createConvoResponse{ConvoID: convoID, Epoch: 0})
}

// handleGetExpectedConversations implements chat.getExpectedConversations
// (§6): the set of conversations a newly online client should expect to
// replay events for.
//
// GET /xrpc/chat.getExpectedConversations
func (s *Server) handleGetExpectedConversations(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	convoIDs, err := s.Convo.GetExpectedConversations(r.Context(), id.UserDID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to load expected conversations", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"convo_ids": convoIDs})
}
