package api

import (
	"encoding/base64"
	"net/http"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type markNeedsRejoinRequest struct {
	ConvoID string `json:"convo_id"`
}

type markNeedsRejoinResponse struct {
	Accepted bool `json:"accepted"`
}

// handleMarkNeedsRejoin implements chat.markNeedsRejoin (§6): the caller's
// own device flags itself as unable to decrypt, requesting a fresh external
// commit be solicited.
//
// POST /xrpc/chat.markNeedsRejoin
func (s *Server) handleMarkNeedsRejoin(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req markNeedsRejoinRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	accepted, err := s.Convo.MarkNeedsRejoin(r.Context(), req.ConvoID, id.CredentialDID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to mark needs_rejoin", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, markNeedsRejoinResponse{Accepted: accepted})
}

type getWelcomeResponse struct {
	Welcome string `json:"welcome,omitempty"`
}

// handleGetWelcome implements chat.getWelcome (§6): consumes and returns the
// oldest pending Welcome addressed to the caller's own credential DID in
// this conversation, if any.
//
// GET /xrpc/chat.getWelcome
func (s *Server) handleGetWelcome(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	convoID := r.URL.Query().Get("convo_id")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, "missing_convo_id", "convo_id is required")
		return
	}

	welcome, err := s.Convo.GetWelcome(r.Context(), convoID, id.CredentialDID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to load welcome", err)
		return
	}
	if welcome == nil {
		apiutil.WriteJSON(w, http.StatusOK, getWelcomeResponse{})
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, getWelcomeResponse{
		Welcome: base64.StdEncoding.EncodeToString(welcome.Data),
	})
}

type deliverWelcomeRequest struct {
	ConvoID             string `json:"convo_id"`
	TargetCredentialDID string `json:"target_credential_did"`
	Welcome             string `json:"welcome"`
}

// handleDeliverWelcome implements chat.deliverWelcome (§6): an active member
// delivers a Welcome it produced for a joining or rejoining device, in
// response to a welcome_available solicitation (§4.G).
//
// POST /xrpc/chat.deliverWelcome
func (s *Server) handleDeliverWelcome(w http.ResponseWriter, r *http.Request) {
	var req deliverWelcomeRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Welcome)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_welcome", "welcome must be base64-encoded")
		return
	}

	if err := s.Convo.DeliverWelcome(r.Context(), req.ConvoID, req.TargetCredentialDID, data); err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}
