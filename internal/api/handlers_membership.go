package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/amityvox/deliveryservice/internal/actor"
	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type addMembersRequest struct {
	ConvoID        string   `json:"convo_id"`
	Welcome        string   `json:"welcome"`
	Commit         string   `json:"commit"`
	Added          []string `json:"added"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type epochResponse struct {
	NewEpoch int64 `json:"new_epoch"`
}

// handleAddMembers implements chat.addMembers (§6): the caller must already
// be an active member, and every pair among the conversation's existing
// members plus the candidates being added must be free of a block in either
// direction (§4.H, §8 P8).
//
// POST /xrpc/chat.addMembers
func (s *Server) handleAddMembers(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req addMembersRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	commit, err := base64.StdEncoding.DecodeString(req.Commit)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_commit", "commit must be base64-encoded")
		return
	}
	welcome, err := base64.StdEncoding.DecodeString(req.Welcome)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_welcome", "welcome must be base64-encoded")
		return
	}

	if s.Admin != nil {
		existing, err := s.Actors.ListActiveMembers(r.Context(), req.ConvoID)
		if err != nil {
			apiutil.InternalError(w, s.Logger, "failed to list active members", err)
			return
		}
		candidates := append(append([]string{}, existing...), req.Added...)
		if err := s.Admin.EnforceBlockGate(r.Context(), candidates); err != nil {
			dserr.WriteJSON(w, err)
			return
		}
	}

	res, err := s.Actors.AddMembers(r.Context(), req.ConvoID, &actor.AddMembers{
		ActorDID:       id.CredentialDID,
		Commit:         commit,
		Welcome:        welcome,
		Added:          req.Added,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	for _, did := range req.Added {
		s.joinDIDStreams(did, req.ConvoID)
	}
	apiutil.WriteJSON(w, http.StatusOK, epochResponse{NewEpoch: res.NewEpoch})
}

type removeMemberRequest struct {
	ConvoID        string   `json:"convo_id"`
	Commit         string   `json:"commit"`
	Targets        []string `json:"targets"`
	IdempotencyKey string   `json:"idempotency_key"`
	Reason         *string  `json:"reason,omitempty"`
}

// handleRemoveMember implements chat.removeMember (§6): admin-only, may not
// remove the conversation's last admin, and may not be used by a member to
// remove themselves (use chat.leaveConvo instead).
//
// POST /xrpc/chat.removeMember
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req removeMemberRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	for _, t := range req.Targets {
		if t == id.CredentialDID {
			apiutil.WriteError(w, http.StatusBadRequest, "cannot_remove_self", "use chat.leaveConvo to remove yourself")
			return
		}
	}

	commit, err := base64.StdEncoding.DecodeString(req.Commit)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_commit", "commit must be base64-encoded")
		return
	}

	res, err := s.Actors.RemoveMember(r.Context(), req.ConvoID, &actor.RemoveMember{
		ActorDID:       id.CredentialDID,
		Commit:         commit,
		Targets:        req.Targets,
		Reason:         req.Reason,
		IsAdminAction:  true,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	for _, t := range req.Targets {
		s.leaveDIDStreams(t, req.ConvoID)
	}
	apiutil.WriteJSON(w, http.StatusOK, epochResponse{NewEpoch: res.NewEpoch})
}

type leaveConvoRequest struct {
	ConvoID string `json:"convo_id"`
	Commit  string `json:"commit"`
}

// handleLeaveConvo implements chat.leaveConvo (§6): the caller removes
// themselves, clearing needs_rejoin and rejoin_requested_at on exit.
//
// POST /xrpc/chat.leaveConvo
func (s *Server) handleLeaveConvo(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req leaveConvoRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	commit, err := base64.StdEncoding.DecodeString(req.Commit)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_commit", "commit must be base64-encoded")
		return
	}

	res, err := s.Actors.RemoveMember(r.Context(), req.ConvoID, &actor.RemoveMember{
		ActorDID:      id.CredentialDID,
		Commit:        commit,
		Targets:       []string{id.CredentialDID},
		IsAdminAction: false,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	s.leaveDIDStreams(id.CredentialDID, req.ConvoID)
	apiutil.WriteJSON(w, http.StatusOK, epochResponse{NewEpoch: res.NewEpoch})
}

type targetDIDRequest struct {
	ConvoID string `json:"convo_id"`
	Target  string `json:"target_did"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// handlePromoteAdmin implements chat.promoteAdmin (§6): admin-only.
//
// POST /xrpc/chat.promoteAdmin
func (s *Server) handlePromoteAdmin(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req targetDIDRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	if err := s.Actors.PromoteAdmin(r.Context(), req.ConvoID, id.CredentialDID, req.Target); err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleDemoteAdmin implements chat.demoteAdmin (§6): admin-only,
// self-demotion allowed, may not demote the conversation's last admin.
//
// POST /xrpc/chat.demoteAdmin
func (s *Server) handleDemoteAdmin(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req targetDIDRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	if err := s.Actors.DemoteAdmin(r.Context(), req.ConvoID, id.CredentialDID, req.Target); err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

type processExternalCommitRequest struct {
	ConvoID        string `json:"convo_id"`
	ExternalCommit string `json:"external_commit"`
}

type processExternalCommitResponse struct {
	NewEpoch   int64  `json:"new_epoch"`
	RejoinedAt string `json:"rejoined_at"`
}

// handleProcessExternalCommit implements chat.processExternalCommit (§6):
// admits a past-or-current, non-banned, non-lapsed member via a self-issued
// external commit that adds the caller's own credential.
//
// POST /xrpc/chat.processExternalCommit
func (s *Server) handleProcessExternalCommit(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req processExternalCommitRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	commit, err := base64.StdEncoding.DecodeString(req.ExternalCommit)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_commit", "external_commit must be base64-encoded")
		return
	}

	res, err := s.Actors.ProcessExternalCommit(r.Context(), req.ConvoID, &actor.ProcessExternalCommit{
		ActorDID:       id.CredentialDID,
		ExternalCommit: commit,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	s.joinDIDStreams(id.CredentialDID, req.ConvoID)
	apiutil.WriteJSON(w, http.StatusOK, processExternalCommitResponse{
		NewEpoch:   res.NewEpoch,
		RejoinedAt: res.RejoinedAt.UTC().Format(time.RFC3339),
	})
}
