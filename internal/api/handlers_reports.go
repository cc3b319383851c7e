package api

import (
	"encoding/base64"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/amityvox/deliveryservice/internal/admin"
	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type reportMemberRequest struct {
	ConvoID          string   `json:"convo_id"`
	ReportedDID      string   `json:"reported_did"`
	Category         string   `json:"category"`
	EncryptedContent string   `json:"encrypted_content"`
	MessageIDs       []string `json:"message_ids,omitempty"`
}

type reportMemberResponse struct {
	ReportID    string `json:"report_id"`
	SubmittedAt string `json:"submitted_at"`
}

// handleReportMember implements chat.reportMember (§6): any active member
// may report another member of the same conversation; reporting oneself is
// rejected.
//
// POST /xrpc/chat.reportMember
func (s *Server) handleReportMember(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req reportMemberRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.EncryptedContent)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_content", "encrypted_content must be base64-encoded")
		return
	}

	members, err := s.Actors.ListActiveMembers(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to list active members", err)
		return
	}
	if !slices.Contains(members, id.CredentialDID) {
		apiutil.WriteError(w, http.StatusForbidden, "not_member", "caller is not an active member of this conversation")
		return
	}

	report, err := s.Admin.SubmitReport(r.Context(), req.ConvoID, id.CredentialDID, req.ReportedDID, req.Category, content)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, reportMemberResponse{
		ReportID:    report.ID,
		SubmittedAt: report.CreatedAt.UTC().Format(time.RFC3339),
	})
}

type getReportsResponse struct {
	Reports []reportDTO `json:"reports"`
}

type reportDTO struct {
	ID          string  `json:"id"`
	ReporterDID string  `json:"reporter_did"`
	ReportedDID string  `json:"reported_did"`
	Category    string  `json:"category"`
	CreatedAt   string  `json:"created_at"`
	Status      string  `json:"status"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
}

// handleGetReports implements chat.getReports (§6): admin-only.
//
// GET /xrpc/chat.getReports
func (s *Server) handleGetReports(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	convoID := r.URL.Query().Get("convo_id")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, "missing_convo_id", "convo_id is required")
		return
	}

	isAdmin, err := s.Admin.IsConvoAdmin(r.Context(), convoID, id.CredentialDID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to check admin status", err)
		return
	}
	if !isAdmin {
		apiutil.WriteError(w, http.StatusForbidden, "not_admin", "caller is not an admin of this conversation")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = parsed
	}

	reports, err := s.Admin.GetReports(r.Context(), convoID, r.URL.Query().Get("status"), limit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to load reports", err)
		return
	}

	dtos := make([]reportDTO, 0, len(reports))
	for _, rep := range reports {
		dtos = append(dtos, reportDTO{
			ID:          rep.ID,
			ReporterDID: rep.ReporterDID,
			ReportedDID: rep.ReportedDID,
			Category:    rep.Category,
			CreatedAt:   rep.CreatedAt.UTC().Format(time.RFC3339),
			Status:      rep.Status,
			ResolvedBy:  rep.ResolvedBy,
		})
	}
	apiutil.WriteJSON(w, http.StatusOK, getReportsResponse{Reports: dtos})
}

type resolveReportRequest struct {
	ReportID string  `json:"report_id"`
	Action   string  `json:"action"`
	Notes    *string `json:"notes,omitempty"`
}

// handleResolveReport implements chat.resolveReport (§6): admin-only.
//
// POST /xrpc/chat.resolveReport
func (s *Server) handleResolveReport(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req resolveReportRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	convoID, err := s.Admin.ConvoIDForReport(r.Context(), req.ReportID)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	isAdmin, err := s.Admin.IsConvoAdmin(r.Context(), convoID, id.CredentialDID)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to check admin status", err)
		return
	}
	if !isAdmin {
		apiutil.WriteError(w, http.StatusForbidden, "not_admin", "caller is not an admin of this conversation")
		return
	}

	err = s.Admin.ResolveReport(r.Context(), req.ReportID, id.CredentialDID, admin.ReportResolution{
		Action: req.Action,
		Notes:  req.Notes,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, okResponse{OK: true})
}

type checkBlocksRequest struct {
	DIDs []string `json:"dids"`
}

type checkBlocksResponse struct {
	Blocks []blockDTO `json:"blocks"`
}

type blockDTO struct {
	UserDID   string `json:"user_did"`
	TargetDID string `json:"target_did"`
	Source    string `json:"source"`
}

// handleCheckBlocks implements chat.checkBlocks (§6): the client-facing
// preflight precheck mirroring the mandatory server-side block gate
// enforced at createConvo/addMembers time (§4.H).
//
// POST /xrpc/chat.checkBlocks
func (s *Server) handleCheckBlocks(w http.ResponseWriter, r *http.Request) {
	var req checkBlocksRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	blocks, err := s.Admin.PrecheckBlocks(r.Context(), req.DIDs)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to check blocks", err)
		return
	}

	dtos := make([]blockDTO, 0, len(blocks))
	for _, b := range blocks {
		dtos = append(dtos, blockDTO{UserDID: b.UserDID, TargetDID: b.TargetDID, Source: b.Source})
	}
	apiutil.WriteJSON(w, http.StatusOK, checkBlocksResponse{Blocks: dtos})
}
