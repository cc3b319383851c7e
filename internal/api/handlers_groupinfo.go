package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/models"
)

type getGroupInfoResponse struct {
	GroupInfo string `json:"group_info"`
	Epoch     int64  `json:"epoch"`
	ExpiresAt string `json:"expires_at"`
}

// handleGetGroupInfo implements chat.getGroupInfo (§6): serves the cached
// opaque MLS GroupInfo blob used to admit external-commit joins. A cached
// entry expires 5 minutes after it was stored. The server does not
// regenerate it when the epoch changes: only convo.Service.PublishGroupInfo
// writes the cache, and no RPC route calls it.
//
// GET /xrpc/chat.getGroupInfo
func (s *Server) handleGetGroupInfo(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convo_id")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, "missing_convo_id", "convo_id is required")
		return
	}

	g, err := s.Convo.GetGroupInfo(r.Context(), convoID)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	expiresAt := g.UpdatedAt.Add(models.GroupInfoCacheTTL)
	apiutil.WriteJSON(w, http.StatusOK, getGroupInfoResponse{
		GroupInfo: base64.StdEncoding.EncodeToString(g.GroupInfo),
		Epoch:     g.Epoch,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}
