package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type publishKeyPackageRequest struct {
	KeyPackage  string `json:"key_package"`
	CipherSuite string `json:"cipher_suite"`
	ExpiresAt   string `json:"expires_at"`
}

type publishKeyPackageResponse struct {
	ID string `json:"id"`
}

// handlePublishKeyPackage implements chat.publishKeyPackage (§6): the caller
// publishes a KeyPackage for one of their own credential DIDs.
//
// POST /xrpc/chat.publishKeyPackage
func (s *Server) handlePublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req publishKeyPackageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.KeyPackage)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_key_package", "key_package must be base64-encoded")
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_expires_at", "expires_at must be an RFC3339 timestamp")
		return
	}

	kpID, err := s.Convo.PublishKeyPackage(r.Context(), id.CredentialDID, req.CipherSuite, data, expiresAt)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, publishKeyPackageResponse{ID: kpID})
}

type getKeyPackagesRequest struct {
	CredentialDIDs []string `json:"credential_dids"`
}

type keyPackageDTO struct {
	ID                 string `json:"id"`
	OwnerCredentialDID string `json:"owner_credential_did"`
	CipherSuite        string `json:"cipher_suite"`
	Data               []byte `json:"data"`
}

type getKeyPackagesResponse struct {
	KeyPackages []keyPackageDTO `json:"key_packages"`
}

// handleGetKeyPackages implements chat.getKeyPackages (§6): atomically
// claims one unconsumed KeyPackage per requested credential DID. A POST
// body rather than query params, since credential_dids can exceed a
// comfortable URL length and the claim is a mutation (keys are consumed).
//
// POST /xrpc/chat.getKeyPackages
func (s *Server) handleGetKeyPackages(w http.ResponseWriter, r *http.Request) {
	var req getKeyPackagesRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	claimed, err := s.Convo.GetKeyPackages(r.Context(), req.CredentialDIDs)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	dtos := make([]keyPackageDTO, 0, len(claimed))
	for _, kp := range claimed {
		dtos = append(dtos, keyPackageDTO{
			ID:                 kp.ID,
			OwnerCredentialDID: kp.OwnerCredentialDID,
			CipherSuite:        kp.CipherSuite,
			Data:               kp.Data,
		})
	}

	apiutil.WriteJSON(w, http.StatusOK, getKeyPackagesResponse{KeyPackages: dtos})
}
