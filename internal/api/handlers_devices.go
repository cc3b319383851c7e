package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/convo"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

type registerDeviceKeyPackage struct {
	CipherSuite string `json:"cipher_suite"`
	Data        string `json:"data"`
	ExpiresAt   string `json:"expires_at"`
}

type registerDeviceRequest struct {
	DeviceName         string                     `json:"device_name"`
	SignaturePublicKey string                     `json:"signature_public_key"`
	KeyPackages        []registerDeviceKeyPackage `json:"key_packages"`
}

type registerDeviceResponse struct {
	DeviceID      string   `json:"device_id"`
	CredentialDID string   `json:"credential_did"`
	AutoJoined    []string `json:"auto_joined"`
	Welcomes      []string `json:"welcomes"`
}

// handleRegisterDevice implements chat.registerDevice (§6): a new device
// registers its signing key and initial key packages, and is automatically
// solicited into every conversation its user DID already belongs to (§4.G).
// Welcomes for those conversations are not produced synchronously — an
// existing member's device must still process the solicitation and issue a
// commit/Welcome — so the new device polls chat.getWelcome per auto_joined
// convo_id rather than receiving welcomes inline here.
//
// POST /xrpc/chat.registerDevice
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req registerDeviceRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	sigKey, err := base64.StdEncoding.DecodeString(req.SignaturePublicKey)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_signature_key", "signature_public_key must be base64-encoded")
		return
	}

	uploads := make([]convo.KeyPackageUpload, 0, len(req.KeyPackages))
	for _, kp := range req.KeyPackages {
		data, err := base64.StdEncoding.DecodeString(kp.Data)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_key_package", "key_packages[].data must be base64-encoded")
			return
		}
		expiresAt, err := time.Parse(time.RFC3339, kp.ExpiresAt)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_expires_at", "key_packages[].expires_at must be an RFC3339 timestamp")
			return
		}
		uploads = append(uploads, convo.KeyPackageUpload{
			CipherSuite: kp.CipherSuite,
			Data:        data,
			ExpiresAt:   expiresAt,
		})
	}

	deviceID, credentialDID, autoJoined, err := s.Convo.RegisterDevice(r.Context(), id.UserDID, req.DeviceName, sigKey, uploads)
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, registerDeviceResponse{
		DeviceID:      deviceID,
		CredentialDID: credentialDID,
		AutoJoined:    autoJoined,
		Welcomes:      []string{},
	})
}
