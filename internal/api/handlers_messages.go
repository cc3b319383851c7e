package api

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/amityvox/deliveryservice/internal/actor"
	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/identity"
)

// maxCiphertextSize bounds the body of a single application message (§6:
// "10MiB ciphertext" per-RPC cap, tighter than the server-wide 16MiB body
// cap so a pathological ciphertext can't consume the whole allowance).
const maxCiphertextSize = 10 << 20

type sendMessageRequest struct {
	ConvoID        string  `json:"convo_id"`
	MsgID          string  `json:"msg_id"`
	Ciphertext     string  `json:"ciphertext"`
	Epoch          int64   `json:"epoch"`
	DeclaredSize   int     `json:"declared_size"`
	PaddedSize     int     `json:"padded_size"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	EmbedType      *string `json:"embed_type,omitempty"`
	EmbedURI       *string `json:"embed_uri,omitempty"`
}

type sendMessageResponse struct {
	MessageID int64  `json:"message_id"`
	Sender    string `json:"sender"`
	ReceivedAt string `json:"received_at"`
	Seq       int64  `json:"seq"`
}

// handleSendMessage implements chat.sendMessage (§6): the caller must be an
// active member and its claimed epoch must match the conversation's current
// epoch. Replaying the same (convo_id, msg_id) returns the original row
// instead of creating a new one (§8 P5).
//
// POST /xrpc/chat.sendMessage
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req sendMessageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_ciphertext", "ciphertext must be base64-encoded")
		return
	}
	if len(ciphertext) > maxCiphertextSize {
		apiutil.WriteError(w, http.StatusBadRequest, "ciphertext_too_large", "ciphertext exceeds the 10MiB per-message limit")
		return
	}

	res, err := s.Actors.SendApplicationMessage(r.Context(), req.ConvoID, &actor.SendApplicationMessage{
		SenderDID:      id.CredentialDID,
		MsgID:          req.MsgID,
		Ciphertext:     ciphertext,
		ClaimedEpoch:   req.Epoch,
		DeclaredSize:   req.DeclaredSize,
		IdempotencyKey: req.IdempotencyKey,
		EmbedType:      req.EmbedType,
		EmbedURI:       req.EmbedURI,
	})
	if err != nil {
		dserr.WriteJSON(w, err)
		return
	}
	GlobalMetrics.MessagesSent.Add(1)

	apiutil.WriteJSON(w, http.StatusOK, sendMessageResponse{
		MessageID:  res.MessageID,
		Sender:     id.CredentialDID,
		ReceivedAt: res.CreatedAt.UTC().Format(time.RFC3339),
		Seq:        res.Seq,
	})
}

type getMessagesResponse struct {
	Messages   []messageDTO `json:"messages"`
	NextCursor *int64       `json:"next_cursor,omitempty"`
}

type messageDTO struct {
	MsgID        string  `json:"msg_id"`
	SenderDID    string  `json:"sender_did"`
	MessageType  string  `json:"message_type"`
	Epoch        int64   `json:"epoch"`
	Seq          int64   `json:"seq"`
	Ciphertext   []byte  `json:"ciphertext"`
	EmbedType    *string `json:"embed_type,omitempty"`
	EmbedURI     *string `json:"embed_uri,omitempty"`
	DeclaredSize int     `json:"declared_size"`
	PaddedSize   int     `json:"padded_size"`
	CreatedAt    string  `json:"created_at"`
}

// handleGetMessages implements chat.getMessages (§6): ciphertext is returned
// opaque, never interpreted server-side (§8 P9).
//
// GET /xrpc/chat.getMessages
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convo_id")
	if convoID == "" {
		apiutil.WriteError(w, http.StatusBadRequest, "missing_convo_id", "convo_id is required")
		return
	}

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := strconv.ParseInt(c, 10, 64)
		if err != nil {
			apiutil.WriteError(w, http.StatusBadRequest, "invalid_cursor", "cursor must be an integer")
			return
		}
		cursor = parsed
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

	messages, nextCursor, err := s.Convo.GetMessages(r.Context(), convoID, cursor, limit)
	if err != nil {
		apiutil.InternalError(w, s.Logger, "failed to load messages", err)
		return
	}

	dtos := make([]messageDTO, 0, len(messages))
	for _, m := range messages {
		dtos = append(dtos, messageDTO{
			MsgID:        m.MsgID,
			SenderDID:    m.SenderDID,
			MessageType:  m.MessageType,
			Epoch:        m.Epoch,
			Seq:          m.Seq,
			Ciphertext:   m.Ciphertext,
			EmbedType:    m.EmbedType,
			EmbedURI:     m.EmbedURI,
			DeclaredSize: m.DeclaredSize,
			PaddedSize:   m.PaddedSize,
			CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	resp := getMessagesResponse{Messages: dtos}
	if nextCursor > 0 {
		resp.NextCursor = &nextCursor
	}
	apiutil.WriteJSON(w, http.StatusOK, resp)
}
