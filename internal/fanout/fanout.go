// Package fanout implements envelope creation and push dispatch after a
// conversation actor commits a message (§4.G). One Envelope row is created
// per active member excluding any pair with a block record in either
// direction; ciphertext is handed to the push dispatcher for recipients with
// a registered device token. Grounded on the teacher's
// internal/federation/mls.go membership/ownership verification queries,
// generalized here to also consult the blocks table as a fan-out gate.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/deliveryservice/internal/models"
)

// Pusher dispatches a push notification for one recipient device. Implemented
// by internal/push.Service; kept as an interface here so fanout does not
// depend on the webpush-go client directly.
type Pusher interface {
	Push(ctx context.Context, pushToken, platform string, payload PushPayload) error
}

// ErrStaleSubscription is returned by a Pusher when the recipient's push
// subscription is gone (HTTP 410/404) and its device row should be cleared.
var ErrStaleSubscription = errors.New("push subscription is gone")

// PushPayload is the JSON body handed to the push provider (§4.G): it never
// carries anything beyond what the spec allows the provider to see.
type PushPayload struct {
	ConvoID    string `json:"convo_id"`
	MessageID  int64  `json:"message_id"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
	Alert      string `json:"alert"`
}

// Fanout implements actor.MessageFanout.
type Fanout struct {
	pool              *pgxpool.Pool
	pusher            Pusher
	logger            *slog.Logger
	includeCiphertext bool
}

func New(pool *pgxpool.Pool, pusher Pusher, logger *slog.Logger, includeCiphertext bool) *Fanout {
	return &Fanout{pool: pool, pusher: pusher, logger: logger, includeCiphertext: includeCiphertext}
}

// DeliverMessage creates one envelope per active member not blocked against
// senderDID (in either direction), then dispatches a push notification to
// each recipient's registered devices. Envelope creation runs in its own
// transaction, separate from the actor's message-insert transaction, since
// fan-out is not required for the send itself to be durable.
func (f *Fanout) DeliverMessage(ctx context.Context, convoID string, messageID int64, senderDID string, activeMembers []string) error {
	var (
		ciphertext []byte
		epoch      int64
		seq        int64
	)
	if err := f.pool.QueryRow(ctx,
		`SELECT ciphertext, epoch, seq FROM messages WHERE id = $1`, messageID,
	).Scan(&ciphertext, &epoch, &seq); err != nil {
		return fmt.Errorf("loading message %d for fan-out: %w", messageID, err)
	}

	senderUserDID := models.UserDIDOf(senderDID)
	recipients := excludeSender(activeMembers, senderDID)

	blocked, err := f.blockedPairs(ctx, senderUserDID, recipients)
	if err != nil {
		return fmt.Errorf("checking blocks for fan-out: %w", err)
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fan-out transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	delivered := make([]string, 0, len(recipients))
	for _, did := range recipients {
		if blocked[models.UserDIDOf(did)] {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO envelopes (id, message_id, convo_id, recipient_did) VALUES ($1, $2, $3, $4)`,
			models.NewULID().String(), messageID, convoID, did,
		); err != nil {
			return fmt.Errorf("creating envelope for %s: %w", did, err)
		}
		delivered = append(delivered, did)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing fan-out transaction: %w", err)
	}

	if f.pusher == nil {
		return nil
	}
	payload := PushPayload{ConvoID: convoID, MessageID: messageID, Epoch: epoch, Seq: seq, Alert: "New message"}
	if f.includeCiphertext {
		payload.Ciphertext = ciphertext
	}
	for _, did := range delivered {
		f.pushToDevice(ctx, did, payload)
	}
	return nil
}

// excludeSender returns activeMembers with senderDID removed, preserving
// order. It always returns a newly allocated slice.
func excludeSender(activeMembers []string, senderDID string) []string {
	recipients := make([]string, 0, len(activeMembers))
	for _, did := range activeMembers {
		if did != senderDID {
			recipients = append(recipients, did)
		}
	}
	return recipients
}

// blockedPairs returns the set of recipient user DIDs that have a block
// record against senderUserDID in either direction.
func (f *Fanout) blockedPairs(ctx context.Context, senderUserDID string, recipients []string) (map[string]bool, error) {
	result := make(map[string]bool, len(recipients))
	if len(recipients) == 0 {
		return result, nil
	}
	seen := make(map[string]struct{}, len(recipients))
	userDIDs := make([]string, 0, len(recipients))
	for _, did := range recipients {
		u := models.UserDIDOf(did)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		userDIDs = append(userDIDs, u)
	}

	rows, err := f.pool.Query(ctx,
		`SELECT target_did FROM blocks WHERE user_did = $1 AND target_did = ANY($2)
		 UNION
		 SELECT user_did FROM blocks WHERE target_did = $1 AND user_did = ANY($2)`,
		senderUserDID, userDIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		result[did] = true
	}
	return result, rows.Err()
}

func (f *Fanout) pushToDevice(ctx context.Context, recipientCredentialDID string, payload PushPayload) {
	var pushToken, platform *string
	err := f.pool.QueryRow(ctx,
		`SELECT push_token, platform FROM devices WHERE credential_did = $1`, recipientCredentialDID,
	).Scan(&pushToken, &platform)
	if errors.Is(err, pgx.ErrNoRows) || pushToken == nil {
		return
	}
	if err != nil {
		f.logger.Warn("looking up device for push", slog.String("error", err.Error()))
		return
	}
	plat := ""
	if platform != nil {
		plat = *platform
	}
	if err := f.pusher.Push(ctx, *pushToken, plat, payload); err != nil {
		if errors.Is(err, ErrStaleSubscription) {
			if _, clearErr := f.pool.Exec(ctx, `UPDATE devices SET push_token = NULL WHERE credential_did = $1`, recipientCredentialDID); clearErr != nil {
				f.logger.Warn("clearing stale push token", slog.String("error", clearErr.Error()))
			}
			return
		}
		f.logger.Warn("push dispatch failed",
			slog.String("recipient", recipientCredentialDID), slog.String("error", err.Error()))
	}
}

// CheckConflicts re-syncs a conversation's active membership against the
// blocks table and reports any pair that is now mutually incompatible. The
// DS does not auto-remove members on conflict (§4.H); callers should publish
// an EventMembershipConflict for each pair found and let admins resolve.
func (f *Fanout) CheckConflicts(ctx context.Context, convoID string) ([][2]string, error) {
	rows, err := f.pool.Query(ctx,
		`SELECT m1.member_mls_did, m2.member_mls_did
		 FROM memberships m1
		 JOIN memberships m2 ON m1.convo_id = m2.convo_id AND m1.member_mls_did < m2.member_mls_did
		 JOIN blocks b ON (b.user_did = m1.user_did AND b.target_did = m2.user_did)
		   OR (b.user_did = m2.user_did AND b.target_did = m1.user_did)
		 WHERE m1.convo_id = $1 AND m1.left_at IS NULL AND m2.left_at IS NULL`,
		convoID,
	)
	if err != nil {
		return nil, fmt.Errorf("checking membership conflicts for %s: %w", convoID, err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, rows.Err()
}
