package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amityvox/deliveryservice/internal/models"
)

// messageExpiryBatchSize bounds how many expired rows are deleted per
// sweep iteration, keeping any single transaction short.
const messageExpiryBatchSize = 1000

// sweepExpiredMessages deletes messages (and their envelopes, via
// ON DELETE CASCADE) whose expires_at has passed (§3: expires_at =
// created_at + 30 days). Runs in batches so a large backlog doesn't hold
// one long-running transaction.
func (m *Manager) sweepExpiredMessages(ctx context.Context) error {
	var totalDeleted int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tag, err := m.pool.Exec(ctx,
			`DELETE FROM messages WHERE id IN (
			     SELECT id FROM messages WHERE expires_at <= now() LIMIT $1
			 )`, messageExpiryBatchSize,
		)
		if err != nil {
			return fmt.Errorf("deleting expired messages: %w", err)
		}

		n := tag.RowsAffected()
		totalDeleted += n
		if n < messageExpiryBatchSize {
			break
		}
	}

	if totalDeleted > 0 {
		m.logger.Info("expired messages purged", slog.Int64("count", totalDeleted))
	}
	return nil
}

// sweepExpiredIdempotencyRecords deletes idempotency_records rows past
// their TTL (§3 IdempotencyRecord), bounding the table's growth.
func (m *Manager) sweepExpiredIdempotencyRecords(ctx context.Context) error {
	tag, err := m.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= now()`)
	if err != nil {
		return fmt.Errorf("deleting expired idempotency records: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		m.logger.Info("expired idempotency records purged", slog.Int64("count", n))
	}
	return nil
}

// rejoinRetryBatchSize bounds how many stale rejoin requests are re-solicited
// per sweep iteration.
const rejoinRetryBatchSize = 500

// retryStaleRejoins re-issues a rejoin_requested solicitation for any
// membership still flagged needs_rejoin after rejoinRetryTimeout has
// elapsed since it was first requested, acting as the backstop §4.G
// describes: "If no member delivers within a timeout window, the request
// remains pending; on next member activity the solicitation is re-issued."
func (m *Manager) retryStaleRejoins(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.rejoinRetryTimeout)

	rows, err := m.pool.Query(ctx,
		`SELECT convo_id, member_mls_did FROM memberships
		 WHERE needs_rejoin = true AND left_at IS NULL
		   AND rejoin_requested_at IS NOT NULL AND rejoin_requested_at <= $1
		 LIMIT $2`,
		cutoff, rejoinRetryBatchSize,
	)
	if err != nil {
		return fmt.Errorf("querying stale rejoin requests: %w", err)
	}

	type pending struct {
		ConvoID       string
		CredentialDID string
	}
	var stale []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.ConvoID, &p.CredentialDID); err != nil {
			rows.Close()
			return fmt.Errorf("scanning stale rejoin row: %w", err)
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating stale rejoin rows: %w", err)
	}
	rows.Close()

	if len(stale) == 0 {
		return nil
	}

	convoIDs := make([]string, len(stale))
	credentialDIDs := make([]string, len(stale))
	for i, p := range stale {
		convoIDs[i], credentialDIDs[i] = p.ConvoID, p.CredentialDID
	}
	if _, err := m.pool.Exec(ctx,
		`UPDATE memberships m SET rejoin_requested_at = now()
		 FROM unnest($1::text[], $2::text[]) AS s(convo_id, member_mls_did)
		 WHERE m.convo_id = s.convo_id AND m.member_mls_did = s.member_mls_did`,
		convoIDs, credentialDIDs,
	); err != nil {
		return fmt.Errorf("refreshing rejoin_requested_at: %w", err)
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.bus == nil {
			continue
		}
		if err := m.bus.Publish(ctx, p.ConvoID, models.EventRejoinRequested, map[string]any{
			"credential_did": p.CredentialDID,
			"reason":         "retry",
		}); err != nil {
			m.logger.Warn("failed to re-publish rejoin solicitation",
				slog.String("convo_id", p.ConvoID),
				slog.String("credential_did", p.CredentialDID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("stale rejoin requests re-solicited", slog.Int("count", len(stale)))
	return nil
}
