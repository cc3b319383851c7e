// Package admin implements moderation and block-gate operations that sit
// outside any single conversation actor's serialization boundary (§4.H):
// report submission and resolution, the audit log, and the block-gate
// precheck used before createConvo/addMembers. Grounded on the teacher's
// internal/federation/manage.go audit pattern (append-only action log,
// permission-gated mutation, event publish on state change), generalized
// from guild role permissions to the Delivery Service's simpler
// admin/member membership model.
package admin

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/events"
	"github.com/amityvox/deliveryservice/internal/models"
)

// Service implements the report and block-gate operations of §4.H.
type Service struct {
	pool   *pgxpool.Pool
	bus    *events.Bus
	maxLen int
}

const defaultMaxEncryptedContentLen = 50 * 1024 // 50 KiB, per §6 size limits

func New(pool *pgxpool.Pool, bus *events.Bus) *Service {
	return &Service{pool: pool, bus: bus, maxLen: defaultMaxEncryptedContentLen}
}

// SubmitReport records a member's report against another member of the same
// conversation. reporterDID may not equal reportedDID (§4.E authorization
// matrix: "may not report self"); callers are expected to have already
// checked reporterDID is an active member.
func (s *Service) SubmitReport(ctx context.Context, convoID, reporterDID, reportedDID, category string, encryptedContent []byte) (*models.Report, error) {
	if reporterDID == reportedDID {
		return nil, dserr.BadRequest("self_report", "cannot report yourself")
	}
	if len(encryptedContent) > s.maxLen {
		return nil, dserr.BadRequest("content_too_large", "encrypted_content exceeds the maximum size")
	}

	r := &models.Report{
		ID:               models.NewULID().String(),
		ConvoID:          convoID,
		ReporterDID:      reporterDID,
		ReportedDID:      reportedDID,
		Category:         category,
		EncryptedContent: encryptedContent,
		Status:           models.ReportStatusPending,
	}
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO reports (id, convo_id, reporter_did, reported_did, category, encrypted_content, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		 RETURNING created_at`,
		r.ID, r.ConvoID, r.ReporterDID, r.ReportedDID, r.Category, r.EncryptedContent, r.Status,
	).Scan(&r.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, convoID, models.EventReportSubmitted, map[string]any{
			"report_id": r.ID, "category": r.Category,
		})
	}
	return r, nil
}

// GetReports lists a conversation's reports, optionally filtered by status,
// newest first. Callers are expected to have already checked the caller is
// an admin of convoID.
func (s *Service) GetReports(ctx context.Context, convoID, status string, limit int) ([]models.Report, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, convo_id, reporter_did, reported_did, category, encrypted_content,
	          created_at, status, resolved_by, resolved_at FROM reports WHERE convo_id = $1`
	args := []any{convoID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports for %s: %w", convoID, err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.ConvoID, &r.ReporterDID, &r.ReportedDID, &r.Category,
			&r.EncryptedContent, &r.CreatedAt, &r.Status, &r.ResolvedBy, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ConvoIDForReport looks up which conversation a report belongs to, so the
// API layer can check the resolver is an admin of that conversation before
// calling ResolveReport.
func (s *Service) ConvoIDForReport(ctx context.Context, reportID string) (string, error) {
	var convoID string
	err := s.pool.QueryRow(ctx, `SELECT convo_id FROM reports WHERE id = $1`, reportID).Scan(&convoID)
	if err == pgx.ErrNoRows {
		return "", dserr.NotFound("report_not_found", "report does not exist")
	}
	if err != nil {
		return "", fmt.Errorf("looking up convo for report %s: %w", reportID, err)
	}
	return convoID, nil
}

// IsConvoAdmin reports whether credentialDID is an active admin of convoID,
// used to gate getReports/resolveReport at the API layer (§4.E).
func (s *Service) IsConvoAdmin(ctx context.Context, convoID, credentialDID string) (bool, error) {
	var isAdmin bool
	err := s.pool.QueryRow(ctx,
		`SELECT is_admin FROM memberships WHERE convo_id = $1 AND member_mls_did = $2 AND left_at IS NULL`,
		convoID, credentialDID,
	).Scan(&isAdmin)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking admin status for %s in %s: %w", credentialDID, convoID, err)
	}
	return isAdmin, nil
}

// ReportResolution is the decision an admin records when closing a report.
type ReportResolution struct {
	Action string // e.g. "resolved", "dismissed"
	Notes  *string
}

// ResolveReport marks a pending report resolved or dismissed. Callers are
// expected to have already checked the caller is an admin of the report's
// conversation.
func (s *Service) ResolveReport(ctx context.Context, reportID, resolverDID string, resolution ReportResolution) error {
	status := models.ReportStatusResolved
	if resolution.Action == models.ReportStatusDismissed {
		status = models.ReportStatusDismissed
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, resolved_by = $3, resolved_at = now()
		 WHERE id = $1 AND status = $4`,
		reportID, status, resolverDID, models.ReportStatusPending,
	)
	if err != nil {
		return fmt.Errorf("resolving report %s: %w", reportID, err)
	}
	if tag.RowsAffected() == 0 {
		return dserr.NotFound("report_not_found", "report does not exist or was already resolved")
	}
	return nil
}

// PrecheckBlocks reports whether any pair among dids has a block record in
// either direction, for preflight UX (§4.H precheck RPC). It performs the
// same check createConvo/addMembers enforce server-side, so a client can
// avoid a round trip that it knows will fail.
func (s *Service) PrecheckBlocks(ctx context.Context, dids []string) ([]models.Block, error) {
	userDIDs := make([]string, 0, len(dids))
	seen := make(map[string]struct{}, len(dids))
	for _, did := range dids {
		u := models.UserDIDOf(did)
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		userDIDs = append(userDIDs, u)
	}
	if len(userDIDs) < 2 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT user_did, target_did, source, synced_at FROM blocks
		 WHERE user_did = ANY($1) AND target_did = ANY($1)`,
		userDIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("checking blocks: %w", err)
	}
	defer rows.Close()

	var blocks []models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.UserDID, &b.TargetDID, &b.Source, &b.SyncedAt); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// EnforceBlockGate returns a Forbidden error if any pair among dids has a
// block in either direction. This is the mandatory server-side check at
// createConvo/addMembers time (§4.H); PrecheckBlocks is its read-only,
// client-facing counterpart.
func (s *Service) EnforceBlockGate(ctx context.Context, dids []string) error {
	blocks, err := s.PrecheckBlocks(ctx, dids)
	if err != nil {
		return err
	}
	if len(blocks) > 0 {
		return dserr.Forbidden("block_conflict", "one or more participants have blocked each other")
	}
	return nil
}

// RecordAction journals an admin action (promotion, demotion, removal) for
// audit purposes. The actor package does not call this: it inserts its own
// admin_actions rows for promote/demote/remove inside its transaction. This
// standalone entry point exists for actions taken outside the actor.
func (s *Service) RecordAction(ctx context.Context, convoID, actorDID, action string, targetDID, reason *string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_actions (id, convo_id, actor_did, action, target_did, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		models.NewULID().String(), convoID, actorDID, action, targetDID, reason,
	)
	if err != nil {
		return fmt.Errorf("journaling admin action: %w", err)
	}
	return nil
}

// GetActions lists a conversation's admin action log, oldest first.
func (s *Service) GetActions(ctx context.Context, convoID string, limit int) ([]models.AdminAction, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, convo_id, actor_did, action, target_did, reason, created_at
		 FROM admin_actions WHERE convo_id = $1 ORDER BY created_at ASC LIMIT $2`,
		convoID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying admin actions for %s: %w", convoID, err)
	}
	defer rows.Close()

	var actions []models.AdminAction
	for rows.Next() {
		var a models.AdminAction
		if err := rows.Scan(&a.ID, &a.ConvoID, &a.ActorDID, &a.Action, &a.TargetDID, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
