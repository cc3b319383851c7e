// Package actor implements the Delivery Service's per-conversation
// concurrency core (§4.C): one goroutine and one FIFO mailbox per active
// conversation serialize every mutation of that conversation's epoch,
// sequence counter, and membership. The mailbox is a channel buffered to a
// single command, so it is bounded: a sender blocks until the actor drains
// it or the sender's context ends. Generalized from the teacher's
// counter-batching mutex in federation.go (pendingCounters/counterMu) into a
// true actor loop, since no pack dependency provides cheaper in-process
// per-entity mutual exclusion than a goroutine plus channel.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/deliveryservice/internal/api/apiutil"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/models"
)

// EventPublisher appends an entry to a conversation's event stream and fans
// it out to live SSE subscribers. Implemented by internal/events.Bus; kept
// as an interface here so internal/actor does not import internal/events.
type EventPublisher interface {
	Publish(ctx context.Context, convoID string, kind models.EventKind, payload any) error
}

// MessageFanout creates one envelope per active member and hands ciphertext
// to the push dispatcher after a message commits (§4.G). Implemented by
// internal/fanout.Fanout.
type MessageFanout interface {
	DeliverMessage(ctx context.Context, convoID string, messageID int64, senderDID string, activeMembers []string) error
}

// Actor serializes all mutations for a single conversation through its
// mailbox. One Actor exists per currently-active conversation; the Registry
// owns spawning, routing, and eviction.
type Actor struct {
	convoID  string
	pool     *pgxpool.Pool
	events   EventPublisher
	fanout   MessageFanout
	logger   *slog.Logger

	mailbox  chan command
	done     chan struct{}

	st *state
}

const (
	normalDeadline = 30 * time.Second
	batchDeadline  = 60 * time.Second
)

func newActor(convoID string, pool *pgxpool.Pool, events EventPublisher, fanout MessageFanout, logger *slog.Logger, st *state) *Actor {
	return &Actor{
		convoID: convoID,
		pool:    pool,
		events:  events,
		fanout:  fanout,
		logger:  logger.With(slog.String("convo_id", convoID)),
		mailbox: make(chan command, 1),
		done:    make(chan struct{}),
		st:      st,
	}
}

// run is the actor's single consuming goroutine. It processes commands
// strictly in FIFO order until the mailbox is closed by the registry.
func (a *Actor) run() {
	defer close(a.done)
	for cmd := range a.mailbox {
		a.st.lastActivity = time.Now()
		a.dispatch(cmd)
	}
}

// dispatch recovers from a panic in command execution, surfacing it as a
// ServiceUnavailable error on the command's own reply channel and letting
// the registry drop this actor so the next request respawns a fresh one
// that reloads from storage (§4.D failure semantics).
func (a *Actor) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("actor panic", slog.Any("recover", r))
			replyPanic(cmd)
			panic(r)
		}
	}()
	cmd.execute(a)
}

func replyPanic(cmd command) {
	err := dserr.ServiceUnavailable("actor_panic", "conversation actor failed, please retry")
	switch c := cmd.(type) {
	case *AddMembers:
		c.reply <- AddMembersResult{Err: err}
	case *RemoveMember:
		c.reply <- RemoveMemberResult{Err: err}
	case *SendApplicationMessage:
		c.reply <- SendApplicationMessageResult{Err: err}
	case *ProcessExternalCommit:
		c.reply <- ProcessExternalCommitResult{Err: err}
	case *GetEpoch:
		c.reply <- GetEpochResult{Err: err}
	case *ListActiveMembers:
		c.reply <- ListActiveMembersResult{Err: err}
	case *ResetUnread:
		c.reply <- err
	case *PromoteAdmin:
		c.reply <- err
	case *DemoteAdmin:
		c.reply <- err
	}
}

// withDeadline bounds a transactional operation to the actor's implicit
// per-message deadline (§5): 30s for ordinary operations, 60s for batches.
func withDeadline(ctx context.Context, batch bool) (context.Context, context.CancelFunc) {
	d := normalDeadline
	if batch {
		d = batchDeadline
	}
	return context.WithTimeout(ctx, d)
}

// withRetry runs fn inside a transaction, retrying once on a Postgres
// serialization failure (SQLSTATE 40001), per §5's bounded-retry policy.
// Memory is left untouched on failure; it is only write-through updated
// after fn's enclosing transaction commits.
func withRetry(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	err := apiutil.WithTx(ctx, pool, fn)
	if err != nil && isSerializationFailure(err) {
		err = apiutil.WithTx(ctx, pool, fn)
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "40001"
	}
	return false
}

func (cmd *AddMembers) execute(a *Actor) { a.handleAddMembers(cmd) }
func (cmd *RemoveMember) execute(a *Actor) { a.handleRemoveMember(cmd) }
func (cmd *SendApplicationMessage) execute(a *Actor) { a.handleSendApplicationMessage(cmd) }
func (cmd *ProcessExternalCommit) execute(a *Actor) { a.handleProcessExternalCommit(cmd) }
func (cmd *GetEpoch) execute(a *Actor) { cmd.reply <- GetEpochResult{Epoch: a.st.currentEpoch} }

func (cmd *ListActiveMembers) execute(a *Actor) {
	members := make([]string, 0, len(a.st.activeMembers))
	for did := range a.st.activeMembers {
		members = append(members, did)
	}
	cmd.reply <- ListActiveMembersResult{Members: members}
}

func (cmd *ResetUnread) execute(a *Actor) {
	ctx, cancel := withDeadline(cmd.ctx, false)
	defer cancel()
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE memberships SET unread_count = 0 WHERE convo_id = $1 AND member_mls_did = $2`,
			a.convoID, cmd.ActorDID,
		)
		return err
	})
	if err != nil {
		cmd.reply <- wrapStorageErr(err)
		return
	}
	a.st.unreadCounts[cmd.ActorDID] = 0
	cmd.reply <- nil
}

func (cmd *PromoteAdmin) execute(a *Actor) {
	ctx, cancel := withDeadline(cmd.ctx, false)
	defer cancel()
	if !a.st.adminMembers[cmd.ActorDID] {
		cmd.reply <- dserr.Forbidden("not_admin", "caller is not an admin of this conversation")
		return
	}
	if !a.st.activeMembers[cmd.Target] {
		cmd.reply <- dserr.NotFound("no_such_member", "target is not an active member of this conversation")
		return
	}
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE memberships SET is_admin = TRUE, promoted_at = now(), promoted_by = $3
			 WHERE convo_id = $1 AND member_mls_did = $2`,
			a.convoID, cmd.Target, cmd.ActorDID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO admin_actions (id, convo_id, actor_did, action, target_did, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			models.NewULID().String(), a.convoID, cmd.ActorDID, models.AdminActionPromote, cmd.Target,
		)
		return err
	})
	if err != nil {
		cmd.reply <- wrapStorageErr(err)
		return
	}
	a.st.adminMembers[cmd.Target] = true
	a.publish(ctx, models.EventAdminChanged, map[string]any{"convo_id": a.convoID, "promoted": cmd.Target})
	cmd.reply <- nil
}

func (cmd *DemoteAdmin) execute(a *Actor) {
	ctx, cancel := withDeadline(cmd.ctx, false)
	defer cancel()
	if !a.st.adminMembers[cmd.ActorDID] {
		cmd.reply <- dserr.Forbidden("not_admin", "caller is not an admin of this conversation")
		return
	}
	if len(a.st.adminMembers) <= 1 && a.st.adminMembers[cmd.Target] {
		cmd.reply <- dserr.Conflict("last_admin", "cannot demote the conversation's last admin")
		return
	}
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE memberships SET is_admin = FALSE WHERE convo_id = $1 AND member_mls_did = $2`,
			a.convoID, cmd.Target,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO admin_actions (id, convo_id, actor_did, action, target_did, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			models.NewULID().String(), a.convoID, cmd.ActorDID, models.AdminActionDemote, cmd.Target,
		)
		return err
	})
	if err != nil {
		cmd.reply <- wrapStorageErr(err)
		return
	}
	delete(a.st.adminMembers, cmd.Target)
	a.publish(ctx, models.EventAdminChanged, map[string]any{"convo_id": a.convoID, "demoted": cmd.Target})
	cmd.reply <- nil
}

func (a *Actor) handleAddMembers(cmd *AddMembers) {
	ctx, cancel := withDeadline(cmd.ctx, len(cmd.Added) > 1)
	defer cancel()

	if _, ok := a.st.activeMembers[cmd.ActorDID]; !ok {
		cmd.reply <- AddMembersResult{Err: dserr.Forbidden("not_member", "caller is not an active member of this conversation")}
		return
	}

	newEpoch := a.st.currentEpoch + 1
	replayed := false
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		if cmd.IdempotencyKey != "" {
			seen, err := idempotencySeen(ctx, tx, cmd.IdempotencyKey)
			if err != nil {
				return err
			}
			if seen {
				replayed = true
				return nil
			}
		}

		var advanced int64
		if err := tx.QueryRow(ctx,
			`UPDATE conversations SET current_epoch = $2, updated_at = now() WHERE convo_id = $1 AND current_epoch = $3 RETURNING current_epoch`,
			a.convoID, newEpoch, a.st.currentEpoch,
		).Scan(&advanced); err != nil {
			return fmt.Errorf("advancing epoch: %w", err)
		}

		for _, did := range cmd.Added {
			if _, err := tx.Exec(ctx,
				`INSERT INTO memberships (convo_id, member_mls_did, user_did, device_id, joined_at)
				 VALUES ($1, $2, $3, $4, now())
				 ON CONFLICT (convo_id, member_mls_did)
				 DO UPDATE SET left_at = NULL, needs_rejoin = FALSE, rejoin_requested_at = NULL`,
				a.convoID, did, models.UserDIDOf(did), models.DeviceIDOf(did),
			); err != nil {
				return fmt.Errorf("adding member %s: %w", did, err)
			}
		}

		if cmd.IdempotencyKey != "" {
			if err := recordIdempotency(ctx, tx, cmd.IdempotencyKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cmd.reply <- AddMembersResult{Err: wrapStorageErr(err)}
		return
	}
	if replayed {
		cmd.reply <- AddMembersResult{NewEpoch: a.st.currentEpoch}
		return
	}

	a.st.currentEpoch = newEpoch
	for _, did := range cmd.Added {
		a.st.activeMembers[did] = true
		if _, ok := a.st.unreadCounts[did]; !ok {
			a.st.unreadCounts[did] = 0
		}
	}

	a.publish(ctx, models.EventMembershipChanged, map[string]any{
		"convo_id": a.convoID, "added": cmd.Added, "epoch": newEpoch,
	})
	cmd.reply <- AddMembersResult{NewEpoch: newEpoch}
}

func (a *Actor) handleRemoveMember(cmd *RemoveMember) {
	ctx, cancel := withDeadline(cmd.ctx, len(cmd.Targets) > 1)
	defer cancel()

	if cmd.IsAdminAction && !a.st.adminMembers[cmd.ActorDID] {
		cmd.reply <- RemoveMemberResult{Err: dserr.Forbidden("not_admin", "caller is not an admin of this conversation")}
		return
	}
	if _, ok := a.st.activeMembers[cmd.ActorDID]; !ok && !cmd.IsAdminAction {
		cmd.reply <- RemoveMemberResult{Err: dserr.Forbidden("not_member", "caller is not an active member of this conversation")}
		return
	}

	remainingAdmins := len(a.st.adminMembers)
	for _, t := range cmd.Targets {
		if a.st.adminMembers[t] {
			remainingAdmins--
		}
	}
	if remainingAdmins < 1 {
		cmd.reply <- RemoveMemberResult{Err: dserr.Conflict("last_admin", "cannot remove the conversation's last admin")}
		return
	}

	newEpoch := a.st.currentEpoch + 1
	replayed := false
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		if cmd.IdempotencyKey != "" {
			seen, err := idempotencySeen(ctx, tx, cmd.IdempotencyKey)
			if err != nil {
				return err
			}
			if seen {
				replayed = true
				return nil
			}
		}

		if err := tx.QueryRow(ctx,
			`UPDATE conversations SET current_epoch = $2, updated_at = now() WHERE convo_id = $1 AND current_epoch = $3 RETURNING current_epoch`,
			a.convoID, newEpoch, a.st.currentEpoch,
		).Scan(&newEpoch); err != nil {
			return fmt.Errorf("advancing epoch: %w", err)
		}
		for _, did := range cmd.Targets {
			if _, err := tx.Exec(ctx,
				`UPDATE memberships SET left_at = now(), needs_rejoin = FALSE, rejoin_requested_at = NULL
				 WHERE convo_id = $1 AND member_mls_did = $2 AND left_at IS NULL`,
				a.convoID, did,
			); err != nil {
				return fmt.Errorf("removing member %s: %w", did, err)
			}
		}
		if cmd.IsAdminAction {
			if _, err := tx.Exec(ctx,
				`INSERT INTO admin_actions (id, convo_id, actor_did, action, target_did, reason, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, now())`,
				models.NewULID().String(), a.convoID, cmd.ActorDID, models.AdminActionRemove, cmd.Targets[0], cmd.Reason,
			); err != nil {
				return fmt.Errorf("journaling admin action: %w", err)
			}
		}
		if cmd.IdempotencyKey != "" {
			if err := recordIdempotency(ctx, tx, cmd.IdempotencyKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cmd.reply <- RemoveMemberResult{Err: wrapStorageErr(err)}
		return
	}
	if replayed {
		cmd.reply <- RemoveMemberResult{NewEpoch: a.st.currentEpoch}
		return
	}

	a.st.currentEpoch = newEpoch
	for _, did := range cmd.Targets {
		delete(a.st.activeMembers, did)
		delete(a.st.adminMembers, did)
		delete(a.st.unreadCounts, did)
	}

	kind := models.EventMembershipChanged
	a.publish(ctx, kind, map[string]any{"convo_id": a.convoID, "removed": cmd.Targets, "epoch": newEpoch})
	cmd.reply <- RemoveMemberResult{NewEpoch: newEpoch}
}

func (a *Actor) handleSendApplicationMessage(cmd *SendApplicationMessage) {
	ctx, cancel := withDeadline(cmd.ctx, false)
	defer cancel()

	if _, ok := a.st.activeMembers[cmd.SenderDID]; !ok {
		cmd.reply <- SendApplicationMessageResult{Err: dserr.Forbidden("not_member", "caller is not an active member of this conversation")}
		return
	}
	if cmd.ClaimedEpoch != a.st.currentEpoch {
		cmd.reply <- SendApplicationMessageResult{Err: dserr.Conflict("epoch_mismatch", "claimed epoch does not match current epoch")}
		return
	}

	bucketTS := models.BucketTimestamp(time.Now())
	paddedSize := models.PaddedSize(cmd.DeclaredSize)
	var (
		messageID int64
		seq       int64
		createdAt time.Time
	)
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		var existingID int64
		existingErr := tx.QueryRow(ctx,
			`SELECT id, seq, created_at FROM messages WHERE convo_id = $1 AND msg_id = $2`,
			a.convoID, cmd.MsgID,
		).Scan(&existingID, &seq, &createdAt)
		if existingErr == nil {
			messageID = existingID
			return nil // idempotent resend: P5, return original row
		}
		if !errors.Is(existingErr, pgx.ErrNoRows) {
			return fmt.Errorf("checking duplicate message: %w", existingErr)
		}

		// Lock the parent conversation row (§4.A "critical queries": next
		// sequence is computed within the conversation-locked transaction).
		// FOR UPDATE cannot sit on the aggregate query itself — Postgres
		// rejects FOR UPDATE combined with an aggregate function.
		if _, err := tx.Exec(ctx, `SELECT convo_id FROM conversations WHERE convo_id = $1 FOR UPDATE`, a.convoID); err != nil {
			return fmt.Errorf("locking conversation row: %w", err)
		}

		var nextSeq int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE convo_id = $1`,
			a.convoID,
		).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		createdAt = time.Now().UTC()
		expiresAt := createdAt.Add(models.MessageTTL)
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (msg_id, convo_id, sender_did, message_type, epoch, seq, ciphertext,
			   embed_type, embed_uri, declared_size, padded_size, received_bucket_ts, created_at, expires_at, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 RETURNING id, seq, created_at`,
			cmd.MsgID, a.convoID, cmd.SenderDID, models.MessageTypeApp, cmd.ClaimedEpoch, nextSeq, cmd.Ciphertext,
			cmd.EmbedType, cmd.EmbedURI, cmd.DeclaredSize, paddedSize, bucketTS, createdAt, expiresAt, cmd.IdempotencyKey,
		).Scan(&messageID, &seq, &createdAt); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	if err != nil {
		cmd.reply <- SendApplicationMessageResult{Err: wrapStorageErr(err)}
		return
	}

	for did := range a.st.activeMembers {
		if did == cmd.SenderDID {
			continue
		}
		a.st.unreadCounts[did]++
	}

	activeMembers := make([]string, 0, len(a.st.activeMembers))
	for did := range a.st.activeMembers {
		activeMembers = append(activeMembers, did)
	}
	if a.fanout != nil {
		if err := a.fanout.DeliverMessage(ctx, a.convoID, messageID, cmd.SenderDID, activeMembers); err != nil {
			a.logger.Error("fanout failed", slog.String("error", err.Error()))
		}
	}
	a.publish(ctx, models.EventMessageReceived, map[string]any{
		"convo_id": a.convoID, "message_id": messageID, "sender_did": cmd.SenderDID, "seq": seq,
	})

	cmd.reply <- SendApplicationMessageResult{MessageID: messageID, Seq: seq, CreatedAt: createdAt}
}

func (a *Actor) handleProcessExternalCommit(cmd *ProcessExternalCommit) {
	ctx, cancel := withDeadline(cmd.ctx, false)
	defer cancel()

	newEpoch := a.st.currentEpoch + 1
	now := time.Now()
	err := withRetry(ctx, a.pool, func(tx pgx.Tx) error {
		var rows int
		var banned bool
		var lastActive *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(bool_or(banned_at IS NOT NULL), false), max(COALESCE(left_at, now()))
			 FROM memberships WHERE convo_id = $1 AND user_did = $2`,
			a.convoID, models.UserDIDOf(cmd.ActorDID),
		).Scan(&rows, &banned, &lastActive); err != nil {
			return fmt.Errorf("checking rejoin eligibility: %w", err)
		}
		if rows == 0 || banned || now.Sub(*lastActive) > 30*24*time.Hour {
			return dserr.Forbidden("not_eligible", "caller is not a past or current, non-banned, non-lapsed member")
		}
		if err := tx.QueryRow(ctx,
			`UPDATE conversations SET current_epoch = $2, updated_at = now() WHERE convo_id = $1 AND current_epoch = $3 RETURNING current_epoch`,
			a.convoID, newEpoch, a.st.currentEpoch,
		).Scan(&newEpoch); err != nil {
			return fmt.Errorf("advancing epoch: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memberships (convo_id, member_mls_did, user_did, device_id, joined_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (convo_id, member_mls_did)
			 DO UPDATE SET left_at = NULL, needs_rejoin = FALSE, rejoin_requested_at = NULL, joined_at = $5`,
			a.convoID, cmd.ActorDID, models.UserDIDOf(cmd.ActorDID), models.DeviceIDOf(cmd.ActorDID), now,
		); err != nil {
			return fmt.Errorf("rejoining member: %w", err)
		}
		return nil
	})
	if err != nil {
		cmd.reply <- ProcessExternalCommitResult{Err: wrapStorageErr(err)}
		return
	}

	a.st.currentEpoch = newEpoch
	a.st.activeMembers[cmd.ActorDID] = true
	a.publish(ctx, models.EventCommitProcessed, map[string]any{
		"convo_id": a.convoID, "rejoined": cmd.ActorDID, "epoch": newEpoch,
	})
	cmd.reply <- ProcessExternalCommitResult{NewEpoch: newEpoch, RejoinedAt: now}
}

func (a *Actor) publish(ctx context.Context, kind models.EventKind, payload any) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, a.convoID, kind, payload); err != nil {
		a.logger.Error("event publish failed", slog.String("error", err.Error()))
	}
}

func wrapStorageErr(err error) error {
	if dsErr, ok := dserr.As(err); ok {
		return dsErr
	}
	return dserr.ServiceUnavailable("storage_error", "could not complete the operation, please retry")
}

func idempotencySeen(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	var expiresAt time.Time
	err := tx.QueryRow(ctx, `SELECT expires_at FROM idempotency_records WHERE key = $1`, key).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking idempotency record: %w", err)
	}
	return time.Now().Before(expiresAt), nil
}

func recordIdempotency(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO idempotency_records (key, response_hash, expires_at) VALUES ($1, '', $2)
		 ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC().Add(models.IdempotencyTTL),
	)
	return err
}
