// Package convo implements the Delivery Service operations that create or
// read conversation-adjacent state outside any single actor's mailbox:
// conversation creation, key package publish/claim, welcome delivery, group
// info caching, device registration, and expected-conversation/message
// listing (§6). Grounded on the teacher's internal/federation/mls.go (atomic
// key-package claim via DELETE ... RETURNING) and internal/channels.go
// (list-then-paginate query shape), adapted from guild channels to MLS
// conversations.
package convo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/deliveryservice/internal/admin"
	"github.com/amityvox/deliveryservice/internal/dserr"
	"github.com/amityvox/deliveryservice/internal/events"
	"github.com/amityvox/deliveryservice/internal/models"
)

// MaxKeyPackageSize is the §6 size limit for an uploaded MLS KeyPackage.
const MaxKeyPackageSize = 64 * 1024

// MaxKeyPackageBatch bounds how many credential DIDs a single getKeyPackages
// call may request (§4.E: "per-DID rate-limited (harvest resistance)").
const MaxKeyPackageBatch = 100

// Service implements conversation lifecycle and key-package operations.
type Service struct {
	pool  *pgxpool.Pool
	bus   *events.Bus
	admin *admin.Service
}

func New(pool *pgxpool.Pool, bus *events.Bus, adminSvc *admin.Service) *Service {
	return &Service{pool: pool, bus: bus, admin: adminSvc}
}

// CreateConvo creates a conversation with creatorDID as its sole initial
// admin member. invites are credential DIDs the caller intends to add in a
// follow-up addMembers call; the block gate is enforced against them here
// too, since §4.H requires the precheck at createConvo time even though
// membership rows for invites are not created until addMembers succeeds.
func (s *Service) CreateConvo(ctx context.Context, creatorCredentialDID string, invites []string, title *string) (convoID string, err error) {
	if s.admin != nil && len(invites) > 0 {
		candidates := append([]string{creatorCredentialDID}, invites...)
		if err := s.admin.EnforceBlockGate(ctx, candidates); err != nil {
			return "", err
		}
	}

	convoID = models.NewULID().String()
	creatorUserDID := models.UserDIDOf(creatorCredentialDID)
	deviceID := models.DeviceIDOf(creatorCredentialDID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning createConvo transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (convo_id, creator_did, current_epoch, title) VALUES ($1, $2, 0, $3)`,
		convoID, creatorUserDID, title,
	); err != nil {
		return "", fmt.Errorf("inserting conversation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO memberships (convo_id, member_mls_did, user_did, device_id, is_admin)
		 VALUES ($1, $2, $3, $4, true)`,
		convoID, creatorCredentialDID, creatorUserDID, deviceID,
	); err != nil {
		return "", fmt.Errorf("inserting creator membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing createConvo transaction: %w", err)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, convoID, models.EventMembershipChanged, map[string]any{
			"actor_did": creatorCredentialDID, "change": "created",
		})
	}
	return convoID, nil
}

// PublishKeyPackage stores a client-uploaded MLS KeyPackage for later use in
// adding ownerCredentialDID to a group (§6 publishKeyPackage).
func (s *Service) PublishKeyPackage(ctx context.Context, ownerCredentialDID, cipherSuite string, data []byte, expiresAt time.Time) (string, error) {
	if len(data) == 0 {
		return "", dserr.BadRequest("empty_key_package", "key_package must not be empty")
	}
	if len(data) > MaxKeyPackageSize {
		return "", dserr.BadRequest("key_package_too_large", "key_package exceeds the maximum size")
	}

	id := models.NewULID().String()
	ownerUserDID := models.UserDIDOf(ownerCredentialDID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_packages (id, owner_credential_did, owner_user_did, cipher_suite, data, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, ownerCredentialDID, ownerUserDID, cipherSuite, data, expiresAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting key package: %w", err)
	}
	return id, nil
}

// GetKeyPackages atomically claims one unconsumed, unreserved, unexpired key
// package per requested credential DID via DELETE ... RETURNING, so the same
// key package can never be handed to two concurrent callers. Credential DIDs
// with no available key package are simply absent from the result.
func (s *Service) GetKeyPackages(ctx context.Context, credentialDIDs []string) ([]models.KeyPackage, error) {
	if len(credentialDIDs) == 0 {
		return nil, dserr.BadRequest("empty_request", "credential_dids must not be empty")
	}
	if len(credentialDIDs) > MaxKeyPackageBatch {
		return nil, dserr.BadRequest("too_many_dids", "credential_dids exceeds the maximum batch size")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning key package claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claimed := make([]models.KeyPackage, 0, len(credentialDIDs))
	for _, did := range credentialDIDs {
		var kp models.KeyPackage
		err := tx.QueryRow(ctx,
			`DELETE FROM key_packages
			 WHERE id = (
				 SELECT id FROM key_packages
				 WHERE owner_credential_did = $1 AND expires_at > now()
				   AND consumed_at IS NULL AND reserved_by_convo IS NULL
				 ORDER BY created_at ASC LIMIT 1
			 )
			 RETURNING id, owner_credential_did, owner_user_did, cipher_suite, data, created_at, expires_at`,
			did,
		).Scan(&kp.ID, &kp.OwnerCredentialDID, &kp.OwnerUserDID, &kp.CipherSuite, &kp.Data, &kp.CreatedAt, &kp.ExpiresAt)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claiming key package for %s: %w", did, err)
		}
		claimed = append(claimed, kp)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing key package claim: %w", err)
	}
	return claimed, nil
}

// PublishGroupInfo caches the latest opaque MLS GroupInfo object for a
// conversation, replacing any previous entry. No RPC route calls it, so
// nothing in the server keeps the cache at the most recent epoch.
func (s *Service) PublishGroupInfo(ctx context.Context, convoID string, epoch int64, groupInfo, treeHash []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_info_cache (convo_id, epoch, group_info, tree_hash, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (convo_id) DO UPDATE SET
		   epoch = EXCLUDED.epoch, group_info = EXCLUDED.group_info,
		   tree_hash = EXCLUDED.tree_hash, updated_at = now()`,
		convoID, epoch, groupInfo, treeHash,
	)
	if err != nil {
		return fmt.Errorf("caching group info for %s: %w", convoID, err)
	}
	return nil
}

// GetGroupInfo returns the cached GroupInfo for a conversation, within its
// TTL (§6 getGroupInfo). Callers are expected to have already checked the
// caller is a current or recent member.
func (s *Service) GetGroupInfo(ctx context.Context, convoID string) (*models.GroupInfoCache, error) {
	var g models.GroupInfoCache
	g.ConvoID = convoID
	err := s.pool.QueryRow(ctx,
		`SELECT epoch, group_info, tree_hash, updated_at FROM group_info_cache WHERE convo_id = $1`,
		convoID,
	).Scan(&g.Epoch, &g.GroupInfo, &g.TreeHash, &g.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, dserr.NotFound("no_group_info", "no group info has been published for this conversation")
	}
	if err != nil {
		return nil, fmt.Errorf("loading group info for %s: %w", convoID, err)
	}
	if g.Expired(time.Now()) {
		return nil, dserr.NotFound("group_info_expired", "cached group info has expired, ask an active member to republish")
	}
	return &g, nil
}

// GetExpectedConversations lists the convo_ids a user DID is currently an
// active member of across all of their devices (§6 getExpectedConversations;
// used by a newly registered device to know what it should expect a Welcome
// for).
func (s *Service) GetExpectedConversations(ctx context.Context, userDID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT convo_id FROM memberships WHERE user_did = $1 AND left_at IS NULL`,
		userDID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expected conversations for %s: %w", userDID, err)
	}
	defer rows.Close()

	var convoIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		convoIDs = append(convoIDs, id)
	}
	return convoIDs, rows.Err()
}

// GetMessages returns a page of messages for a conversation, newest first,
// ciphertext included (§6 getMessages). cursor, if non-zero, is the last
// message ID seen by the caller; callers are expected to have already
// checked the caller is an active member or left within the past 30 days.
func (s *Service) GetMessages(ctx context.Context, convoID string, cursor int64, limit int) ([]models.Message, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT id, msg_id, convo_id, sender_did, message_type, epoch, seq, ciphertext,
	          embed_type, embed_uri, declared_size, padded_size, received_bucket_ts, created_at, expires_at
	          FROM messages WHERE convo_id = $1`
	args := []any{convoID}
	if cursor > 0 {
		query += ` AND id < $2 ORDER BY id DESC LIMIT $3`
		args = append(args, cursor, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages for %s: %w", convoID, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ConvoID, &m.SenderDID, &m.MessageType, &m.Epoch, &m.Seq,
			&m.Ciphertext, &m.EmbedType, &m.EmbedURI, &m.DeclaredSize, &m.PaddedSize,
			&m.ReceivedBucketTS, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, 0, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var nextCursor int64
	if len(messages) == limit {
		nextCursor = messages[len(messages)-1].ID
	}
	return messages, nextCursor, nil
}

// MarkNeedsRejoin flags a membership row as requiring a fresh external
// commit, e.g. after the member's device detects it can no longer decrypt
// (§6 markNeedsRejoin).
func (s *Service) MarkNeedsRejoin(ctx context.Context, convoID, credentialDID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET needs_rejoin = true, rejoin_requested_at = now()
		 WHERE convo_id = $1 AND member_mls_did = $2 AND left_at IS NULL`,
		convoID, credentialDID,
	)
	if err != nil {
		return false, fmt.Errorf("marking needs_rejoin for %s in %s: %w", credentialDID, convoID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, convoID, models.EventRejoinRequested, map[string]any{"credential_did": credentialDID})
	}
	return true, nil
}

// DeliverWelcome stores a Welcome message an active member produced for a
// joining or rejoining device, and notifies the target via the event stream
// (§4.G welcome orchestration, §6 deliverWelcome).
func (s *Service) DeliverWelcome(ctx context.Context, convoID, targetCredentialDID string, data []byte) error {
	if len(data) == 0 {
		return dserr.BadRequest("empty_welcome", "welcome data must not be empty")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO welcome_messages (id, convo_id, target_credential_did, data) VALUES ($1, $2, $3, $4)`,
		models.NewULID().String(), convoID, targetCredentialDID, data,
	)
	if err != nil {
		return fmt.Errorf("storing welcome for %s in %s: %w", targetCredentialDID, convoID, err)
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, convoID, models.EventWelcomeAvailable, map[string]any{"target_credential_did": targetCredentialDID})
	}
	return nil
}

// RegisterDevice creates (or reuses) a user row and inserts a new device for
// it, persists any key packages uploaded alongside registration, and
// solicits a Welcome for each conversation the user's other active devices
// already belong to (§4.G automatic rejoin, §6 registerDevice). auto_joined
// lists the conversations a solicitation was issued for; the new device
// still must poll getWelcome once a member responds.
func (s *Service) RegisterDevice(ctx context.Context, userDID, deviceName string, signaturePublicKey []byte, keyPackages []KeyPackageUpload) (deviceID, credentialDID string, autoJoined []string, err error) {
	if len(signaturePublicKey) == 0 {
		return "", "", nil, dserr.BadRequest("missing_signature_key", "signature_public_key is required")
	}

	deviceID = models.NewULID().String()
	credentialDID = userDID + "#" + deviceID

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("beginning registerDevice transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (user_did) VALUES ($1) ON CONFLICT (user_did) DO UPDATE SET last_seen_at = now()`,
		userDID,
	); err != nil {
		return "", "", nil, fmt.Errorf("upserting user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO devices (device_id, user_did, credential_did, signature_public_key) VALUES ($1, $2, $3, $4)`,
		deviceID, userDID, credentialDID, signaturePublicKey,
	); err != nil {
		return "", "", nil, fmt.Errorf("inserting device: %w", err)
	}

	for _, kp := range keyPackages {
		if len(kp.Data) == 0 || len(kp.Data) > MaxKeyPackageSize {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO key_packages (id, owner_credential_did, owner_user_did, cipher_suite, data, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			models.NewULID().String(), credentialDID, userDID, kp.CipherSuite, kp.Data, kp.ExpiresAt,
		); err != nil {
			return "", "", nil, fmt.Errorf("inserting registration key package: %w", err)
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT DISTINCT convo_id FROM memberships WHERE user_did = $1 AND left_at IS NULL`, userDID,
	)
	if err != nil {
		return "", "", nil, fmt.Errorf("querying existing conversations for %s: %w", userDID, err)
	}
	for rows.Next() {
		var convoID string
		if err := rows.Scan(&convoID); err != nil {
			rows.Close()
			return "", "", nil, err
		}
		autoJoined = append(autoJoined, convoID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", "", nil, err
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return "", "", nil, fmt.Errorf("committing registerDevice transaction: %w", err)
	}

	if s.bus != nil {
		for _, convoID := range autoJoined {
			_ = s.bus.Publish(ctx, convoID, models.EventWelcomeAvailable, map[string]any{
				"target_credential_did": credentialDID, "reason": "new_device",
			})
		}
	}
	return deviceID, credentialDID, autoJoined, nil
}

// KeyPackageUpload is one key package uploaded as part of registerDevice.
type KeyPackageUpload struct {
	CipherSuite string
	Data        []byte
	ExpiresAt   time.Time
}

// GetWelcome returns and consumes the oldest pending Welcome for
// targetCredentialDID in convoID, if any (§6 getWelcome).
func (s *Service) GetWelcome(ctx context.Context, convoID, targetCredentialDID string) (*models.WelcomeMessage, error) {
	var w models.WelcomeMessage
	err := s.pool.QueryRow(ctx,
		`UPDATE welcome_messages SET consumed_at = now()
		 WHERE id = (
			 SELECT id FROM welcome_messages
			 WHERE convo_id = $1 AND target_credential_did = $2 AND consumed_at IS NULL
			 ORDER BY created_at ASC LIMIT 1
		 )
		 RETURNING id, convo_id, target_credential_did, data, created_at, consumed_at`,
		convoID, targetCredentialDID,
	).Scan(&w.ID, &w.ConvoID, &w.TargetCredentialDID, &w.Data, &w.CreatedAt, &w.ConsumedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming welcome for %s in %s: %w", targetCredentialDID, convoID, err)
	}
	return &w, nil
}
