// Package models defines shared data types for all Delivery Service entities:
// users, devices, key packages, conversations, memberships, messages,
// envelopes, welcome messages, reports, admin actions, event-stream entries,
// idempotency records, and blocks. Types carry JSON tags for API serialization
// and match the PostgreSQL schema in internal/database/migrations exactly.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// UserDIDOf strips a device fragment from a credential DID
// ("<user_did>#<device_uuid>") to recover the underlying user DID. Returns
// credentialDID unchanged if it carries no fragment.
func UserDIDOf(credentialDID string) string {
	if i := strings.IndexByte(credentialDID, '#'); i >= 0 {
		return credentialDID[:i]
	}
	return credentialDID
}

// DeviceIDOf extracts the device fragment from a credential DID
// ("<user_did>#<device_uuid>"). Returns an empty string if credentialDID
// carries no fragment.
func DeviceIDOf(credentialDID string) string {
	if i := strings.IndexByte(credentialDID, '#'); i >= 0 {
		return credentialDID[i+1:]
	}
	return ""
}

// User represents a DID-identified account known to this Delivery Service.
// Created on first device registration; never deleted while any device row
// for the user still exists. Corresponds to the users table.
type User struct {
	UserDID    string    `json:"user_did"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Device represents one MLS leaf belonging to a user. CredentialDID is the
// device-scoped identifier used as the MLS leaf identity, of the form
// "<user_did>#<device_uuid>". Corresponds to the devices table.
type Device struct {
	DeviceID           string    `json:"device_id"`
	UserDID            string    `json:"user_did"`
	CredentialDID      string    `json:"credential_did"`
	SignaturePublicKey []byte    `json:"signature_public_key"`
	RegisteredAt       time.Time `json:"registered_at"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	PushToken          *string   `json:"push_token,omitempty"`
	Platform           *string   `json:"platform,omitempty"`
}

// KeyPackage lifecycle states.
const (
	KeyPackageStatePublished = "published"
	KeyPackageStateReserved  = "reserved"
	KeyPackageStateConsumed  = "consumed"
	KeyPackageStateExpired   = "expired"
)

// KeyPackage is an MLS KeyPackage published by a device so it can be added to
// a group. Consumed at most once. Corresponds to the key_packages table.
type KeyPackage struct {
	ID                 string     `json:"id"`
	OwnerCredentialDID string     `json:"owner_credential_did"`
	OwnerUserDID       string     `json:"owner_user_did"`
	CipherSuite        string     `json:"cipher_suite"`
	Data               []byte     `json:"data"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	ConsumedAt         *time.Time `json:"consumed_at,omitempty"`
	ReservedByConvo    *string    `json:"reserved_by_convo,omitempty"`
}

// Expired reports whether the key package is past its expiry at time t.
func (k KeyPackage) Expired(t time.Time) bool { return t.After(k.ExpiresAt) }

// Conversation is an MLS group coordinated by this Delivery Service. Created
// by convo.Service.CreateConvo at epoch 0. CurrentEpoch is the authority other
// operations gate on and is strictly monotonic per conversation.
// Corresponds to the conversations table.
type Conversation struct {
	ConvoID      string    `json:"convo_id"`
	CreatorDID   string    `json:"creator_did"`
	CurrentEpoch int64     `json:"current_epoch"`
	Title        *string   `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Membership is one (convo, member credential) row. A row with LeftAt set is
// inactive and invisible to membership checks. Corresponds to the
// memberships table, keyed on (convo_id, member_mls_did).
type Membership struct {
	ConvoID            string     `json:"convo_id"`
	MemberMLSDID       string     `json:"member_mls_did"`
	UserDID            string     `json:"user_did"`
	DeviceID           string     `json:"device_id"`
	JoinedAt           time.Time  `json:"joined_at"`
	LeftAt             *time.Time `json:"left_at,omitempty"`
	IsAdmin            bool       `json:"is_admin"`
	PromotedAt         *time.Time `json:"promoted_at,omitempty"`
	PromotedBy         *string    `json:"promoted_by,omitempty"`
	BannedAt           *time.Time `json:"banned_at,omitempty"`
	NeedsRejoin        bool       `json:"needs_rejoin"`
	RejoinRequestedAt  *time.Time `json:"rejoin_requested_at,omitempty"`
	UnreadCount        int        `json:"unread_count"`
}

// Active reports whether the membership row is currently active (not left).
func (m Membership) Active() bool { return m.LeftAt == nil }

// Message types.
const (
	MessageTypeApp    = "app"
	MessageTypeCommit = "commit"
)

// Message is a persisted ciphertext record: either an application message
// (with a dense per-conversation Seq) or an MLS commit (keyed by Epoch).
// Corresponds to the messages table.
type Message struct {
	ID               int64      `json:"-"`
	MsgID            string     `json:"msg_id"`
	ConvoID          string     `json:"convo_id"`
	SenderDID        string     `json:"sender_did"`
	MessageType      string     `json:"message_type"`
	Epoch            int64      `json:"epoch"`
	Seq              int64      `json:"seq"`
	Ciphertext       []byte     `json:"ciphertext"`
	EmbedType        *string    `json:"embed_type,omitempty"`
	EmbedURI         *string    `json:"embed_uri,omitempty"`
	DeclaredSize     int        `json:"declared_size"`
	PaddedSize       int        `json:"padded_size"`
	ReceivedBucketTS time.Time  `json:"received_bucket_ts"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IdempotencyKey   *string    `json:"idempotency_key,omitempty"`
}

// MessageTTL is the lifetime of a persisted message before it is eligible for
// expiry sweep (§3: expires_at = created_at + 30 days).
const MessageTTL = 30 * 24 * time.Hour

// BucketInterval is the alignment window for ReceivedBucketTS (§3, §8 P10).
const BucketInterval = 2 * time.Second

// BucketTimestamp floors t to the nearest BucketInterval boundary.
func BucketTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(BucketInterval)
}

// MaxPaddedSizeExponent bounds the padded-size power-of-two bucket (2^24).
const MaxPaddedSizeExponent = 24

// PaddedSize returns the smallest power-of-two bucket >= declaredSize, capped
// at 2^MaxPaddedSizeExponent (§3, §8 P10).
func PaddedSize(declaredSize int) int {
	if declaredSize <= 1 {
		return 1
	}
	size := 1
	exp := 0
	for size < declaredSize && exp < MaxPaddedSizeExponent {
		size <<= 1
		exp++
	}
	return size
}

// Envelope is a per-recipient delivery record. Envelopes are inserted by the
// fan-out step in their own transaction, after the transaction that stored
// the message has committed, so a message can exist without its envelopes.
// Carries no ciphertext of its own.
// Corresponds to the envelopes table.
type Envelope struct {
	ID           string     `json:"id"`
	MessageID    int64      `json:"-"`
	ConvoID      string     `json:"convo_id"`
	RecipientDID string     `json:"recipient_did"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
}

// WelcomeMessage is produced when a device is added to a conversation and
// polled by the new device via getWelcome. Corresponds to the
// welcome_messages table.
type WelcomeMessage struct {
	ID                  string     `json:"id"`
	ConvoID             string     `json:"convo_id"`
	TargetCredentialDID string     `json:"target_credential_did"`
	Data                []byte     `json:"data"`
	CreatedAt           time.Time  `json:"created_at"`
	ConsumedAt          *time.Time `json:"consumed_at,omitempty"`
}

// Report statuses.
const (
	ReportStatusPending   = "pending"
	ReportStatusResolved  = "resolved"
	ReportStatusDismissed = "dismissed"
)

// Report is an encrypted moderation report. EncryptedContent is opaque to the
// Delivery Service; only admins sharing the group key can decrypt it.
// Corresponds to the reports table.
type Report struct {
	ID               string     `json:"id"`
	ConvoID          string     `json:"convo_id"`
	ReporterDID      string     `json:"reporter_did"`
	ReportedDID      string     `json:"reported_did"`
	Category         string     `json:"category"`
	EncryptedContent []byte     `json:"encrypted_content"`
	CreatedAt        time.Time  `json:"created_at"`
	Status           string     `json:"status"`
	ResolvedBy       *string    `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// Admin action kinds.
const (
	AdminActionPromote = "promote"
	AdminActionDemote  = "demote"
	AdminActionRemove  = "remove"
)

// AdminAction is an append-only audit log entry. Corresponds to the
// admin_actions table.
type AdminAction struct {
	ID        string    `json:"id"`
	ConvoID   string    `json:"convo_id"`
	ActorDID  string    `json:"actor_did"`
	Action    string    `json:"action"`
	TargetDID *string   `json:"target_did,omitempty"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventKind identifies one of the event stream's fact types (§4.F).
type EventKind string

// Event kinds published to the event stream (§4.F).
const (
	EventMessageReceived    EventKind = "message_received"
	EventCommitProcessed    EventKind = "commit_processed"
	EventMembershipChanged  EventKind = "membership_changed"
	EventMembershipConflict EventKind = "membership_conflict"
	EventAdminChanged       EventKind = "admin_changed"
	EventReportSubmitted    EventKind = "report_submitted"
	EventWelcomeAvailable   EventKind = "welcome_available"
	EventRejoinRequested    EventKind = "rejoin_requested"
)

// EventStreamEntry is one totally-ordered, cursor-addressable fact in a
// conversation's event stream. Corresponds to the event_stream table.
type EventStreamEntry struct {
	Cursor    ULID            `json:"cursor"`
	ConvoID   string          `json:"convo_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// IdempotencyRecord scope-limits deduplication for mutating RPCs.
// Corresponds to the idempotency_records table.
type IdempotencyRecord struct {
	Key          string    `json:"key"`
	ResponseHash string    `json:"response_hash"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IdempotencyTTL is the default retention window for idempotency records.
const IdempotencyTTL = 24 * time.Hour

// Block is a directional social-graph edge used only to gate co-membership.
// Corresponds to the blocks table.
type Block struct {
	UserDID   string    `json:"user_did"`
	TargetDID string    `json:"target_did"`
	Source    string    `json:"source"`
	SyncedAt  time.Time `json:"synced_at"`
}

// GroupInfoCacheTTL bounds how long a cached GroupInfo blob may be served
// before a client must refresh it (§6 getGroupInfo: "TTL <= 5min").
const GroupInfoCacheTTL = 5 * time.Minute

// GroupInfoCache holds the most recently published opaque MLS GroupInfo
// object for a conversation, used to serve external-commit joins. TreeHash is
// an optional opaque consistency hint; neither field is ever interpreted by
// the Delivery Service. Corresponds to the group_info_cache table.
type GroupInfoCache struct {
	ConvoID   string    `json:"convo_id"`
	Epoch     int64     `json:"epoch"`
	GroupInfo []byte    `json:"group_info"`
	TreeHash  []byte    `json:"tree_hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the cached GroupInfo is older than its TTL at t.
func (g GroupInfoCache) Expired(t time.Time) bool {
	return t.After(g.UpdatedAt.Add(GroupInfoCacheTTL))
}
