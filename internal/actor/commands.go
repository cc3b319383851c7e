package actor

import (
	"context"
	"time"

	"github.com/amityvox/deliveryservice/internal/models"
)

// command is the interface every mailbox message implements: execute runs
// against the actor's in-memory state and storage, and reports its result on
// the command's own reply channel.
type command interface {
	execute(a *Actor)
}

// AddMembers adds one or more credential DIDs to the conversation via a
// commit the caller already produced client-side (§4.C, §6 addMembers).
type AddMembers struct {
	ctx            context.Context
	ActorDID       string
	Commit         []byte
	Welcome        []byte
	Added          []string
	IdempotencyKey string
	reply          chan AddMembersResult
}

// AddMembersResult is returned on AddMembers.reply.
type AddMembersResult struct {
	NewEpoch int64
	Err      error
}

// RemoveMember removes one or more members via an admin- or self-issued
// commit (§6 removeMember / leaveConvo).
type RemoveMember struct {
	ctx            context.Context
	ActorDID       string
	Commit         []byte
	Targets        []string
	Reason         *string
	IsAdminAction  bool
	IdempotencyKey string
	reply          chan RemoveMemberResult
}

// RemoveMemberResult is returned on RemoveMember.reply.
type RemoveMemberResult struct {
	NewEpoch int64
	Err      error
}

// SendApplicationMessage delivers one ciphertext application message at the
// caller's claimed epoch (§6 sendMessage, §8 P4/P5/P10).
type SendApplicationMessage struct {
	ctx            context.Context
	SenderDID      string
	MsgID          string
	Ciphertext     []byte
	ClaimedEpoch   int64
	DeclaredSize   int
	IdempotencyKey *string
	EmbedType      *string
	EmbedURI       *string
	reply          chan SendApplicationMessageResult
}

// SendApplicationMessageResult is returned on SendApplicationMessage.reply.
type SendApplicationMessageResult struct {
	MessageID int64
	Seq       int64
	CreatedAt time.Time
	Err       error
}

// ProcessExternalCommit admits a (re)joining member via a self-issued
// external commit (§6 processExternalCommit, §4.C rejoin handling).
type ProcessExternalCommit struct {
	ctx            context.Context
	ActorDID       string
	ExternalCommit []byte
	reply          chan ProcessExternalCommitResult
}

// ProcessExternalCommitResult is returned on ProcessExternalCommit.reply.
type ProcessExternalCommitResult struct {
	NewEpoch  int64
	RejoinedAt time.Time
	Err       error
}

// ListActiveMembers returns the actor's current active member set, used for
// the full existing-member block gate ahead of addMembers (§4.H, §8 P8).
type ListActiveMembers struct {
	reply chan ListActiveMembersResult
}

// ListActiveMembersResult is returned on ListActiveMembers.reply.
type ListActiveMembersResult struct {
	Members []string
	Err     error
}

// GetEpoch returns the actor's current in-memory epoch without touching storage.
type GetEpoch struct {
	reply chan GetEpochResult
}

// GetEpochResult is returned on GetEpoch.reply.
type GetEpochResult struct {
	Epoch int64
	Err   error
}

// ResetUnread zeroes the caller's unread counter for this conversation.
type ResetUnread struct {
	ctx      context.Context
	ActorDID string
	reply    chan error
}

// PromoteAdmin grants admin status to a target member (§6 promoteAdmin).
type PromoteAdmin struct {
	ctx      context.Context
	ActorDID string
	Target   string
	reply    chan error
}

// DemoteAdmin revokes admin status from a target member, self-demotion
// allowed, minimum-admin invariant enforced (§8 P7).
type DemoteAdmin struct {
	ctx      context.Context
	ActorDID string
	Target   string
	reply    chan error
}

// state is the actor's in-memory mirror of conversation state (§4.C),
// loaded on spawn and write-through updated only after a transaction commits.
type state struct {
	currentEpoch   int64
	nextSeq        int64
	unreadCounts   map[string]int64
	activeMembers  map[string]bool
	adminMembers   map[string]bool
	lastActivity   time.Time
}

func (s *state) activeCount() int { return len(s.activeMembers) }

func loadStateFromRows(rows []models.Membership, epoch int64, seq int64) *state {
	s := &state{
		currentEpoch:  epoch,
		nextSeq:       seq,
		unreadCounts:  make(map[string]int64, len(rows)),
		activeMembers: make(map[string]bool, len(rows)),
		adminMembers:  make(map[string]bool, len(rows)),
		lastActivity:  time.Now(),
	}
	for _, m := range rows {
		if !m.Active() {
			continue
		}
		s.activeMembers[m.MemberMLSDID] = true
		s.unreadCounts[m.MemberMLSDID] = m.UnreadCount
		if m.IsAdmin {
			s.adminMembers[m.MemberMLSDID] = true
		}
	}
	return s
}
