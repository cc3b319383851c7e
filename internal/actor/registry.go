package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/amityvox/deliveryservice/internal/models"
)

// Registry owns the lifetime of every active conversation's Actor: spawning
// on first use, routing commands to the running goroutine, and evicting
// idle actors (§4.D). Spawning is made idempotent with singleflight so
// concurrent first-requests for the same conversation share one load from
// storage instead of racing.
type Registry struct {
	pool   *pgxpool.Pool
	events EventPublisher
	fanout MessageFanout
	logger *slog.Logger

	inactivityTimeout time.Duration
	mailboxWarnDepth  int

	mu      sync.Mutex
	actors  map[string]*Actor
	spawnSF singleflight.Group

	stopEvictor chan struct{}
}

// NewRegistry builds a Registry and starts its background eviction loop.
func NewRegistry(pool *pgxpool.Pool, events EventPublisher, fanout MessageFanout, logger *slog.Logger, inactivityTimeout time.Duration, mailboxWarnDepth int) *Registry {
	r := &Registry{
		pool:              pool,
		events:            events,
		fanout:            fanout,
		logger:            logger,
		inactivityTimeout: inactivityTimeout,
		mailboxWarnDepth:  mailboxWarnDepth,
		actors:            make(map[string]*Actor),
		stopEvictor:       make(chan struct{}),
	}
	go r.evictLoop()
	return r
}

// Stop halts the eviction loop. Existing actors keep running; callers should
// drain in-flight requests before process shutdown.
func (r *Registry) Stop() {
	close(r.stopEvictor)
}

// acquire returns the running Actor for convoID, spawning and loading it
// from storage on first use.
func (r *Registry) acquire(ctx context.Context, convoID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[convoID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	v, err, _ := r.spawnSF.Do(convoID, func() (any, error) {
		r.mu.Lock()
		if a, ok := r.actors[convoID]; ok {
			r.mu.Unlock()
			return a, nil
		}
		r.mu.Unlock()

		st, err := loadState(ctx, r.pool, convoID)
		if err != nil {
			return nil, err
		}

		a := newActor(convoID, r.pool, r.events, r.fanout, r.logger, st)
		r.mu.Lock()
		r.actors[convoID] = a
		r.mu.Unlock()
		go a.run()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Actor), nil
}

// send routes cmd to convoID's actor, spawning it if necessary, and warns
// if the mailbox is backing up past the configured depth (§5 back-pressure).
func (r *Registry) send(ctx context.Context, convoID string, cmd command) error {
	a, err := r.acquire(ctx, convoID)
	if err != nil {
		return err
	}
	if depth := len(a.mailbox); depth >= r.mailboxWarnDepth {
		r.logger.Warn("actor mailbox depth high", slog.String("convo_id", convoID), slog.Int("depth", depth))
	}
	select {
	case a.mailbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLoop periodically retires actors whose mailbox is empty and which
// have been idle past inactivityTimeout (§4.D).
func (r *Registry) evictLoop() {
	ticker := time.NewTicker(r.inactivityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopEvictor:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for convoID, a := range r.actors {
		if len(a.mailbox) > 0 {
			continue
		}
		if now.Sub(a.st.lastActivity) < r.inactivityTimeout {
			continue
		}
		close(a.mailbox)
		delete(r.actors, convoID)
	}
}

// AddMembers sends an AddMembers command and waits for its result.
func (r *Registry) AddMembers(ctx context.Context, convoID string, cmd *AddMembers) (AddMembersResult, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan AddMembersResult, 1)
	if err := r.send(ctx, convoID, cmd); err != nil {
		return AddMembersResult{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-ctx.Done():
		return AddMembersResult{}, ctx.Err()
	}
}

// RemoveMember sends a RemoveMember command and waits for its result.
func (r *Registry) RemoveMember(ctx context.Context, convoID string, cmd *RemoveMember) (RemoveMemberResult, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan RemoveMemberResult, 1)
	if err := r.send(ctx, convoID, cmd); err != nil {
		return RemoveMemberResult{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-ctx.Done():
		return RemoveMemberResult{}, ctx.Err()
	}
}

// SendApplicationMessage sends a SendApplicationMessage command and waits
// for its result.
func (r *Registry) SendApplicationMessage(ctx context.Context, convoID string, cmd *SendApplicationMessage) (SendApplicationMessageResult, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan SendApplicationMessageResult, 1)
	if err := r.send(ctx, convoID, cmd); err != nil {
		return SendApplicationMessageResult{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-ctx.Done():
		return SendApplicationMessageResult{}, ctx.Err()
	}
}

// ProcessExternalCommit sends a ProcessExternalCommit command and waits for
// its result.
func (r *Registry) ProcessExternalCommit(ctx context.Context, convoID string, cmd *ProcessExternalCommit) (ProcessExternalCommitResult, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan ProcessExternalCommitResult, 1)
	if err := r.send(ctx, convoID, cmd); err != nil {
		return ProcessExternalCommitResult{}, err
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-ctx.Done():
		return ProcessExternalCommitResult{}, ctx.Err()
	}
}

// GetEpoch returns the conversation's current epoch.
func (r *Registry) GetEpoch(ctx context.Context, convoID string) (int64, error) {
	cmd := &GetEpoch{reply: make(chan GetEpochResult, 1)}
	if err := r.send(ctx, convoID, cmd); err != nil {
		return 0, err
	}
	select {
	case res := <-cmd.reply:
		return res.Epoch, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ListActiveMembers returns convoID's current active member credential DIDs.
func (r *Registry) ListActiveMembers(ctx context.Context, convoID string) ([]string, error) {
	cmd := &ListActiveMembers{reply: make(chan ListActiveMembersResult, 1)}
	if err := r.send(ctx, convoID, cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-cmd.reply:
		return res.Members, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResetUnread zeroes actorDID's unread counter for convoID.
func (r *Registry) ResetUnread(ctx context.Context, convoID, actorDID string) error {
	cmd := &ResetUnread{ctx: ctx, ActorDID: actorDID, reply: make(chan error, 1)}
	if err := r.send(ctx, convoID, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PromoteAdmin grants target admin status in convoID.
func (r *Registry) PromoteAdmin(ctx context.Context, convoID, actorDID, target string) error {
	cmd := &PromoteAdmin{ctx: ctx, ActorDID: actorDID, Target: target, reply: make(chan error, 1)}
	if err := r.send(ctx, convoID, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DemoteAdmin revokes target's admin status in convoID.
func (r *Registry) DemoteAdmin(ctx context.Context, convoID, actorDID, target string) error {
	cmd := &DemoteAdmin{ctx: ctx, ActorDID: actorDID, Target: target, reply: make(chan error, 1)}
	if err := r.send(ctx, convoID, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadState reads a conversation's epoch and active membership from storage
// to seed a freshly spawned actor (§4.C "loads on spawn").
func loadState(ctx context.Context, pool *pgxpool.Pool, convoID string) (*state, error) {
	var epoch int64
	if err := pool.QueryRow(ctx, `SELECT current_epoch FROM conversations WHERE convo_id = $1`, convoID).Scan(&epoch); err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", convoID, err)
	}

	var nextSeq int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE convo_id = $1`, convoID).Scan(&nextSeq); err != nil {
		return nil, fmt.Errorf("loading sequence for %s: %w", convoID, err)
	}

	rows, err := pool.Query(ctx,
		`SELECT convo_id, member_mls_did, user_did, device_id, joined_at, left_at, is_admin,
		        promoted_at, promoted_by, banned_at, needs_rejoin, rejoin_requested_at, unread_count
		 FROM memberships WHERE convo_id = $1`, convoID)
	if err != nil {
		return nil, fmt.Errorf("loading memberships for %s: %w", convoID, err)
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ConvoID, &m.MemberMLSDID, &m.UserDID, &m.DeviceID, &m.JoinedAt, &m.LeftAt,
			&m.IsAdmin, &m.PromotedAt, &m.PromotedBy, &m.BannedAt, &m.NeedsRejoin, &m.RejoinRequestedAt, &m.UnreadCount); err != nil {
			return nil, fmt.Errorf("scanning membership row: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memberships for %s: %w", convoID, err)
	}

	return loadStateFromRows(memberships, epoch, nextSeq), nil
}
