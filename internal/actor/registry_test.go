package actor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testState(epoch int64) *state {
	return &state{
		currentEpoch:  epoch,
		nextSeq:       1,
		unreadCounts:  make(map[string]int64),
		activeMembers: make(map[string]bool),
		adminMembers:  make(map[string]bool),
		lastActivity:  time.Now(),
	}
}

// newTestRegistry builds a Registry with its eviction loop disabled so tests
// control evictIdle invocation explicitly.
func newTestRegistry() *Registry {
	return &Registry{
		logger:            testLogger(),
		inactivityTimeout: time.Minute,
		mailboxWarnDepth:  100,
		actors:            make(map[string]*Actor),
		stopEvictor:       make(chan struct{}),
	}
}

func TestRegistry_SendRoutesToSpawnedActor(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-1", nil, nil, nil, testLogger(), testState(3))
	r.actors["convo-1"] = a
	go a.run()
	defer close(a.mailbox)

	epoch, err := r.GetEpoch(context.Background(), "convo-1")
	if err != nil {
		t.Fatalf("GetEpoch: %v", err)
	}
	if epoch != 3 {
		t.Fatalf("epoch = %d, want 3", epoch)
	}
}

func TestRegistry_Send_ContextCanceled(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-1", nil, nil, nil, testLogger(), testState(0))
	// Fill the mailbox so the send below has no room and must observe
	// ctx.Done() instead of blocking forever.
	a.mailbox <- &GetEpoch{reply: make(chan GetEpochResult, 1)}
	r.actors["convo-1"] = a

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.GetEpoch(ctx, "convo-1"); err == nil {
		t.Fatal("expected error from canceled context, got nil")
	}
}

func TestRegistry_EvictIdle_RemovesInactiveEmptyActors(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-idle", nil, nil, nil, testLogger(), testState(0))
	a.st.lastActivity = time.Now().Add(-time.Hour)
	r.actors["convo-idle"] = a

	r.evictIdle()

	if _, ok := r.actors["convo-idle"]; ok {
		t.Fatal("expected idle actor to be evicted")
	}
	select {
	case _, open := <-a.mailbox:
		if open {
			t.Fatal("expected evicted actor's mailbox to be closed")
		}
	default:
		t.Fatal("expected evicted actor's mailbox to be closed, not empty-but-open")
	}
}

func TestRegistry_EvictIdle_KeepsRecentlyActiveActors(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-fresh", nil, nil, nil, testLogger(), testState(0))
	r.actors["convo-fresh"] = a

	r.evictIdle()

	if _, ok := r.actors["convo-fresh"]; !ok {
		t.Fatal("expected recently active actor to survive eviction")
	}
}

func TestRegistry_EvictIdle_KeepsActorsWithPendingWork(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-busy", nil, nil, nil, testLogger(), testState(0))
	a.st.lastActivity = time.Now().Add(-time.Hour)
	a.mailbox <- &GetEpoch{reply: make(chan GetEpochResult, 1)}
	r.actors["convo-busy"] = a

	r.evictIdle()

	if _, ok := r.actors["convo-busy"]; !ok {
		t.Fatal("expected actor with a pending command to survive eviction")
	}
}

func TestRegistry_Acquire_ReturnsExistingActorWithoutReload(t *testing.T) {
	r := newTestRegistry()
	a := newActor("convo-1", nil, nil, nil, testLogger(), testState(7))
	r.actors["convo-1"] = a

	got, err := r.acquire(context.Background(), "convo-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got != a {
		t.Fatal("expected acquire to return the already-spawned actor instance")
	}
}
