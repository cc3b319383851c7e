package workers

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	cfg := Config{
		Pool:                     nil,
		Bus:                      nil,
		Logger:                   nil,
		MessageSweepInterval:     time.Minute,
		IdempotencySweepInterval: time.Minute,
		RejoinRetryInterval:      time.Minute,
		RejoinRetryTimeout:       time.Minute,
	}

	m := New(cfg)
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.pool != nil {
		t.Error("pool should be nil")
	}
	if m.bus != nil {
		t.Error("bus should be nil")
	}
	if m.logger == nil {
		t.Error("logger should default to slog.Default when Config.Logger is nil")
	}
}

func TestManager_StartStop_NoJobsConfigured(t *testing.T) {
	m := New(Config{Logger: slog.Default()})

	m.Start(context.Background())
	m.Stop()
}

func TestManager_RunLoop_DisabledByNonPositiveInterval(t *testing.T) {
	m := New(Config{Logger: slog.Default()})

	called := false
	m.runLoop(context.Background(), "test_job", 0, func(ctx context.Context) error {
		called = true
		return nil
	})

	if called {
		t.Error("runLoop should not invoke fn when interval <= 0")
	}
}

func TestManager_RunLoop_StopsOnContextCancel(t *testing.T) {
	m := New(Config{Logger: slog.Default()})
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	m.runLoop(ctx, "test_job", time.Millisecond, func(ctx context.Context) error {
		count++
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	cancel()
	m.wg.Wait()

	if count == 0 {
		t.Error("expected runLoop to have invoked fn at least once before cancellation")
	}
}
