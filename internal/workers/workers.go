// Package workers runs the Delivery Service's background sweep jobs:
// purging expired messages/envelopes and idempotency records, and
// retrying stale welcome solicitations (§4.G). Each job is a ticker loop
// running in its own goroutine, tracked by a shared WaitGroup so Stop can
// drain them all before returning.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/deliveryservice/internal/events"
)

// Config bundles the dependencies and intervals a Manager needs.
type Config struct {
	Pool   *pgxpool.Pool
	Bus    *events.Bus
	Logger *slog.Logger

	MessageSweepInterval     time.Duration
	IdempotencySweepInterval time.Duration
	RejoinRetryInterval      time.Duration
	RejoinRetryTimeout       time.Duration
}

// Manager owns the background job goroutines.
type Manager struct {
	pool   *pgxpool.Pool
	bus    *events.Bus
	logger *slog.Logger

	messageSweepInterval     time.Duration
	idempotencySweepInterval time.Duration
	rejoinRetryInterval      time.Duration
	rejoinRetryTimeout       time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager from cfg. Jobs do not start until Start is called.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pool:   cfg.Pool,
		bus:    cfg.Bus,
		logger: logger,

		messageSweepInterval:     cfg.MessageSweepInterval,
		idempotencySweepInterval: cfg.IdempotencySweepInterval,
		rejoinRetryInterval:      cfg.RejoinRetryInterval,
		rejoinRetryTimeout:       cfg.RejoinRetryTimeout,
	}
}

// Start launches every sweep job in its own goroutine. Safe to call once;
// call Stop to shut them down.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.runLoop(ctx, "message_sweep", m.messageSweepInterval, m.sweepExpiredMessages)
	m.runLoop(ctx, "idempotency_sweep", m.idempotencySweepInterval, m.sweepExpiredIdempotencyRecords)
	m.runLoop(ctx, "rejoin_retry", m.rejoinRetryInterval, m.retryStaleRejoins)
}

// Stop cancels every running job and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// runLoop starts a ticker-driven goroutine that calls fn every interval
// until ctx is cancelled, logging (but not propagating) job errors so one
// bad sweep never stops the others.
func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		m.logger.Warn("worker disabled: non-positive interval", slog.String("job", name))
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					m.logger.Error("worker job failed", slog.String("job", name), slog.String("error", err.Error()))
				}
			}
		}
	}()
}
