// Package events implements the Delivery Service's event stream (§4.F): an
// append-only, ULID-cursored log per conversation, persisted to Postgres for
// backfill and fanned out cross-replica over NATS so every replica's local
// SSE subscribers see the same total order in real time.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/amityvox/deliveryservice/internal/models"
)

// SubjectPrefix namespaces every event-stream NATS subject.
const SubjectPrefix = "ds.events."

// subjectFor returns the NATS subject a conversation's events publish to.
func subjectFor(convoID string) string {
	return SubjectPrefix + convoID
}

// SubjectWildcard matches every conversation's events, used for stream
// definition and for the cross-replica fan-out subscription.
const SubjectWildcard = SubjectPrefix + ">"

// StreamName is the JetStream stream backing the event subjects.
const StreamName = "DS_EVENTS"

// StreamMaxAge bounds how long JetStream retains events; Postgres is the
// durable record, so this only needs to cover reconnect/replay windows for
// replicas that were briefly partitioned.
const StreamMaxAge = 24 * time.Hour

// Bus persists event-stream entries to Postgres and publishes them to NATS
// for cross-replica SSE fan-out. It implements actor.EventPublisher.
type Bus struct {
	pool   *pgxpool.Pool
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and returns a Bus backed by
// pool for durable event-stream storage.
func New(natsURL string, pool *pgxpool.Pool, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("deliveryservice"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{pool: pool, conn: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the DS_EVENTS JetStream stream if it doesn't already
// exist. Call during server startup.
func (b *Bus) EnsureStream() error {
	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectWildcard},
		Retention: nats.LimitsPolicy,
		MaxAge:    StreamMaxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	info, err := b.js.StreamInfo(cfg.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
	}
	if info == nil {
		if _, err := b.js.AddStream(cfg); err != nil {
			return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
		}
		b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
	} else {
		b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
	}
	return nil
}

// Publish appends an event to convoID's durable stream and broadcasts it to
// every replica's local SSE subscribers. The Postgres insert is the
// authoritative record; the NATS publish is best-effort live delivery, so a
// replica that missed it still recovers the entry on the next cursor-paged
// backfill read (§4.F).
func (b *Bus) Publish(ctx context.Context, convoID string, kind models.EventKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	entry := models.EventStreamEntry{
		Cursor:    models.NewULID(),
		ConvoID:   convoID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: time.Now(),
	}

	if _, err := b.pool.Exec(ctx,
		`INSERT INTO event_stream (cursor, convo_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.Cursor, entry.ConvoID, entry.Kind, entry.Payload, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("persisting event for %s: %w", convoID, err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling event envelope: %w", err)
	}
	if err := b.conn.Publish(subjectFor(convoID), data); err != nil {
		b.logger.Warn("event publish to NATS failed, durable record still written",
			slog.String("convo_id", convoID), slog.String("error", err.Error()))
	}

	return nil
}

// SubscribeAll subscribes to every conversation's events for cross-replica
// fan-out into the local SSE hub. handler is invoked once per event on an
// internal NATS goroutine; it must not block.
func (b *Bus) SubscribeAll(handler func(models.EventStreamEntry)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectWildcard, func(msg *nats.Msg) {
		var entry models.EventStreamEntry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			b.logger.Error("failed to unmarshal event stream entry",
				slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", SubjectWildcard, err)
	}
	b.logger.Debug("subscribed to event stream fan-out", slog.String("pattern", SubjectWildcard))
	return sub, nil
}

// Backfill returns entries for convoID with cursor strictly greater than
// after, oldest first, capped at limit (§4.F resumable replay).
func (b *Bus) Backfill(ctx context.Context, convoID string, after models.ULID, limit int) ([]models.EventStreamEntry, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT cursor, convo_id, kind, payload, created_at FROM event_stream
		 WHERE convo_id = $1 AND cursor > $2 ORDER BY cursor ASC LIMIT $3`,
		convoID, after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying event stream backfill for %s: %w", convoID, err)
	}
	defer rows.Close()

	var entries []models.EventStreamEntry
	for rows.Next() {
		var e models.EventStreamEntry
		if err := rows.Scan(&e.Cursor, &e.ConvoID, &e.Kind, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event stream row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event stream backfill for %s: %w", convoID, err)
	}
	return entries, nil
}

// HealthCheck verifies the NATS connection is alive.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the NATS connection.
func (b *Bus) Close() {
	b.logger.Info("closing NATS connection")
	b.conn.Drain()
}
