package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vinayprograms/taskqueue/tasks"
)

// PostgresSchema creates the scalers table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS scalers (
    id            TEXT PRIMARY KEY,
    name          TEXT        NOT NULL DEFAULT '',
    metadata      JSONB       NOT NULL DEFAULT '{}',
    registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// notifyChannel carries registry events between processes.
const notifyChannel = "taskqueue_scalers"

// PostgresRegistry implements Registry on a scalers table. Changes are
// broadcast with NOTIFY so watchers in every process see them.
type PostgresRegistry struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	watchers  watchers
	listening bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPostgresRegistry creates a registry on an existing pool. The pool is
// owned by the caller.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Migrate applies PostgresSchema.
func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate scalers schema: %w", err)
	}
	return nil
}

// Register upserts a scaler and notifies listeners.
func (r *PostgresRegistry) Register(ctx context.Context, scaler tasks.Scaler) error {
	if err := ValidateID(scaler.ID); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}

	metadata, err := json.Marshal(nonNilMetadata(scaler.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	const upsertScalerQuery = `
INSERT INTO scalers (id, name, metadata)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    metadata = EXCLUDED.metadata
RETURNING registered_at, (xmax = 0) AS inserted
`
	var inserted bool
	err = r.pool.QueryRow(ctx, upsertScalerQuery, scaler.ID, scaler.Name, metadata).
		Scan(&scaler.RegisteredAt, &inserted)
	if err != nil {
		return fmt.Errorf("upsert scaler: %w", err)
	}

	eventType := EventUpdated
	if inserted {
		eventType = EventAdded
	}
	return r.notify(ctx, Event{Type: eventType, Scaler: scaler})
}

// Deregister deletes a scaler and notifies listeners.
func (r *PostgresRegistry) Deregister(ctx context.Context, id string) error {
	if r.isClosed() {
		return ErrClosed
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM scalers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete scaler: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tasks.ErrNotFound
	}
	return r.notify(ctx, Event{Type: EventRemoved, Scaler: tasks.Scaler{ID: id}})
}

// FindScaler retrieves a scaler by ID.
func (r *PostgresRegistry) FindScaler(ctx context.Context, id string) (*tasks.Scaler, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	const selectScalerQuery = `
SELECT id, name, metadata, registered_at
FROM scalers
WHERE id = $1
`
	scaler, err := scanScaler(r.pool.QueryRow(ctx, selectScalerQuery, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tasks.ErrNotFound
		}
		return nil, fmt.Errorf("select scaler: %w", err)
	}
	return scaler, nil
}

// List returns all scalers sorted by ID.
func (r *PostgresRegistry) List(ctx context.Context) ([]tasks.Scaler, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	rows, err := r.pool.Query(ctx, `SELECT id, name, metadata, registered_at FROM scalers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select scalers: %w", err)
	}
	defer rows.Close()

	result := []tasks.Scaler{}
	for rows.Next() {
		scaler, err := scanScaler(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scaler: %w", err)
		}
		result = append(result, *scaler)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scalers: %w", err)
	}
	return result, nil
}

// Watch returns a channel of registry events. The first call starts a
// listener on a dedicated pool connection.
func (r *PostgresRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	if !r.listening {
		ctx, cancel := context.WithCancel(context.Background())
		conn, err := r.pool.Acquire(ctx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("acquire listen connection: %w", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			cancel()
			return nil, fmt.Errorf("listen: %w", err)
		}
		r.listening = true
		r.cancel = cancel
		r.done = make(chan struct{})
		go r.listen(ctx, conn)
	}

	return r.watchers.add(), nil
}

// listen forwards notifications to watchers until ctx is canceled.
func (r *PostgresRegistry) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(r.done)
	defer conn.Release()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Connection trouble: back off, then keep waiting.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(n.Payload), &event); err != nil {
			continue
		}

		r.mu.Lock()
		if !r.closed {
			r.watchers.notify(event)
		}
		r.mu.Unlock()
	}
}

// Close stops the listener. The pool is owned by the caller.
func (r *PostgresRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	r.watchers.closeAll()
	r.mu.Unlock()
	return nil
}

func (r *PostgresRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *PostgresRegistry) notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

func scanScaler(row pgx.Row) (*tasks.Scaler, error) {
	var (
		scaler   tasks.Scaler
		metadata []byte
	)
	if err := row.Scan(&scaler.ID, &scaler.Name, &metadata, &scaler.RegisteredAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &scaler.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if len(scaler.Metadata) == 0 {
		scaler.Metadata = nil
	}
	return &scaler, nil
}

func nonNilMetadata(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}
	return md
}

var _ Registry = (*PostgresRegistry)(nil)
