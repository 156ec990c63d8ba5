package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

const clientColumns = `id, namespace, variant, online, last_heartbeat, concurrency, running,
	capabilities, created_at, updated_at`

func scanClient(row pgx.Row, extra ...any) (broker.Client, error) {
	var c broker.Client
	dest := []any{
		&c.ID,
		&c.Namespace,
		&c.Variant,
		&c.Online,
		&c.LastHeartbeat,
		&c.Concurrency,
		&c.Running,
		&c.Capabilities,
		&c.CreatedAt,
		&c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return broker.Client{}, err
	}
	return c, nil
}

// UpsertClient creates or replaces the client row. created_at survives
// updates; xmax = 0 identifies a fresh insert.
func (s *Store) UpsertClient(ctx context.Context, client broker.Client) (broker.Client, bool, error) {
	capabilities := client.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	var inserted bool
	out, err := scanClient(s.db.QueryRow(ctx, `
INSERT INTO clients (`+clientColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (id) DO UPDATE SET
	namespace = EXCLUDED.namespace,
	variant = EXCLUDED.variant,
	online = EXCLUDED.online,
	last_heartbeat = EXCLUDED.last_heartbeat,
	concurrency = EXCLUDED.concurrency,
	running = EXCLUDED.running,
	capabilities = EXCLUDED.capabilities,
	updated_at = EXCLUDED.updated_at
RETURNING `+clientColumns+`, (xmax = 0) AS inserted`,
		client.ID,
		client.Namespace,
		client.Variant,
		client.Online,
		client.LastHeartbeat,
		client.Concurrency,
		client.Running,
		capabilities,
		client.UpdatedAt,
	), &inserted)
	if err != nil {
		return broker.Client{}, false, fmt.Errorf("upsert client: %w", err)
	}
	return out, inserted, nil
}

// GetClient fetches a client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (broker.Client, error) {
	c, err := scanClient(s.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Client{}, broker.ErrClientNotFound
	}
	if err != nil {
		return broker.Client{}, fmt.Errorf("select client: %w", err)
	}
	return c, nil
}

// ListClients lists clients in a namespace; an empty namespace lists all.
func (s *Store) ListClients(ctx context.Context, namespace string, limit, offset int) ([]broker.Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients
WHERE ($1 = '' OR namespace = $1)
ORDER BY created_at ASC, id ASC
OFFSET $2`
	args := []any{namespace, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	var out []broker.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return out, nil
}

// TouchClient records liveness for the client.
func (s *Store) TouchClient(ctx context.Context, id string, online bool, at time.Time) (broker.Client, error) {
	c, err := scanClient(s.db.QueryRow(ctx, `
UPDATE clients SET online = $2, last_heartbeat = $3, updated_at = $3
WHERE id = $1
RETURNING `+clientColumns,
		id, online, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Client{}, broker.ErrClientNotFound
	}
	if err != nil {
		return broker.Client{}, fmt.Errorf("touch client: %w", err)
	}
	return c, nil
}
