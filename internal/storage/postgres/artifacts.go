package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/taskbroker/internal/broker"
)

// CreateArtifacts inserts every row in one transaction.
func (s *Store) CreateArtifacts(ctx context.Context, artifacts []broker.Artifact) ([]broker.Artifact, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin artifacts tx: %w", err)
	}
	for _, a := range artifacts {
		_, err := tx.Exec(ctx, `
INSERT INTO artifacts (id, namespace, name, description, type, path, task_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			a.ID, a.Namespace, a.Name, a.Description, a.Type, a.Path, a.TaskID, a.CreatedAt,
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("insert artifact %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit artifacts tx: %w", err)
	}
	return slices.Clone(artifacts), nil
}

// FindArtifact returns the most recent artifact with the given name and type.
func (s *Store) FindArtifact(ctx context.Context, namespace, name, kind string) (broker.Artifact, error) {
	var a broker.Artifact
	err := s.db.QueryRow(ctx, `
SELECT id, namespace, name, description, type, path, task_id, created_at
FROM artifacts
WHERE namespace = $1 AND name = $2 AND type = $3
ORDER BY created_at DESC, id DESC
LIMIT 1`,
		namespace, name, kind,
	).Scan(&a.ID, &a.Namespace, &a.Name, &a.Description, &a.Type, &a.Path, &a.TaskID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return broker.Artifact{}, broker.ErrNotFound
	}
	if err != nil {
		return broker.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	return a, nil
}
