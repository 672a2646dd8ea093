package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/morezero/browser-relay/pkg/envelope"
)

const repoLogPrefix = "db:repository"

// ResultRepository stores relay results in the command_results table and
// keeps at most retention rows, newest first.
type ResultRepository struct {
	q         Querier
	retention int
}

// NewResultRepository creates a repository. retention <= 0 keeps every row.
func NewResultRepository(q Querier, retention int) *ResultRepository {
	return &ResultRepository{q: q, retention: retention}
}

// SaveResult upserts rec and prunes rows beyond the retention limit.
func (r *ResultRepository) SaveResult(ctx context.Context, rec envelope.Record) error {
	slog.Debug(fmt.Sprintf("%s - SaveResult id=%s", repoLogPrefix, rec.ID))

	var value []byte
	if rec.Result.Success {
		var err error
		if value, err = json.Marshal(rec.Result.Value); err != nil {
			return fmt.Errorf("%s - failed to encode value for %s: %w", repoLogPrefix, rec.ID, err)
		}
	}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := r.q.Exec(ctx,
		`INSERT INTO command_results (id, command_type, success, value, error, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   command_type = EXCLUDED.command_type,
		   success = EXCLUDED.success,
		   value = EXCLUDED.value,
		   error = EXCLUDED.error,
		   received_at = EXCLUDED.received_at`,
		rec.ID, rec.CommandType, rec.Result.Success, value, rec.Result.Error, receivedAt)
	if err != nil {
		return fmt.Errorf("%s - SaveResult failed: %w", repoLogPrefix, err)
	}

	if r.retention > 0 {
		_, err = r.q.Exec(ctx,
			`DELETE FROM command_results WHERE id IN (
			   SELECT id FROM command_results ORDER BY received_at DESC OFFSET $1)`,
			r.retention)
		if err != nil {
			return fmt.Errorf("%s - prune failed: %w", repoLogPrefix, err)
		}
	}
	return nil
}

// GetResult loads one result. It returns nil, nil when id is unknown.
func (r *ResultRepository) GetResult(ctx context.Context, id string) (*envelope.Record, error) {
	var (
		rec   envelope.Record
		value []byte
	)
	err := r.q.QueryRow(ctx,
		`SELECT id, command_type, success, value, error, received_at
		 FROM command_results
		 WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.CommandType, &rec.Result.Success, &value, &rec.Result.Error, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - GetResult failed: %w", repoLogPrefix, err)
	}

	rec.Result.ID = rec.ID
	if len(value) > 0 {
		if err := json.Unmarshal(value, &rec.Result.Value); err != nil {
			return nil, fmt.Errorf("%s - failed to decode value for %s: %w", repoLogPrefix, id, err)
		}
	}
	return &rec, nil
}

// CountResults returns the number of stored results.
func (r *ResultRepository) CountResults(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT count(*) FROM command_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s - CountResults failed: %w", repoLogPrefix, err)
	}
	return n, nil
}

// Purge removes every stored result.
func (r *ResultRepository) Purge(ctx context.Context) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM command_results`)
	if err != nil {
		return 0, fmt.Errorf("%s - Purge failed: %w", repoLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Purged %d results", repoLogPrefix, tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
