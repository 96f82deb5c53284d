package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// SaveRunState records the time and parameters of the last run of a
// source.
func (s *Store) SaveRunState(ctx context.Context, sourceKey string, lastRun time.Time, params ir.RunParams) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_state (source_key, last_run_ms, params)
		VALUES (?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			last_run_ms = excluded.last_run_ms,
			params = excluded.params
	`, sourceKey, toMillis(lastRun), paramsJSON)
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

// LoadRunState returns the last run of a source. A source that never ran
// yields a zero time and empty params.
func (s *Store) LoadRunState(ctx context.Context, sourceKey string) (time.Time, ir.RunParams, error) {
	var (
		lastRun    int64
		paramsJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_run_ms, params FROM run_state WHERE source_key = ?
	`, sourceKey).Scan(&lastRun, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ir.RunParams{}, nil
	}
	if err != nil {
		return time.Time{}, ir.RunParams{}, fmt.Errorf("load run state: %w", err)
	}
	params, err := unmarshalParams(paramsJSON)
	if err != nil {
		return time.Time{}, ir.RunParams{}, fmt.Errorf("load run state: %w", err)
	}
	return fromMillis(lastRun), params, nil
}

// SaveCheckpoint persists a source's opaque checkpoint. The content is
// never inspected.
func (s *Store) SaveCheckpoint(ctx context.Context, sourceKey string, cp json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source_key, checkpoint, updated_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			checkpoint = excluded.checkpoint,
			updated_ms = excluded.updated_ms
	`, sourceKey, string(cp), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored checkpoint and whether one exists.
func (s *Store) LoadCheckpoint(ctx context.Context, sourceKey string) (json.RawMessage, bool, error) {
	var cp string
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint FROM checkpoints WHERE source_key = ?
	`, sourceKey).Scan(&cp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return json.RawMessage(cp), true, nil
}
