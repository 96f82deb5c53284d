package store

import (
	"context"
	"fmt"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// SourceStatus summarizes the persisted state of one source.
type SourceStatus struct {
	Key           string
	Type          string
	Config        string
	Requests      int
	LastRun       time.Time
	HasCheckpoint bool
}

// RegisterSource records the identity of a source key. Registering the
// same key again is a no-op.
func (s *Store) RegisterSource(ctx context.Context, sourceKey string, spec ir.SourceSpec) error {
	cfgJSON, err := marshalObject(spec.Config)
	if err != nil {
		return fmt.Errorf("register source: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sources (source_key, type, config, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_key) DO NOTHING
	`, sourceKey, spec.Type, cfgJSON, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("register source: %w", err)
	}
	return nil
}

// ListSources returns the status of every registered source ordered by
// key.
func (s *Store) ListSources(ctx context.Context) ([]SourceStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.source_key, s.type, s.config,
			(SELECT COUNT(*) FROM requests r WHERE r.source_key = s.source_key),
			COALESCE((SELECT last_run_ms FROM run_state rs WHERE rs.source_key = s.source_key), 0),
			EXISTS (SELECT 1 FROM checkpoints c WHERE c.source_key = s.source_key)
		FROM sources s
		ORDER BY s.source_key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	out := []SourceStatus{}
	for rows.Next() {
		var (
			st      SourceStatus
			lastRun int64
		)
		if err := rows.Scan(&st.Key, &st.Type, &st.Config, &st.Requests, &lastRun, &st.HasCheckpoint); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		st.LastRun = fromMillis(lastRun)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}
