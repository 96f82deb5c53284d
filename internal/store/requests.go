package store

import (
	"context"
	"fmt"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// PutRequest stores a request for a source. A request from the same
// requester replaces the earlier one. A disabled request is a delete.
func (s *Store) PutRequest(ctx context.Context, sourceKey string, r ir.Request) error {
	if !r.Enabled {
		return s.DeleteRequest(ctx, sourceKey, r.RequesterID)
	}

	extraJSON, err := marshalObject(r.Extra)
	if err != nil {
		return fmt.Errorf("put request: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests
		(source_key, requester_id, period_ms, duration_ms, start_ms, end_ms, extra, submitted_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_key, requester_id) DO UPDATE SET
			period_ms = excluded.period_ms,
			duration_ms = excluded.duration_ms,
			start_ms = excluded.start_ms,
			end_ms = excluded.end_ms,
			extra = excluded.extra,
			submitted_ms = excluded.submitted_ms
	`,
		sourceKey,
		r.RequesterID,
		r.Schedule.Period.Milliseconds(),
		r.Schedule.Duration.Milliseconds(),
		toMillis(r.Schedule.Start),
		toMillis(r.Schedule.End),
		extraJSON,
		toMillis(r.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("put request: %w", err)
	}
	return nil
}

// DeleteRequest removes a requester's request. Deleting a missing request
// is not an error.
func (s *Store) DeleteRequest(ctx context.Context, sourceKey, requesterID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM requests WHERE source_key = ? AND requester_id = ?
	`, sourceKey, requesterID)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// ListRequests returns every active request for a source ordered by
// requester id.
//
// Returns an empty slice (not nil) if the source has no requests.
func (s *Store) ListRequests(ctx context.Context, sourceKey string) ([]ir.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT requester_id, period_ms, duration_ms, start_ms, end_ms, extra, submitted_ms
		FROM requests
		WHERE source_key = ?
		ORDER BY requester_id COLLATE BINARY ASC
	`, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	requests := []ir.Request{}
	for rows.Next() {
		var (
			r                                 ir.Request
			period, duration, start, end, sub int64
			extraJSON                         string
		)
		if err := rows.Scan(&r.RequesterID, &period, &duration, &start, &end, &extraJSON, &sub); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.Enabled = true
		r.Schedule = ir.Schedule{
			Period:   msDuration(period),
			Duration: msDuration(duration),
			Start:    fromMillis(start),
			End:      fromMillis(end),
		}
		r.SubmittedAt = fromMillis(sub)
		if r.Extra, err = unmarshalObject(extraJSON); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, nil
}
