package store

import (
	"context"
	"fmt"

	"github.com/funf-org/funf/internal/ir"
)

// StoredRecord is a record together with its insertion sequence.
type StoredRecord struct {
	Seq int64
	ir.Record
}

// WriteRecord appends an emitted record and returns its sequence number.
func (s *Store) WriteRecord(ctx context.Context, rec ir.Record) (int64, error) {
	dataJSON, err := marshalObject(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (source, time_ms, data) VALUES (?, ?, ?)
	`, rec.Source, toMillis(rec.Time), dataJSON)
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	return seq, nil
}

// ReadRecords returns up to limit records in insertion order, starting
// after the given sequence. A limit <= 0 means no limit.
func (s *Store) ReadRecords(ctx context.Context, afterSeq int64, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, source, time_ms, data
		FROM records
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []StoredRecord{}
	for rows.Next() {
		var (
			r        StoredRecord
			timeMS   int64
			dataJSON string
		)
		if err := rows.Scan(&r.Seq, &r.Source, &timeMS, &dataJSON); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Time = fromMillis(timeMS)
		if r.Data, err = unmarshalObject(dataJSON); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// DeleteRecordsThrough removes every record with seq <= upTo, typically
// after they were sealed into an archive batch.
func (s *Store) DeleteRecordsThrough(ctx context.Context, upTo int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return n, nil
}

// CountRecords returns the number of records waiting to be archived.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
