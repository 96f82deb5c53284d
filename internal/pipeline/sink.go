package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/funf-org/funf/internal/ir"
)

// recordSink writes records to the store. A record that cannot be written
// is logged and lost.
type recordSink struct {
	pipeline string
	records  RecordStore
	logger   *slog.Logger
	now      func() time.Time

	written atomic.Int64
}

func (s *recordSink) OnData(rec ir.Record) {
	if s.records == nil {
		return
	}
	if rec.Time.IsZero() && s.now != nil {
		rec.Time = s.now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.records.WriteRecord(ctx, rec); err != nil {
		s.logger.Error("write record failed", "pipeline", s.pipeline, "source", rec.Source, "error", err)
		return
	}
	s.written.Add(1)
}
