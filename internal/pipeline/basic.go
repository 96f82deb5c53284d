// Package pipeline implements pipeline.Basic, the root node of a
// configuration document.
//
// A Basic pipeline writes every record of its data sources to the record
// store. Its archive action seals the stored records into a JSONL batch
// in the local archive, and its upload action queues local batches for a
// remote destination. Both can be driven by schedules, by user triggers,
// or by both. Without an explicit "init" trigger the pipeline starts its
// data sources when it starts.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/funf-org/funf/internal/action"
	"github.com/funf-org/funf/internal/archive"
	"github.com/funf-org/funf/internal/datasource"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/store"
)

// Labels of the built-in triggers and actions of every Basic pipeline.
const (
	ActionStartData = "start-data"
	ActionStopData  = "stop-data"
	ActionArchive   = "archive"
	ActionUpload    = "upload"

	TriggerArchiveSchedule = "archive-schedule"
	TriggerUploadSchedule  = "upload-schedule"
)

// DefaultBatchSize bounds the records sealed into one archive batch.
const DefaultBatchSize = 1000

// RecordStore is the durable buffer between data sources and the archive.
type RecordStore interface {
	WriteRecord(ctx context.Context, rec ir.Record) (int64, error)
	ReadRecords(ctx context.Context, afterSeq int64, limit int) ([]store.StoredRecord, error)
	DeleteRecordsThrough(ctx context.Context, upTo int64) (int64, error)
}

// Archiver is the part of the archive pipeline a Basic pipeline drives.
type Archiver interface {
	Local() archive.LocalArchive
	Enqueue(item archive.Item) (bool, error)
	EnqueueAll(ctx context.Context, destination string, network archive.Network) (int, error)
}

// Upload describes where batches go.
type Upload struct {
	Destination string
	Network     archive.Network
}

// Basic is the standard pipeline.
type Basic struct {
	Name string
	Data []datasource.DataSource

	// BatchSize bounds one archive batch. Zero means DefaultBatchSize.
	BatchSize int
	// Upload is nil when the pipeline declares no upload.
	Upload *Upload

	records  RecordStore
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time

	graph *action.Graph

	// sealMu serializes archive runs, which read and delete a prefix of
	// the record store.
	sealMu sync.Mutex

	mu        sync.Mutex
	started   bool
	destroyed bool
	sink      *recordSink
}

// builtinAction is an action implemented by the pipeline itself.
type builtinAction struct {
	label string
	run   func(ctx context.Context) error
}

func (a *builtinAction) Run(ctx context.Context) error {
	if err := a.run(ctx); err != nil {
		return fmt.Errorf("%s: %w", a.label, err)
	}
	return nil
}

// Graph returns the action graph of the pipeline. It is nil until the
// pipeline is wired.
func (b *Basic) Graph() *action.Graph { return b.graph }

// wire builds the action graph from the built-in nodes, the schedules and
// the user-declared triggers and actions. User labels shadow built-ins.
func (b *Basic) wire(archiveSchedule, uploadSchedule datasource.DataSource, triggers map[string]action.Trigger, actions map[string]action.Action) {
	allActions := map[string]action.Action{
		ActionStartData: &builtinAction{label: ActionStartData, run: b.startData},
		ActionStopData:  &builtinAction{label: ActionStopData, run: b.stopData},
		ActionArchive:   &builtinAction{label: ActionArchive, run: b.runArchive},
		ActionUpload:    &builtinAction{label: ActionUpload, run: b.runUpload},
	}
	allTriggers := map[string]action.Trigger{
		action.InitLabel: &action.Init{BaseTrigger: action.BaseTrigger{Actions: []string{ActionStartData}, Logger: b.logger}},
	}
	if archiveSchedule != nil {
		allTriggers[TriggerArchiveSchedule] = &action.SourceTrigger{
			BaseTrigger: action.BaseTrigger{Actions: []string{ActionArchive}, Logger: b.logger},
			Source:      archiveSchedule,
		}
	}
	if uploadSchedule != nil {
		allTriggers[TriggerUploadSchedule] = &action.SourceTrigger{
			BaseTrigger: action.BaseTrigger{Actions: []string{ActionUpload}, Logger: b.logger},
			Source:      uploadSchedule,
		}
	}
	for label, a := range actions {
		if _, ok := allActions[label]; ok {
			b.logger.Info("user action replaces built-in", "pipeline", b.Name, "label", label)
		}
		allActions[label] = a
	}
	for label, t := range triggers {
		if _, ok := allTriggers[label]; ok {
			b.logger.Info("user trigger replaces built-in", "pipeline", b.Name, "label", label)
		}
		allTriggers[label] = t
	}
	b.graph = action.NewGraph(allTriggers, allActions, b.logger)
}

// Start connects the data sources to the record store and starts the
// action graph, which fires "init". Starting twice is a no-op.
func (b *Basic) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.sink = &recordSink{pipeline: b.Name, records: b.records, logger: b.logger, now: b.now}
	for _, ds := range b.Data {
		ds.SetListener(b.sink)
	}
	b.mu.Unlock()

	b.logger.Info("pipeline starting", "pipeline", b.Name, "data_sources", len(b.Data))
	return b.graph.Start(ctx)
}

// Destroy tears the action graph down and stops the data sources. It is
// idempotent.
func (b *Basic) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	b.mu.Unlock()

	err := errors.Join(b.graph.Teardown(ctx), b.stopData(ctx))
	b.logger.Info("pipeline destroyed", "pipeline", b.Name)
	return err
}

// Written returns the number of records written to the store since the
// pipeline started.
func (b *Basic) Written() int64 {
	b.mu.Lock()
	sink := b.sink
	b.mu.Unlock()
	if sink == nil {
		return 0
	}
	return sink.written.Load()
}

func (b *Basic) startData(ctx context.Context) error {
	var errs []error
	for i, ds := range b.Data {
		if err := ds.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("data[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Basic) stopData(ctx context.Context) error {
	var errs []error
	for i, ds := range b.Data {
		if err := ds.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("data[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Archive seals every stored record into local batches of at most
// BatchSize records and, when the pipeline uploads, queues each batch.
// It returns the ids of the new batches.
func (b *Basic) Archive(ctx context.Context) ([]string, error) {
	if b.records == nil || b.archiver == nil {
		return nil, errors.New("no archive configured")
	}
	b.sealMu.Lock()
	defer b.sealMu.Unlock()

	var (
		ids   []string
		after int64
	)
	for {
		recs, err := b.records.ReadRecords(ctx, after, b.batchSize())
		if err != nil {
			return ids, err
		}
		if len(recs) == 0 {
			return ids, nil
		}
		id, err := b.seal(ctx, recs)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		after = recs[len(recs)-1].Seq
		if len(recs) < b.batchSize() {
			return ids, nil
		}
	}
}

func (b *Basic) runArchive(ctx context.Context) error {
	_, err := b.Archive(ctx)
	return err
}

// seal writes recs as one batch, deletes them from the store and queues
// the batch for upload.
func (b *Basic) seal(ctx context.Context, recs []store.StoredRecord) (string, error) {
	var buf bytes.Buffer
	for _, r := range recs {
		line, err := ir.MarshalCanonical(batchLine(r))
		if err != nil {
			return "", fmt.Errorf("encode record %d: %w", r.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("batch id: %w", err)
	}
	id := u.String() + ".jsonl"
	ref, err := b.archiver.Local().Add(ctx, id, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("add batch: %w", err)
	}

	last := recs[len(recs)-1].Seq
	if _, err := b.records.DeleteRecordsThrough(ctx, last); err != nil {
		// The batch exists; the records will be sealed again next time.
		b.logger.Warn("delete archived records failed", "pipeline", b.Name, "batch", id, "error", err)
	}
	b.logger.Info("batch sealed", "pipeline", b.Name, "batch", id, "records", len(recs))

	if b.Upload != nil {
		if _, err := b.archiver.Enqueue(archive.Item{
			LocalID:    id,
			RemoteID:   b.Upload.Destination,
			PayloadRef: ref,
			Network:    b.Upload.Network,
		}); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (b *Basic) runUpload(ctx context.Context) error {
	if b.Upload == nil {
		return errors.New("no upload destination")
	}
	if b.archiver == nil {
		return errors.New("no archive configured")
	}
	n, err := b.archiver.EnqueueAll(ctx, b.Upload.Destination, b.Upload.Network)
	if err != nil {
		return err
	}
	b.logger.Debug("batches queued for upload", "pipeline", b.Name, "destination", b.Upload.Destination, "queued", n)
	return nil
}

func (b *Basic) batchSize() int {
	if b.BatchSize > 0 {
		return b.BatchSize
	}
	return DefaultBatchSize
}

func batchLine(r store.StoredRecord) ir.Object {
	data := r.Data
	if data == nil {
		data = ir.Object{}
	}
	return ir.Object{
		"seq":    ir.Int(r.Seq),
		"source": ir.String(r.Source),
		"time":   ir.String(r.Time.UTC().Format(time.RFC3339Nano)),
		"data":   data,
	}
}
