package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/protocol"
)

// MessageSource is the consuming half of Consumer.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// RecordWriterConfig tunes batching of a RecordWriter.
type RecordWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// DependencyDays is how far after a changed day records read it through their windows.
	DependencyDays int
}

// BatchResult counts the outcome of one flushed batch.
type BatchResult struct {
	Stored    int
	Rejected  int
	Failed    int
	Committed int
}

// RecordWriter consumes canonical records and stores them as uncalculated daily records.
type RecordWriter struct {
	source  MessageSource
	store   database.Store
	clock   clockwork.Clock
	cfg     RecordWriterConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRecordWriter(source MessageSource, store database.Store, clock clockwork.Clock, cfg RecordWriterConfig, logger *zap.Logger, metrics *observability.Metrics) *RecordWriter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &RecordWriter{
		source:  source,
		store:   store,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start begins consuming in the background until ctx ends or Stop is called.
func (w *RecordWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop flushes the pending batch and waits for the writer to finish.
func (w *RecordWriter) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *RecordWriter) run(ctx context.Context) {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var batch []kafka.Message
	ticker := w.clock.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	msgCh := make(chan kafka.Message, w.cfg.BatchSize)
	go func() {
		defer close(msgCh)
		for {
			msg, err := w.source.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("consumer error", zap.Error(err))
				continue
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Offsets must be committed even while shutting down.
		w.ProcessBatch(context.WithoutCancel(ctx), batch)
		batch = nil
	}

	for {
		select {
		case <-w.stopCh:
			flush()
			return

		case <-ctx.Done():
			flush()
			return

		case <-ticker.Chan():
			flush()

		case msg, ok := <-msgCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		}
	}
}

// ProcessBatch stores every message of the batch. Offsets are committed for stored
// messages and for messages that can never be stored; storage failures stay
// uncommitted so they are redelivered.
func (w *RecordWriter) ProcessBatch(ctx context.Context, batch []kafka.Message) BatchResult {
	var res BatchResult
	for _, msg := range batch {
		err := w.processMessage(ctx, msg)
		switch {
		case err == nil:
			res.Stored++
		case isPermanent(err):
			res.Rejected++
			w.logger.Warn("rejected canonical record",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		default:
			res.Failed++
			w.logger.Error("failed to store canonical record",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}

		if err := w.source.Commit(ctx, msg); err != nil {
			w.logger.Error("failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		res.Committed++
	}

	if w.metrics != nil {
		w.metrics.RecordsConsumed.Add(float64(len(batch)))
		w.metrics.IngestErrors.Add(float64(res.Rejected + res.Failed))
		w.metrics.BatchSize.Observe(float64(len(batch)))
	}
	w.logger.Info("flushed record batch",
		zap.Int("size", len(batch)), zap.Int("stored", res.Stored),
		zap.Int("rejected", res.Rejected), zap.Int("failed", res.Failed))
	return res
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "failed to decode message: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var de *decodeError
	return errors.As(err, &de) || errors.Is(err, database.ErrSchemaViolation)
}

func (w *RecordWriter) processMessage(ctx context.Context, msg kafka.Message) error {
	canonical, err := protocol.DecodeCanonicalRecord(msg.Value)
	if err != nil {
		return &decodeError{err: err}
	}

	rec, err := canonical.Record()
	if err != nil {
		return err
	}

	loc, err := w.ensureLocation(ctx, canonical)
	if err != nil {
		return err
	}

	rec.ClearDerived()
	rec.FlagCalculated = false
	if err := w.store.UpsertRecord(ctx, database.TxHandle{}, rec); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}

	if err := w.invalidateDependents(ctx, rec); err != nil {
		return err
	}

	now := w.clock.Now().UTC()
	loc.TimestampLastDataset = &now
	if err := w.store.UpsertLocation(ctx, database.TxHandle{}, loc); err != nil {
		return fmt.Errorf("failed to update location %d: %w", loc.ID, err)
	}
	return nil
}

// ensureLocation loads the record's location, creating it from the message metadata
// on first sight.
func (w *RecordWriter) ensureLocation(ctx context.Context, canonical *protocol.CanonicalRecord) (*database.Location, error) {
	loc, err := w.store.GetLocation(ctx, database.TxHandle{}, canonical.LocationID)
	if err == nil {
		return loc, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	loc, ok := canonical.Location()
	if !ok {
		return nil, fmt.Errorf("%w: unknown location %d without a valid location_type",
			database.ErrSchemaViolation, canonical.LocationID)
	}
	if err := w.store.UpsertLocation(ctx, database.TxHandle{}, loc); err != nil {
		return nil, fmt.Errorf("failed to create location: %w", err)
	}
	return loc, nil
}

// invalidateDependents clears flag_calculated on the later records whose windows
// include rec, so the next recalculation picks them up.
func (w *RecordWriter) invalidateDependents(ctx context.Context, rec *database.DailyRecord) error {
	if w.cfg.DependencyDays <= 0 {
		return nil
	}
	since := rec.Date.AddDate(0, 0, 1)
	until := rec.Date.AddDate(0, 0, w.cfg.DependencyDays)

	later, err := w.store.ListRecords(ctx, database.TxHandle{}, database.RecordFilter{
		LocationIDs: []int64{rec.LocationID},
		Since:       &since,
	})
	if err != nil {
		return fmt.Errorf("failed to list dependent records: %w", err)
	}
	for i := range later {
		dep := later[i]
		if dep.Date.After(until) || !dep.FlagCalculated {
			continue
		}
		dep.FlagCalculated = false
		if err := w.store.UpsertRecord(ctx, database.TxHandle{}, &dep); err != nil {
			return fmt.Errorf("failed to invalidate record of %s: %w", dep.Date.Format(time.DateOnly), err)
		}
	}
	return nil
}
