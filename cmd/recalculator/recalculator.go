package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/alerting"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/recalc"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

// recalculator runs one orchestrated pass per scheduler tick.
type recalculator struct {
	orch    *recalc.Orchestrator
	tracker *alerting.Tracker
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     config.RecalculationConfig

	// batch is the selection of every pass. Force only applies to the first one.
	batch recalc.Batch
}

func (r *recalculator) runPass(ctx context.Context) *recalc.RunResult {
	r.metrics.RecalculationActive.Set(1)
	defer r.metrics.RecalculationActive.Set(0)

	batch := r.batch
	batch.TransactionName = "recalculation-" + r.clock.Now().UTC().Format("20060102T150405Z")
	batch.Autocommit = r.cfg.Autocommit
	r.batch.Force = false

	res, err := r.orch.Run(ctx, batch)
	if err != nil {
		r.logger.Error("recalculation failed", zap.String("state", string(res.State)), zap.Error(err))
	}

	// Without autocommit only clean runs are committed.
	if res.State == recalc.StateRunning {
		r.finish(ctx, res)
	}

	r.metrics.ObserveRun(res)
	r.logResult(res)

	if res.ErrorCount() > 0 {
		path, err := writeDump(r.cfg.DumpDir, res)
		if err != nil {
			r.logger.Error("failed to write error dump", zap.Error(err))
		} else {
			r.logger.Warn("recalculation errors dumped", zap.Int("errors", res.ErrorCount()), zap.String("path", path))
		}
	}

	if res.State == recalc.StateCommitted && res.Series != nil && r.tracker != nil {
		if _, err := r.tracker.ObserveAll(ctx, res.Series.LatestAlerts); err != nil {
			r.logger.Error("failed to publish alert changes", zap.Error(err))
		}
	}
	return res
}

func (r *recalculator) finish(ctx context.Context, res *recalc.RunResult) {
	if res.ErrorCount() == 0 {
		if err := r.orch.Commit(ctx, res.Tx); err != nil {
			res.State = recalc.StateFailed
			r.logger.Error("commit failed", zap.String("transaction", res.Tx.Name), zap.Error(err))
			return
		}
		res.State = recalc.StateCommitted
		return
	}
	if err := r.orch.Rollback(ctx, res.Tx); err != nil {
		res.State = recalc.StateFailed
		r.logger.Error("rollback failed", zap.String("transaction", res.Tx.Name), zap.Error(err))
		return
	}
	res.State = recalc.StateRolledBack
}

func (r *recalculator) logResult(res *recalc.RunResult) {
	fields := []zap.Field{
		zap.String("state", string(res.State)),
		zap.String("transaction", res.Tx.Name),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)),
	}
	if s := res.Series; s != nil {
		fields = append(fields,
			zap.Int("records_total", s.Total),
			zap.Int("records_success", s.Success),
			zap.Int("records_error", s.Error),
			zap.Int("records_skipped", s.Skipped),
			zap.Int("warnings", len(s.Warnings)),
			zap.Int64s("virus_free_changed", s.VirusFreeChanged),
		)
	}
	if h := res.Hierarchy; h != nil {
		fields = append(fields,
			zap.Int("locations_total", h.Total),
			zap.Int("locations_success", h.Success),
			zap.Int("locations_error", h.Error),
		)
	}
	r.logger.Info("recalculation finished", fields...)
}
