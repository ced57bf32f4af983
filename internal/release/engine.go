// Package release decides when a candidate may see a graded result and runs
// the bulk release operations. Visibility only moves HIDDEN → RELEASED except
// through the explicit admin toggle in ReleaseOne.
package release

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-exams/internal/exam"
	"github.com/mind-engage/mindengage-exams/internal/metrics"
	syncx "github.com/mind-engage/mindengage-exams/internal/sync"
	"github.com/mind-engage/mindengage-exams/internal/tracing"
)

// OnSubmit reports whether results are visible the moment an attempt is submitted.
// A SCHEDULED exam whose release time already passed releases late arrivals
// immediately so they are not stranded behind an earlier sweep.
func OnSubmit(e exam.Exam, now time.Time) bool {
	switch e.ReleaseMode {
	case exam.ReleaseInstant:
		return true
	case exam.ReleaseScheduled:
		return Due(e, now)
	default: // MANUAL, DELAYED
		return false
	}
}

// Due is true for a SCHEDULED exam at or after its release time.
func Due(e exam.Exam, now time.Time) bool {
	return e.ReleaseMode == exam.ReleaseScheduled && e.ScheduledReleaseAt != nil && !now.Before(*e.ScheduledReleaseAt)
}

type Clock func() time.Time

type Engine struct {
	store  exam.Store
	events syncx.Recorder
	log    *zap.Logger
	now    Clock
}

func New(store exam.Store, events syncx.Recorder, log *zap.Logger, now Clock) *Engine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = syncx.Nop{}
	}
	return &Engine{store: store, events: events, log: log, now: now}
}

// ReleaseOne sets visibility for one submitted attempt. release=false is the
// correction path and the only way back to HIDDEN.
func (e *Engine) ReleaseOne(ctx context.Context, submissionID string, release bool) (bool, error) {
	ctx, span := tracing.Tracer.Start(ctx, "release.ReleaseOne")
	defer span.End()
	span.SetAttributes(attribute.String("submission.id", submissionID), attribute.Bool("release", release))

	sub, err := e.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return false, err
	}
	if !sub.Submitted() {
		return false, fmt.Errorf("submission %s is still in progress: %w", submissionID, exam.ErrInvalidState)
	}
	if sub.ResultsReleased == release {
		return release, nil
	}
	if err := e.store.SetReleased(ctx, submissionID, release); err != nil {
		return false, err
	}
	if release {
		metrics.Released.WithLabelValues("manual").Inc()
	}
	e.record(ctx, submissionID, map[string]any{"released": release, "trigger": "manual"})
	e.log.Info("results visibility changed", zap.String("submission", submissionID), zap.Bool("released", release))
	return release, nil
}

// ReleaseExam releases every submitted attempt of an exam (MANUAL and DELAYED bulk action).
func (e *Engine) ReleaseExam(ctx context.Context, examID string) (int64, error) {
	ctx, span := tracing.Tracer.Start(ctx, "release.ReleaseExam")
	defer span.End()
	span.SetAttributes(attribute.String("exam.id", examID))

	if _, err := e.store.GetExam(ctx, examID); err != nil {
		return 0, err
	}
	n, err := e.store.ReleaseExam(ctx, examID)
	if err != nil {
		return 0, err
	}
	metrics.Released.WithLabelValues("exam").Add(float64(n))
	if n > 0 {
		e.record(ctx, examID, map[string]any{"exam_id": examID, "count": n, "trigger": "exam"})
	}
	e.log.Info("exam results released", zap.String("exam", examID), zap.Int64("count", n))
	return n, nil
}

// Sweep releases all unreleased submitted attempts of SCHEDULED exams that are
// past due. It is idempotent and safe alongside live submits: the store only
// flips rows whose flag is still false.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	ctx, span := tracing.Tracer.Start(ctx, "release.Sweep")
	defer span.End()

	now := e.now()
	exams, err := e.store.ListScheduledDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due exams: %w", err)
	}
	var total int64
	for _, ex := range exams {
		n, err := e.store.ReleaseExam(ctx, ex.ID)
		if err != nil {
			e.log.Warn("sweep: release exam failed", zap.String("exam", ex.ID), zap.Error(err))
			continue
		}
		if n > 0 {
			e.record(ctx, ex.ID, map[string]any{"exam_id": ex.ID, "count": n, "trigger": "schedule"})
		}
		total += n
	}
	metrics.Released.WithLabelValues("schedule").Add(float64(total))
	span.SetAttributes(attribute.Int64("released", total))
	if total > 0 {
		e.log.Info("scheduled release sweep", zap.Int("exams", len(exams)), zap.Int64("released", total))
	}
	return total, nil
}

// Run sweeps every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Error("scheduled release sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) record(ctx context.Context, key string, data map[string]any) {
	if err := e.events.Record(ctx, syncx.TypeReleased, key, data); err != nil {
		e.log.Warn("event log append failed", zap.String("key", key), zap.Error(err))
	}
}
