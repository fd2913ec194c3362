package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-relay/internal/merge"
	"github.com/vnmchuo/usage-relay/internal/report"
	"github.com/vnmchuo/usage-relay/internal/schedule"
	"github.com/vnmchuo/usage-relay/internal/submit"
)

// ErrNoCapturesAvailable means no client snapshots exist yet; the attempt is
// aborted with state untouched so the next tick can retry.
var ErrNoCapturesAvailable = errors.New("server: no client snapshots available")

// Runner owns the daily-submit loop. At most one attempt is in flight at a
// time; ticks that arrive while an attempt is outstanding are dropped, not
// queued.
type Runner struct {
	store     CaptureStore
	submitter submit.Submitter
	tracer    trace.Tracer

	hourUTC  int
	interval time.Duration
	dryRun   bool

	mu  sync.Mutex
	now func() time.Time
}

func NewRunner(captures CaptureStore, submitter submit.Submitter, tracer trace.Tracer, hourUTC int, interval time.Duration, dryRun bool) *Runner {
	return &Runner{
		store:     captures,
		submitter: submitter,
		tracer:    tracer,
		hourUTC:   hourUTC,
		interval:  interval,
		dryRun:    dryRun,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the check loop in a background goroutine. One check runs
// immediately, then one per interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
	log.Infof("daily submit runner started (hour=%02d:00 UTC, interval=%s, dryRun=%v)", r.hourUTC, r.interval, r.dryRun)
}

func (r *Runner) run(ctx context.Context) {
	if err := r.Tick(ctx); err != nil {
		log.WithError(err).Warn("daily submit: startup check failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				log.WithError(err).Warn("daily submit: check failed")
			}
		}
	}
}

// Tick evaluates the daily gate and, if due, performs one submission
// attempt. A tick that overlaps an outstanding attempt is a no-op.
func (r *Runner) Tick(ctx context.Context) error {
	if !r.mu.TryLock() {
		log.Debug("daily submit: attempt already in flight, skipping tick")
		return nil
	}
	defer r.mu.Unlock()

	state, err := r.store.ReadState()
	if err != nil {
		return err
	}
	due, err := schedule.ShouldRunDailySubmit(r.now(), state.LastSubmittedDate, r.hourUTC)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return r.attempt(ctx, state)
}

func (r *Runner) attempt(ctx context.Context, state *report.SubmissionState) error {
	ctx, span := r.tracer.Start(ctx, "server.daily_submit")
	defer span.End()

	snaps, skipped, err := r.store.ListClientSnapshots()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return ErrNoCapturesAvailable
	}
	if skipped > 0 {
		log.Warnf("daily submit: %d unreadable snapshot(s) excluded", skipped)
	}

	reports := make([]*report.Report, 0, len(snaps))
	for _, snap := range snaps {
		reports = append(reports, snap.Report)
	}
	combined, err := merge.Combine(reports)
	if err != nil {
		return err
	}

	today := schedule.DayKey(r.now())
	span.SetAttributes(
		attribute.String("date", today),
		attribute.Int("clients", len(snaps)),
		attribute.Bool("dry_run", r.dryRun),
	)
	log.Infof("daily submit: combining %d snapshot(s) for %s (%d day(s), total cost %.4f)",
		len(snaps), today, len(combined.Days), combined.Summary.TotalCost)

	now := r.now()

	if r.dryRun {
		rec := &report.SubmissionRecord{
			Date:      today,
			CreatedAt: now,
			DryRun:    true,
			Summary:   &combined.Summary,
			Report:    combined,
		}
		if err := r.store.WriteSubmissionRecord(today, rec); err != nil {
			return err
		}
		state.LastSubmittedDate = today
		state.LastSubmittedAt = &now
		state.LastSubmitError = ""
		state.LastSubmissionID = ""
		return r.store.WriteState(state)
	}

	result, err := r.submitter.Submit(ctx, combined)
	if err != nil {
		// lastSubmittedDate stays put so the gate retries next tick.
		state.LastSubmitError = fmt.Sprintf("%s: %v", now.Format(time.RFC3339), err)
		if writeErr := r.store.WriteState(state); writeErr != nil {
			log.WithError(writeErr).Error("daily submit: persist error state failed")
		}
		return err
	}

	rec := &report.SubmissionRecord{
		Date:         today,
		CreatedAt:    now,
		SubmissionID: result.SubmissionID,
		Response:     result.Metrics,
		Report:       combined,
	}
	if err := r.store.WriteSubmissionRecord(today, rec); err != nil {
		return err
	}
	state.LastSubmittedDate = today
	state.LastSubmittedAt = &now
	state.LastSubmitError = ""
	state.LastSubmissionID = result.SubmissionID
	if err := r.store.WriteState(state); err != nil {
		return err
	}
	log.Infof("daily submit: submitted %s (id=%s)", today, result.SubmissionID)
	return nil
}
