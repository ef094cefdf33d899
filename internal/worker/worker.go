// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker runs the background triage loop. Each cycle claims a
// bounded batch of pending emails, classifies them and records the result:
//
//	pending -> processing -> completed
//	                      \-> failed
//
// Claims are conditional updates, so an email is processed by at most one
// worker even when several instances run. Cycles never overlap within a
// process, and an optional Redis lease serialises cycles across processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/classifier"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
)

const (
	DefaultBatchLimit       = 10
	DefaultInterval         = 5 * time.Second
	DefaultItemTimeout      = 30 * time.Second
	DefaultMaxFetchFailures = 5

	// failWriteTimeout bounds the write that records a failure, which runs
	// after the item context may already have expired.
	failWriteTimeout = 5 * time.Second
)

var (
	// ErrAlreadyClaimed means another actor moved the email out of the
	// expected status first. The caller's attempt is a no-op.
	ErrAlreadyClaimed = errors.New("email already claimed")

	// ErrCycleInProgress is returned when RunCycle is called while another
	// cycle of the same worker is still running.
	ErrCycleInProgress = errors.New("worker cycle already in progress")

	// ErrStoreUnavailable stops Run after too many consecutive failed
	// fetches. The process supervisor is expected to restart the worker.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Store is the persistence surface the worker needs.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]models.EmailEvent, error)
	Transition(ctx context.Context, t models.Transition) (bool, error)
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Publisher announces completed analyses.
type Publisher interface {
	PublishAnalyzed(ctx context.Context, event *models.EmailEvent, risk models.Risk) error
}

// Lease serialises cycles across worker instances.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Ticker delivers cycle triggers. It exists so tests can drive cycles by
// hand instead of sleeping.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Config holds the dependencies and tuning of a Worker.
type Config struct {
	Store      Store
	Classifier classifier.Classifier
	Publisher  Publisher        // optional
	Lease      Lease            // optional
	Metrics    *metrics.Metrics // optional

	BatchLimit       int
	Interval         time.Duration
	ItemTimeout      time.Duration
	Concurrency      int
	StaleAfter       time.Duration // 0 disables the stale sweep
	MaxFetchFailures int

	NewTicker func(time.Duration) Ticker
}

// CycleResult summarises one cycle.
type CycleResult struct {
	Skipped    bool
	Fetched    int
	Completed  int
	Failed     int
	Conflicts  int
	StaleFails int64
	Elapsed    time.Duration
}

// Worker claims and classifies pending emails.
type Worker struct {
	store      Store
	classifier classifier.Classifier
	publisher  Publisher
	lease      Lease
	metrics    *metrics.Metrics

	batchLimit       int
	interval         time.Duration
	itemTimeout      time.Duration
	concurrency      int
	staleAfter       time.Duration
	maxFetchFailures int
	newTicker        func(time.Duration) Ticker

	cycleMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a worker, applying defaults for unset tuning values.
func New(cfg Config) *Worker {
	w := &Worker{
		store:            cfg.Store,
		classifier:       cfg.Classifier,
		publisher:        cfg.Publisher,
		lease:            cfg.Lease,
		metrics:          cfg.Metrics,
		batchLimit:       cfg.BatchLimit,
		interval:         cfg.Interval,
		itemTimeout:      cfg.ItemTimeout,
		concurrency:      cfg.Concurrency,
		staleAfter:       cfg.StaleAfter,
		maxFetchFailures: cfg.MaxFetchFailures,
		newTicker:        cfg.NewTicker,
	}
	if w.batchLimit <= 0 {
		w.batchLimit = DefaultBatchLimit
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.itemTimeout <= 0 {
		w.itemTimeout = DefaultItemTimeout
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.maxFetchFailures <= 0 {
		w.maxFetchFailures = DefaultMaxFetchFailures
	}
	if w.newTicker == nil {
		w.newTicker = newRealTicker
	}
	return w
}

// FetchPending returns up to the configured batch limit of pending emails.
func (w *Worker) FetchPending(ctx context.Context) ([]models.EmailEvent, error) {
	events, err := w.store.FetchPending(ctx, w.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	return events, nil
}

// ProcessEmail claims event, classifies it and records the result. On
// success event is updated in place to its completed state. If the claim is
// lost to another worker it returns ErrAlreadyClaimed and changes nothing.
func (w *Worker) ProcessEmail(ctx context.Context, event *models.EmailEvent) error {
	claimed, err := w.store.Transition(ctx, models.Transition{
		ID:   event.ID,
		From: models.StatusPending,
		To:   models.StatusProcessing,
	})
	if err != nil {
		return apperr.Wrap(apperr.Processing, "claim email", err)
	}
	if !claimed {
		w.countConflict()
		return ErrAlreadyClaimed
	}
	event.Status = models.StatusProcessing

	itemCtx, cancel := context.WithTimeout(ctx, w.itemTimeout)
	defer cancel()

	risk, err := w.classifier.Classify(itemCtx, event)
	if err != nil {
		return w.fail(ctx, event, fmt.Errorf("classify: %w", err))
	}

	completed, err := w.store.Transition(itemCtx, models.Transition{
		ID:   event.ID,
		From: models.StatusProcessing,
		To:   models.StatusCompleted,
		Risk: &risk,
	})
	if err != nil {
		return w.fail(ctx, event, fmt.Errorf("record result: %w", err))
	}
	if !completed {
		// The stale sweeper failed it first; its outcome stands.
		w.countConflict()
		return ErrAlreadyClaimed
	}

	event.Status = models.StatusCompleted
	event.ApplyRisk(risk)
	if w.metrics != nil {
		w.metrics.EmailsProcessed.WithLabelValues(metrics.OutcomeCompleted).Inc()
	}

	slog.Info("email processed",
		"email_id", event.ID,
		"org_id", event.OrgID,
		"risk_score", risk.Score,
		"risk_tier", risk.Tier,
	)

	if w.publisher != nil {
		if err := w.publisher.PublishAnalyzed(ctx, event, risk); err != nil {
			slog.Warn("failed to publish analysis notification",
				"email_id", event.ID,
				"error", err,
			)
		}
	}
	return nil
}

// fail moves a claimed event to failed and returns cause as a
// Processing error.
func (w *Worker) fail(ctx context.Context, event *models.EmailEvent, cause error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	ok, err := w.store.Transition(writeCtx, models.Transition{
		ID:     event.ID,
		From:   models.StatusProcessing,
		To:     models.StatusFailed,
		Reason: cause.Error(),
	})
	switch {
	case err != nil:
		// Left in processing; the stale sweep will fail it later.
		slog.Error("failed to record processing failure",
			"email_id", event.ID,
			"cause", cause,
			"error", err,
		)
	case ok:
		event.Status = models.StatusFailed
		event.LastError = cause.Error()
		if w.metrics != nil {
			w.metrics.EmailsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()
		}
	}

	return apperr.Wrap(apperr.Processing, "process email", cause)
}

func (w *Worker) countConflict() {
	if w.metrics != nil {
		w.metrics.ClaimConflicts.Inc()
		w.metrics.EmailsProcessed.WithLabelValues(metrics.OutcomeConflict).Inc()
	}
}

// RunCycle performs one bounded unit of work: sweep stale claims, fetch a
// batch and process every item. Per-item failures are logged and counted;
// only a failed fetch is returned as an error.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	if !w.cycleMu.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer w.cycleMu.Unlock()

	start := time.Now()
	var result CycleResult

	if w.lease != nil {
		acquired, err := w.lease.Acquire(ctx)
		if err != nil {
			slog.Warn("worker lease unavailable, skipping cycle", "error", err)
			return CycleResult{Skipped: true}, nil
		}
		if !acquired {
			slog.Debug("worker lease held elsewhere, skipping cycle")
			if w.metrics != nil {
				w.metrics.CyclesSkipped.Inc()
			}
			return CycleResult{Skipped: true}, nil
		}
		defer func() {
			if err := w.lease.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("failed to release worker lease", "error", err)
			}
		}()
	}

	if w.staleAfter > 0 {
		n, err := w.store.FailStale(ctx, w.staleAfter)
		if err != nil {
			slog.Error("stale sweep failed", "error", err)
		} else if n > 0 {
			slog.Warn("failed stale processing emails", "count", n, "stale_after", w.staleAfter)
			result.StaleFails = n
			if w.metrics != nil {
				w.metrics.StaleFailed.Add(float64(n))
			}
		}
	}

	events, err := w.FetchPending(ctx)
	if err != nil {
		return result, err
	}
	result.Fetched = len(events)
	if w.metrics != nil {
		w.metrics.BatchSize.Set(float64(len(events)))
	}

	var completed, failed, conflicts atomic.Int64
	process := func(e *models.EmailEvent) {
		err := w.ProcessEmail(ctx, e)
		switch {
		case err == nil:
			completed.Add(1)
		case errors.Is(err, ErrAlreadyClaimed):
			conflicts.Add(1)
			slog.Debug("email claimed elsewhere", "email_id", e.ID)
		default:
			failed.Add(1)
			slog.Error("failed to process email",
				"email_id", e.ID,
				"org_id", e.OrgID,
				"error", err,
			)
		}
	}

	if w.concurrency == 1 {
		for i := range events {
			process(&events[i])
		}
	} else {
		var g errgroup.Group
		g.SetLimit(w.concurrency)
		for i := range events {
			e := &events[i]
			g.Go(func() error {
				process(e)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Completed = int(completed.Load())
	result.Failed = int(failed.Load())
	result.Conflicts = int(conflicts.Load())
	result.Elapsed = time.Since(start)
	if w.metrics != nil {
		w.metrics.CycleDuration.Observe(result.Elapsed.Seconds())
	}

	if result.Fetched > 0 {
		slog.Info("worker cycle complete",
			"fetched", result.Fetched,
			"completed", result.Completed,
			"failed", result.Failed,
			"conflicts", result.Conflicts,
			"elapsed", result.Elapsed,
		)
	}
	return result, nil
}

// Run executes a cycle immediately and then on every tick until ctx is
// cancelled. It returns nil on cancellation and ErrStoreUnavailable after
// MaxFetchFailures consecutive failed cycles.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("email worker starting",
		"interval", w.interval,
		"batch_limit", w.batchLimit,
		"concurrency", w.concurrency,
		"item_timeout", w.itemTimeout,
	)

	ticker := w.newTicker(w.interval)
	defer ticker.Stop()

	failures := 0
	tick := func() error {
		_, err := w.RunCycle(ctx)
		if err == nil || errors.Is(err, ErrCycleInProgress) {
			failures = 0
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		slog.Error("worker cycle failed",
			"error", err,
			"consecutive_failures", failures,
		)
		if failures >= w.maxFetchFailures {
			return fmt.Errorf("%w: %d consecutive failures: %v", ErrStoreUnavailable, failures, err)
		}
		return nil
	}

	if err := tick(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("email worker stopping")
			return nil
		case <-ticker.C():
			if err := tick(); err != nil {
				return err
			}
		}
	}
}

// Start runs the worker loop in the background. The returned channel
// yields Run's result once and is then closed.
func (w *Worker) Start(ctx context.Context) <-chan error {
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	errCh := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(errCh)
		errCh <- w.Run(loopCtx)
	}()
	return errCh
}

// Stop cancels the loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	slog.Info("email worker stopped")
}
