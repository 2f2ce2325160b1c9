package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/rostersync/internal/access"
	"github.com/agentworkforce/rostersync/internal/remote"
	"github.com/agentworkforce/rostersync/internal/roster"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultQuotaCooldown  = 60 * time.Second
	DefaultErrorCooldown  = time.Second
	DefaultMemoryLogEvery = 50
)

type Logger interface {
	Printf(format string, args ...any)
}

type RosterSource interface {
	Changed(ctx context.Context) (bool, error)
	Load(ctx context.Context) ([]roster.UserRecord, error)
	Invalidate()
}

type StateStore interface {
	Snapshot() roster.Snapshot
	Replace(records []roster.UserRecord) error
	Persist() error
}

type Enforcer interface {
	Apply(ctx context.Context, event roster.ChangeEvent) access.Outcome
}

type Notifier interface {
	Send(ctx context.Context, outcome access.Outcome) bool
}

type WorkerOptions struct {
	Interval       time.Duration
	IntervalJitter float64
	QuotaCooldown  time.Duration
	ErrorCooldown  time.Duration
	MemoryLogEvery int
	Logger         Logger
	// Sample returns values in [0,1) for interval jitter.
	Sample func() float64
}

type Report struct {
	CycleID  string
	Changed  bool
	Events   int
	Notified int
	Failed   int
}

// Worker runs reconciliation cycles one after another: check the roster,
// and when it changed swap the snapshot, enforce the diff, notify and
// persist.
type Worker struct {
	source   RosterSource
	store    StateStore
	enforcer Enforcer
	notifier Notifier

	interval       time.Duration
	jitter         float64
	quotaCooldown  time.Duration
	errorCooldown  time.Duration
	memoryLogEvery int
	logger         Logger
	sample         func() float64

	nudge chan struct{}

	mu             sync.Mutex
	pendingPersist bool
}

func NewWorker(source RosterSource, store StateStore, enforcer Enforcer, notifier Notifier, opts WorkerOptions) (*Worker, error) {
	if source == nil || store == nil || enforcer == nil || notifier == nil {
		return nil, errors.New("syncer: source, store, enforcer and notifier are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.QuotaCooldown <= 0 {
		opts.QuotaCooldown = DefaultQuotaCooldown
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = DefaultErrorCooldown
	}
	if opts.MemoryLogEvery == 0 {
		opts.MemoryLogEvery = DefaultMemoryLogEvery
	}
	if opts.Sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		opts.Sample = rng.Float64
	}
	return &Worker{
		source:         source,
		store:          store,
		enforcer:       enforcer,
		notifier:       notifier,
		interval:       opts.Interval,
		jitter:         clampJitterRatio(opts.IntervalJitter),
		quotaCooldown:  opts.QuotaCooldown,
		errorCooldown:  opts.ErrorCooldown,
		memoryLogEvery: opts.MemoryLogEvery,
		logger:         opts.Logger,
		sample:         opts.Sample,
		nudge:          make(chan struct{}, 1),
	}, nil
}

// Nudge cuts the current wait short. It never blocks.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// RunOnce performs a single check and, if the roster changed, a full sync.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{CycleID: uuid.NewString()}
	w.retryPendingPersist(report.CycleID)

	changed, err := w.source.Changed(ctx)
	if err != nil {
		return report, fmt.Errorf("check roster: %w", err)
	}
	if !changed {
		return report, nil
	}
	report.Changed = true

	records, err := w.source.Load(ctx)
	if err != nil {
		// A structurally broken roster stays broken until someone edits
		// it, and the edit moves the change marker.
		if remote.IsTransient(err) {
			w.source.Invalidate()
		}
		return report, fmt.Errorf("load roster: %w", err)
	}
	previous := w.store.Snapshot()
	if err := w.store.Replace(records); err != nil {
		return report, fmt.Errorf("replace state: %w", err)
	}
	events := roster.Diff(previous, w.store.Snapshot())
	report.Events = len(events)
	w.logf("sync cycle %s: %d users, %d events", report.CycleID, len(records), len(events))

	for _, event := range events {
		outcome := w.enforcer.Apply(ctx, event)
		report.Failed += len(outcome.Failed)
		if w.notifier.Send(ctx, outcome) {
			report.Notified++
		}
	}

	if err := w.store.Persist(); err != nil {
		w.setPendingPersist(true)
		w.logf("sync cycle %s: persist failed, will retry: %v", report.CycleID, err)
	} else {
		w.setPendingPersist(false)
	}
	return report, nil
}

// Run loops until ctx is cancelled. A cycle that has started is finished
// even if ctx is cancelled meanwhile.
func (w *Worker) Run(ctx context.Context) error {
	iteration := 0
	for {
		if ctx.Err() != nil {
			w.logf("sync worker stopping: %v", ctx.Err())
			return nil
		}
		iteration++
		report, err := w.RunOnce(context.WithoutCancel(ctx))
		delay := jitteredIntervalWithSample(w.interval, w.jitter, w.sample())
		if err != nil {
			delay = w.cooldown(err)
			w.logf("sync cycle %s failed, cooling down %s: %v", report.CycleID, delay, err)
		}
		if w.memoryLogEvery > 0 && iteration%w.memoryLogEvery == 0 {
			w.logMemory(iteration)
		}
		if !w.wait(ctx, delay) {
			w.logf("sync worker stopping: %v", ctx.Err())
			return nil
		}
	}
}

func (w *Worker) cooldown(err error) time.Duration {
	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		w.logf("AUTH EXPIRED: remote rejected credentials, check configuration: %v", err)
		return w.errorCooldown
	case remote.IsTransient(err):
		return w.quotaCooldown
	default:
		return w.errorCooldown
	}
}

func (w *Worker) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-w.nudge:
		return true
	}
}

func (w *Worker) retryPendingPersist(cycleID string) {
	w.mu.Lock()
	pending := w.pendingPersist
	w.mu.Unlock()
	if !pending {
		return
	}
	if err := w.store.Persist(); err != nil {
		w.logf("sync cycle %s: persist retry failed: %v", cycleID, err)
		return
	}
	w.setPendingPersist(false)
}

func (w *Worker) setPendingPersist(value bool) {
	w.mu.Lock()
	w.pendingPersist = value
	w.mu.Unlock()
}

func (w *Worker) PendingPersist() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingPersist
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
