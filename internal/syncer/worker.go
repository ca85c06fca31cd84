package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/casesync/internal/gateway"
	"github.com/roach88/casesync/internal/idmap"
	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/store"
)

// State is the worker's drain state.
type State int32

const (
	StateIdle State = iota
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDraining:
		return "Draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Log is the mutation log as seen by the worker. *store.Store implements it.
type Log interface {
	NextDueBatch(ctx context.Context, max int) ([]mutation.Record, error)
	MarkInFlight(ctx context.Context, id int64) error
	MarkCompleted(ctx context.Context, id int64, remoteID string) (bool, error)
	CompleteMapped(ctx context.Context, id int64, remoteID string) (bool, error)
	MarkFailed(ctx context.Context, id int64, cause error, retryable bool) (mutation.State, error)
	RecoverInFlight(ctx context.Context) (int, error)
	Stats(ctx context.Context) (store.Stats, error)
	NextAttemptAfter(ctx context.Context, t time.Time) (time.Time, error)
}

// Translator resolves local references. *idmap.Translator implements it.
type Translator interface {
	RecordMapping(ctx context.Context, ref mutation.EntityRef, remoteID string) error
	Resolve(ctx context.Context, ref mutation.EntityRef) (string, error)
	RewritePayload(ctx context.Context, rec mutation.Record) (payload.Object, error)
}

// DeadLetterSink is told about every record the worker dead-letters, for
// operator-visible notification.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, rec mutation.Record, cause error)
}

// LogSink reports dead-letters as warnings.
type LogSink struct {
	Logger *slog.Logger
}

// DeadLettered implements DeadLetterSink.
func (s LogSink) DeadLettered(ctx context.Context, rec mutation.Record, cause error) {
	s.Logger.WarnContext(ctx, "mutation dead-lettered",
		"id", rec.ID,
		"entity", rec.Entity().String(),
		"action", rec.Action.String(),
		"attempts", rec.AttemptCount,
		"error", cause,
	)
}

// Config tunes the worker.
type Config struct {
	// BatchSize is the maximum number of records fetched per cycle.
	// Default: 20
	BatchSize int

	// Interval is the period of the background drain ticker in Run.
	// Default: 30s
	// A drain that leaves a record rescheduled before the next tick also
	// arms a timer for that record's next attempt.
	Interval time.Duration

	// CallTimeout bounds each remote call. A timeout is a retryable failure.
	// Default: 15s
	CallTimeout time.Duration

	// MaxCyclesPerDrain bounds how many batches one drain processes.
	// Default: 10
	MaxCyclesPerDrain int
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:         20,
		Interval:          30 * time.Second,
		CallTimeout:       15 * time.Second,
		MaxCyclesPerDrain: 10,
	}
}

// DrainReport summarises one drain.
type DrainReport struct {
	Cycles        int  `json:"cycles"`
	Submitted     int  `json:"submitted"`
	Completed     int  `json:"completed"`
	Retried       int  `json:"retried"`
	DeadLettered  int  `json:"dead_lettered"`
	Blocked       int  `json:"blocked"`
	Backpressured bool `json:"backpressured"`
}

// Status is a snapshot of the worker for status queries.
type Status struct {
	State      string      `json:"state"`
	LastDrain  time.Time   `json:"last_drain,omitempty"`
	LastReport DrainReport `json:"last_report"`
	LastError  string      `json:"last_error,omitempty"`
	Queue      store.Stats `json:"queue"`
}

// Worker is the single active drainer of a mutation log.
//
// Thread-safety: Drain, Flush, Notify and Status are safe for concurrent use.
// Run must be called from exactly one goroutine.
type Worker struct {
	log     Log
	ids     Translator
	gw      gateway.Gateway
	cfg     Config
	logger  *slog.Logger
	sink    DeadLetterSink
	metrics *Metrics
	clock   mutation.Clock

	// life bounds every drain. Cancelling it is a shutdown: a record on the
	// wire stays InFlight for the next start to recover.
	life context.Context
	stop context.CancelFunc

	group   singleflight.Group
	state   atomic.Int32
	trigger *trigger

	mu         sync.Mutex
	lastDrain  time.Time
	lastReport DrainReport
	lastErr    error
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithDeadLetterSink sets where dead-letters are reported.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(w *Worker) {
		w.sink = s
	}
}

// WithMetrics sets the worker's collectors.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithClock sets the clock used to time the wakeup for rescheduled records.
// It must agree with the log's clock.
func WithClock(c mutation.Clock) Option {
	return func(w *Worker) {
		w.clock = c
	}
}

// New creates a worker. Zero fields of cfg take their defaults.
func New(log Log, ids Translator, gw gateway.Gateway, cfg Config, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxCyclesPerDrain <= 0 {
		cfg.MaxCyclesPerDrain = def.MaxCyclesPerDrain
	}

	w := &Worker{
		log:     log,
		ids:     ids,
		gw:      gw,
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   mutation.SystemClock{},
		trigger: newTrigger(),
	}
	w.life, w.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(w)
	}
	if w.sink == nil {
		w.sink = LogSink{Logger: w.logger}
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return w
}

// State reports whether a drain is running.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Notify requests a drain from the Run loop without blocking. reason is
// logged (e.g. "connectivity", "foreground").
func (w *Worker) Notify(reason string) {
	w.trigger.notify(reason)
}

// Flush drains synchronously. If a drain is already running, Flush waits
// for it and returns its report.
func (w *Worker) Flush(ctx context.Context) (DrainReport, error) {
	return w.Drain(ctx)
}

// Drain runs one drain, or joins the one in progress.
//
// The drain runs under the worker's lifetime, not ctx: when ctx ends first
// the caller stops waiting and gets ctx.Err(), and the drain carries on.
// Only Stop, or the end of Run's context, cuts a drain short.
func (w *Worker) Drain(ctx context.Context) (DrainReport, error) {
	ch := w.group.DoChan("drain", func() (any, error) {
		return w.drain(w.life)
	})
	select {
	case res := <-ch:
		if res.Shared {
			w.logger.Debug("joined running drain")
		}
		report, _ := res.Val.(DrainReport)
		return report, res.Err
	case <-ctx.Done():
		return DrainReport{}, ctx.Err()
	}
}

// Stop shuts the worker down. A drain in progress returns after its current
// remote call is abandoned, leaving that record InFlight; later drains fail
// with context.Canceled.
func (w *Worker) Stop() {
	w.stop()
}

// Recover returns records left InFlight by a previous process to the queue.
// Their outcome is unknown, so they are resubmitted under the same
// idempotency key.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	n, err := w.log.RecoverInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight records: %w", err)
	}
	if n > 0 {
		w.logger.Info("recovered in-flight records", "count", n)
	}
	return n, nil
}

// Run recovers records left InFlight by a previous process, then drains on
// every notification, every Interval and whenever a rescheduled record comes
// due, until ctx is done. The end of ctx stops the worker (see Stop).
func (w *Worker) Run(ctx context.Context) error {
	defer context.AfterFunc(ctx, w.Stop)()

	if _, err := w.Recover(ctx); err != nil {
		return err
	}

	w.logger.Info("sync worker starting", "interval", w.cfg.Interval, "batch_size", w.cfg.BatchSize)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	var wake *time.Timer
	var wakeC <-chan time.Time
	defer func() {
		if wake != nil {
			wake.Stop()
		}
	}()

	w.Notify("startup")
	for {
		var reasons []string
		select {
		case <-ctx.Done():
			w.logger.Info("sync worker stopping: context cancelled")
			return nil
		case <-ticker.C:
			reasons = []string{"tick"}
		case <-wakeC:
			reasons = []string{"backoff"}
		case <-w.trigger.wait():
			reasons = w.trigger.take()
		}

		report, err := w.Drain(ctx)

		if wake != nil {
			wake.Stop()
		}
		wake, wakeC = nil, nil
		if d, ok := w.wakeDelay(ctx); ok {
			wake = time.NewTimer(d)
			wakeC = wake.C
		}

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Read failures are retried on the next trigger or tick.
			w.logger.Error("drain failed", "reasons", reasons, "error", err)
			continue
		}
		if report.Submitted > 0 || report.Blocked > 0 {
			w.logger.Info("drain finished",
				"reasons", reasons,
				"submitted", report.Submitted,
				"completed", report.Completed,
				"retried", report.Retried,
				"dead_lettered", report.DeadLettered,
				"blocked", report.Blocked,
				"backpressured", report.Backpressured,
			)
		}
	}
}

// wakeDelay returns how long until the earliest rescheduled record is due,
// when that falls before the next tick. Records already due are left to the
// ticker: they are blocked or were cut off by backpressure.
func (w *Worker) wakeDelay(ctx context.Context) (time.Duration, bool) {
	now := w.clock.Now()
	next, err := w.log.NextAttemptAfter(ctx, now)
	if err != nil || next.IsZero() {
		return 0, false
	}
	d := next.Sub(now)
	if d >= w.cfg.Interval {
		return 0, false
	}
	return d, true
}

// Status returns a snapshot of the worker and the queue.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	stats, err := w.log.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		State:      w.State().String(),
		LastDrain:  w.lastDrain,
		LastReport: w.lastReport,
		Queue:      stats,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st, nil
}

// outcome is the effect of processing one record on the current drain.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeProgress
	outcomeStop
)

func (w *Worker) drain(ctx context.Context) (DrainReport, error) {
	w.state.Store(int32(StateDraining))
	defer w.state.Store(int32(StateIdle))

	var report DrainReport
	err := w.runCycles(ctx, &report)

	w.metrics.DrainsTotal.Inc()
	if stats, statsErr := w.log.Stats(context.WithoutCancel(ctx)); statsErr == nil {
		w.metrics.QueueDepth.Set(float64(stats.Pending + stats.InFlight))
		w.metrics.DeadLettered.Set(float64(stats.DeadLettered))
	}

	w.mu.Lock()
	w.lastDrain = time.Now()
	w.lastReport = report
	w.lastErr = err
	w.mu.Unlock()

	return report, err
}

func (w *Worker) runCycles(ctx context.Context, report *DrainReport) error {
	for report.Cycles < w.cfg.MaxCyclesPerDrain {
		batch, err := w.log.NextDueBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch due batch: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		report.Cycles++

		progressed := false
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := w.process(ctx, rec, report)
			if err != nil {
				return fmt.Errorf("record %d: %w", rec.ID, err)
			}
			switch out {
			case outcomeProgress:
				progressed = true
			case outcomeStop:
				w.logger.Info("remote backpressure: ending drain", "id", rec.ID)
				return nil
			}
		}

		// Only completions and dead-letters make new records eligible.
		if !progressed {
			return nil
		}
	}
	return nil
}

// process submits one record and applies the outcome to the log. Errors are
// local failures that abort the drain; remote failures are recorded.
func (w *Worker) process(ctx context.Context, rec mutation.Record, report *DrainReport) (outcome, error) {
	resolved, err := w.ids.RewritePayload(ctx, rec)
	if mutation.IsBlocked(err) {
		w.blocked(rec, err, report)
		return outcomeDone, nil
	}
	if err != nil {
		return outcomeDone, err
	}

	remoteID := rec.EntityRemoteID
	if remoteID == "" {
		remoteID, err = w.ids.Resolve(ctx, rec.Entity())
		switch {
		case errors.Is(err, idmap.ErrNotYetSynced):
			remoteID = ""
		case err != nil:
			return outcomeDone, err
		}
	}

	switch {
	case rec.Action == mutation.ActionCreate && remoteID != "":
		// The create was applied before a crash cut off its completion.
		w.logger.Info("create already mapped, completing without resubmitting",
			"id", rec.ID, "entity", rec.Entity().String(), "remote_id", remoteID)
		if _, err := w.log.CompleteMapped(ctx, rec.ID, remoteID); err != nil {
			return outcomeDone, err
		}
		report.Completed++
		return outcomeProgress, nil
	case rec.Action != mutation.ActionCreate && remoteID == "":
		w.blocked(rec, &mutation.DependencyBlocked{RecordID: rec.ID, Missing: rec.Entity()}, report)
		return outcomeDone, nil
	}

	if err := w.log.MarkInFlight(ctx, rec.ID); err != nil {
		return outcomeDone, err
	}
	rec.AttemptCount++
	report.Submitted++

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	start := time.Now()
	res := w.gw.Submit(callCtx, gateway.Request{
		EntityType:     rec.EntityType,
		Action:         rec.Action,
		Payload:        resolved,
		RemoteID:       remoteID,
		IdempotencyKey: rec.IdempotencyKey,
	})
	cancel()
	w.metrics.CallDurationSeconds.Observe(time.Since(start).Seconds())

	if res.Status != gateway.StatusSuccess && ctx.Err() != nil {
		// Stopped mid-call: the outcome is unknown, leave the record InFlight.
		w.logger.Warn("drain cancelled during remote call", "id", rec.ID)
		return outcomeDone, ctx.Err()
	}

	w.logger.Debug("remote call finished",
		"id", rec.ID,
		"entity", rec.Entity().String(),
		"action", rec.Action.String(),
		"status", res.Status.String(),
		"reason", res.Reason,
	)

	switch res.Status {
	case gateway.StatusSuccess:
		return w.succeeded(ctx, rec, res, report)
	case gateway.StatusBackpressure:
		w.metrics.SubmissionsTotal.WithLabelValues(outcomeBackpressure).Inc()
		report.Backpressured = true
		if _, err := w.failed(ctx, rec, res.Err(), true, report); err != nil {
			return outcomeDone, err
		}
		return outcomeStop, nil
	case gateway.StatusRetryable:
		w.metrics.SubmissionsTotal.WithLabelValues(outcomeRetryable).Inc()
		return w.failed(ctx, rec, res.Err(), true, report)
	default:
		w.metrics.SubmissionsTotal.WithLabelValues(outcomePermanent).Inc()
		return w.failed(ctx, rec, res.Err(), false, report)
	}
}

func (w *Worker) succeeded(ctx context.Context, rec mutation.Record, res gateway.Result, report *DrainReport) (outcome, error) {
	w.metrics.SubmissionsTotal.WithLabelValues(outcomeSuccess).Inc()

	remoteID := ""
	if rec.Action == mutation.ActionCreate {
		if res.RemoteID == "" {
			err := &mutation.RetryableRemoteError{Reason: "create succeeded without a remote id"}
			return w.failed(ctx, rec, err, true, report)
		}
		err := w.ids.RecordMapping(ctx, rec.Entity(), res.RemoteID)
		if errors.Is(err, idmap.ErrMappingConflict) {
			// The remote created a second entity for this local one.
			cause := &mutation.PermanentRemoteError{Reason: err.Error()}
			return w.failed(ctx, rec, cause, false, report)
		}
		if err != nil {
			return outcomeDone, err
		}
		remoteID = res.RemoteID
	}

	if _, err := w.log.MarkCompleted(ctx, rec.ID, remoteID); err != nil {
		return outcomeDone, err
	}
	report.Completed++
	w.logger.Debug("mutation completed", "id", rec.ID, "entity", rec.Entity().String(), "remote_id", remoteID)
	return outcomeProgress, nil
}

// failed records a remote failure. A dead-letter counts as progress because
// it releases the next record of the entity.
func (w *Worker) failed(ctx context.Context, rec mutation.Record, cause error, retryable bool, report *DrainReport) (outcome, error) {
	state, err := w.log.MarkFailed(ctx, rec.ID, cause, retryable)
	if err != nil {
		return outcomeDone, err
	}
	if state != mutation.StateDeadLettered {
		report.Retried++
		return outcomeDone, nil
	}

	report.DeadLettered++
	w.metrics.DeadLettersTotal.Inc()
	rec.State = mutation.StateDeadLettered
	rec.LastError = cause.Error()
	w.sink.DeadLettered(ctx, rec, cause)
	return outcomeProgress, nil
}

func (w *Worker) blocked(rec mutation.Record, err error, report *DrainReport) {
	report.Blocked++
	w.metrics.BlockedTotal.Inc()
	w.logger.Debug("mutation blocked on dependency", "id", rec.ID, "error", err)
}
