package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/casesync/internal/casefile"
	"github.com/roach88/casesync/internal/gateway"
	"github.com/roach88/casesync/internal/idmap"
	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/payload"
	"github.com/roach88/casesync/internal/retry"
	"github.com/roach88/casesync/internal/store"
	"github.com/roach88/casesync/internal/syncer"
	"github.com/roach88/casesync/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios with a fake clock, sequential idempotency keys and a
// jitter-free retry scheduler so that traces are reproducible.
type Harness struct {
	path   string
	clock  *testutil.FakeClock
	keys   mutation.KeyGenerator
	sched  *retry.Scheduler
	gw     *testutil.ScriptedGateway
	cfg    syncer.Config
	logger *slog.Logger
	result *Result

	store  *store.Store
	repo   *casefile.Repository
	worker *syncer.Worker
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh database file so that restart steps can
// reopen it. Execution errors that are not scenario failures (a step that
// cannot run at all) are returned as error; assertion and expectation
// mismatches are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "casesync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	retryCfg, err := scenario.Settings.retryConfig()
	if err != nil {
		return nil, err
	}
	sched, err := retry.NewScheduler(retryCfg)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		path:   filepath.Join(dir, "scenario.db"),
		clock:  testutil.NewFakeClock(time.Time{}),
		keys:   mutation.NewSequenceGenerator("idem"),
		sched:  sched,
		gw:     testutil.NewScriptedGateway(),
		cfg:    scenario.Settings.syncerConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		result: NewResult(),
	}
	if err := h.open(); err != nil {
		return nil, err
	}
	defer func() {
		h.worker.Stop()
		h.store.Close()
	}()

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: h.store}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

// open (re)opens the database and wires a fresh repository and worker to it.
func (h *Harness) open() error {
	s, err := store.Open(h.path,
		store.WithClock(h.clock),
		store.WithScheduler(h.sched),
		store.WithKeyGenerator(h.keys),
	)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	h.store = s
	h.repo = casefile.New(s, casefile.WithLogger(h.logger))
	h.worker = syncer.New(s, idmap.New(s), &recordingGateway{inner: h.gw, result: h.result}, h.cfg,
		syncer.WithLogger(h.logger),
		syncer.WithMetrics(syncer.NewMetrics(prometheus.NewRegistry())),
	)
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Create != nil:
		return h.create(ctx, step.Create)
	case step.Update != nil:
		return h.update(ctx, step.Update)
	case step.Delete != nil:
		return h.delete(ctx, step.Delete)
	case step.Gateway != "":
		mode, err := testutil.ParseGatewayMode(step.Gateway)
		if err != nil {
			return err
		}
		h.gw.SetMode(mode)
		h.result.AddTrace(EventGateway, step.Gateway, nil)
	case step.Drain != nil:
		return h.drain(ctx, step.Drain)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		h.result.AddTrace(EventAdvance, d.String(), nil)
	case step.Restart:
		return h.restart(ctx)
	}
	return nil
}

func (h *Harness) create(ctx context.Context, w *WriteStep) error {
	typ, err := mutation.ParseEntityType(w.Type)
	if err != nil {
		return err
	}
	body, err := toObject(w.Body)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	var dependsOn *mutation.EntityRef
	if w.DependsOn != "" {
		ref, err := mutation.ParseEntityRef(w.DependsOn)
		if err != nil {
			return err
		}
		dependsOn = &ref
	}
	ch, err := h.repo.Create(ctx, typ, body, dependsOn)
	return h.traceWrite(mutation.ActionCreate, ch, w.Type, err)
}

func (h *Harness) update(ctx context.Context, w *WriteStep) error {
	ref, err := mutation.ParseEntityRef(w.Entity)
	if err != nil {
		return err
	}
	body, err := toObject(w.Body)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	ch, err := h.repo.Update(ctx, ref, body)
	return h.traceWrite(mutation.ActionUpdate, ch, ref.String(), err)
}

func (h *Harness) delete(ctx context.Context, w *WriteStep) error {
	ref, err := mutation.ParseEntityRef(w.Entity)
	if err != nil {
		return err
	}
	ch, err := h.repo.Delete(ctx, ref)
	return h.traceWrite(mutation.ActionDelete, ch, ref.String(), err)
}

// traceWrite records a local write. A write the repository refuses is part of
// the scenario and is traced; a persistence failure aborts the run.
func (h *Harness) traceWrite(action mutation.Action, ch casefile.Change, target string, err error) error {
	switch {
	case errors.Is(err, mutation.ErrPersistence):
		return err
	case err != nil:
		h.result.AddTrace(EventWrite, fmt.Sprintf("%s %s rejected: %v", action, target, err), nil)
	default:
		h.result.AddTrace(EventWrite, fmt.Sprintf("%s %s record=%d", action, ch.Entity, ch.RecordID), nil)
	}
	return nil
}

func (h *Harness) drain(ctx context.Context, step *DrainStep) error {
	if !step.Interrupt {
		report, err := h.worker.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		h.result.AddTrace(EventDrain, "drain", reportData(report))
		h.checkExpect(step.Expect, report)
		return nil
	}

	// Discard hang signals left over from earlier drains.
	for {
		select {
		case <-h.gw.Hanging():
			continue
		default:
		}
		break
	}

	var (
		report syncer.DrainReport
		err    error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err = h.worker.Drain(ctx)
	}()

	select {
	case <-h.gw.Hanging():
		h.worker.Stop()
		<-done
	case <-done:
	}

	switch {
	case errors.Is(err, context.Canceled):
		h.result.AddTrace(EventDrain, "interrupted", nil)
	case err != nil:
		return fmt.Errorf("drain: %w", err)
	default:
		h.result.AddTrace(EventDrain, "drain", reportData(report))
		h.checkExpect(step.Expect, report)
	}
	return nil
}

// restart closes the database as a crashed process would leave it and recovers
// records that were InFlight.
func (h *Harness) restart(ctx context.Context) error {
	h.worker.Stop()
	if err := h.store.Close(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if err := h.open(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	n, err := h.worker.Recover(ctx)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	h.result.AddTrace(EventRestart, fmt.Sprintf("recovered=%d", n), nil)
	return nil
}

func (h *Harness) checkExpect(want *DrainExpect, got syncer.DrainReport) {
	if want == nil {
		return
	}
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			h.result.AddError(fmt.Sprintf("drain %s = %d, want %d", name, got, *want))
		}
	}
	check("submitted", want.Submitted, got.Submitted)
	check("completed", want.Completed, got.Completed)
	check("retried", want.Retried, got.Retried)
	check("dead_lettered", want.DeadLettered, got.DeadLettered)
	check("blocked", want.Blocked, got.Blocked)
	if want.Backpressured != nil && *want.Backpressured != got.Backpressured {
		h.result.AddError(fmt.Sprintf("drain backpressured = %t, want %t", got.Backpressured, *want.Backpressured))
	}
}

func reportData(r syncer.DrainReport) map[string]any {
	return map[string]any{
		"submitted":     int64(r.Submitted),
		"completed":     int64(r.Completed),
		"retried":       int64(r.Retried),
		"dead_lettered": int64(r.DeadLettered),
		"blocked":       int64(r.Blocked),
		"backpressured": r.Backpressured,
	}
}

func toObject(body map[string]any) (payload.Object, error) {
	if body == nil {
		return payload.Object{}, nil
	}
	v, err := payload.FromAny(body)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(payload.Object)
	if !ok {
		return nil, fmt.Errorf("body must be an object")
	}
	return obj, nil
}

// recordingGateway traces every submission the worker makes.
type recordingGateway struct {
	inner  gateway.Gateway
	result *Result
}

func (g *recordingGateway) Submit(ctx context.Context, req gateway.Request) gateway.Result {
	res := g.inner.Submit(ctx, req)
	var data any
	if len(req.Payload) > 0 {
		data = req.Payload
	}
	g.result.AddTrace(EventSubmit, describeSubmit(req, res), data)
	return res
}

// describeSubmit renders "Create Report [idem-1] -> Success R-100".
func describeSubmit(req gateway.Request, res gateway.Result) string {
	var b strings.Builder
	b.WriteString(req.Action.String())
	b.WriteByte(' ')
	b.WriteString(req.EntityType.String())
	if req.RemoteID != "" {
		b.WriteByte(' ')
		b.WriteString(req.RemoteID)
	}
	fmt.Fprintf(&b, " [%s] -> %s", req.IdempotencyKey, res.Status)
	switch {
	case res.Status == gateway.StatusSuccess && res.RemoteID != "":
		b.WriteByte(' ')
		b.WriteString(res.RemoteID)
	case res.Status != gateway.StatusSuccess && res.Reason != "":
		b.WriteString(": ")
		b.WriteString(res.Reason)
	}
	return b.String()
}

func (s Settings) retryConfig() (retry.Config, error) {
	cfg := retry.Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelay != "" {
		d, err := time.ParseDuration(s.BaseDelay)
		if err != nil {
			return cfg, err
		}
		cfg.BaseDelay = d
	}
	if s.MaxDelay != "" {
		d, err := time.ParseDuration(s.MaxDelay)
		if err != nil {
			return cfg, err
		}
		cfg.MaxDelay = d
	}
	return cfg, nil
}

func (s Settings) syncerConfig() syncer.Config {
	cfg := syncer.DefaultConfig()
	if s.BatchSize > 0 {
		cfg.BatchSize = s.BatchSize
	}
	if s.MaxCyclesPerDrain > 0 {
		cfg.MaxCyclesPerDrain = s.MaxCyclesPerDrain
	}
	return cfg
}
