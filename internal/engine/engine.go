package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/cloudbridge"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/heartbeat"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/localrunner"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/media"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

type Options struct {
	CloudEnabled           bool
	PollInterval           time.Duration
	TickInterval           time.Duration
	ASRIdleTimeoutOverride time.Duration
	StageConcurrency       map[types.Stage]int
	RetryBudget            map[types.Stage]int
	// HardTimeouts caps each stage's local work; maps to the stall thresholds.
	HardTimeouts map[types.Stage]time.Duration
	Commands     Commands
}

func (o Options) concurrencyFor(stage types.Stage) int {
	if n, ok := o.StageConcurrency[stage]; ok && n > 0 {
		return n
	}
	return 1
}

func (o Options) retryBudgetFor(stage types.Stage) int {
	if n, ok := o.RetryBudget[stage]; ok {
		return n
	}
	return 2
}

func (o Options) hardTimeoutFor(stage types.Stage) time.Duration {
	if d, ok := o.HardTimeouts[stage]; ok {
		return d
	}
	return 6 * time.Hour
}

type inflightOp struct {
	stage     types.Stage
	cancel    context.CancelFunc
	startedAt time.Time
}

type completion struct {
	stem    string
	stage   types.Stage
	outcome Outcome
}

// Engine drives every job through the stage machine. One tick: publish
// heartbeat, reconcile against the filesystem, dispatch stage handlers up to
// the per-stage concurrency caps, drain completion events. Handlers never
// block the tick; long work runs in per-job tasks whose results come back on
// the completions channel.
type Engine struct {
	log    *logger.Logger
	jobs   *store.Store
	runner *localrunner.Runner
	bridge *cloudbridge.Bridge
	tools  *media.Tools
	hb     *heartbeat.Publisher
	layout Layout
	opts   Options

	mu       sync.Mutex
	inflight map[string]*inflightOp
	lastPoll map[string]time.Time

	completions chan completion
	clock       func() time.Time

	root       context.Context
	cancelRoot context.CancelFunc
}

func New(baseLog *logger.Logger, jobs *store.Store, runner *localrunner.Runner, bridge *cloudbridge.Bridge, tools *media.Tools, hb *heartbeat.Publisher, layout Layout, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Engine{
		log:         baseLog.With("component", "StageEngine"),
		jobs:        jobs,
		runner:      runner,
		bridge:      bridge,
		tools:       tools,
		hb:          hb,
		layout:      layout,
		opts:        opts,
		inflight:    map[string]*inflightOp{},
		lastPoll:    map[string]time.Time{},
		completions: make(chan completion, 256),
		clock:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) Start(ctx context.Context) {
	e.root, e.cancelRoot = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.root.Done():
				return
			case <-ticker.C:
				e.Tick(e.root)
			}
		}
	}()
}

func (e *Engine) Stop() {
	if e.cancelRoot != nil {
		e.cancelRoot()
	}
}

// Tick runs one scheduler iteration. Exported so tests can single-step.
func (e *Engine) Tick(ctx context.Context) {
	if e.hb != nil {
		e.hb.Beat()
	}
	e.drainCompletions(ctx)

	active, err := e.jobs.ListActive(ctx)
	if err != nil {
		e.log.Error("load active jobs failed", "error", err)
		return
	}

	// Slots already consumed by running work count against the caps.
	slots := map[types.Stage]int{}
	e.mu.Lock()
	for _, op := range e.inflight {
		slots[op.stage]++
	}
	e.mu.Unlock()

	for _, job := range active {
		if ctx.Err() != nil {
			return
		}
		if e.isInflight(job.FileStem) {
			continue
		}
		job = e.reconcile(ctx, job)
		if job == nil || job.Stage.Terminal() {
			continue
		}
		if slots[job.Stage] >= e.opts.concurrencyFor(job.Stage) {
			e.markWaitingForSlot(ctx, job)
			continue
		}
		if e.dispatch(ctx, job) {
			slots[job.Stage]++
		}
	}
	e.drainCompletions(ctx)
}

func (e *Engine) drainCompletions(ctx context.Context) {
	for {
		select {
		case c := <-e.completions:
			e.applyOutcome(ctx, c)
		default:
			return
		}
	}
}

func (e *Engine) isInflight(stem string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[stem]
	return ok
}

// InflightStage reports the stage of a job's running task, if any.
func (e *Engine) InflightStage(stem string) (types.Stage, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.inflight[stem]
	if !ok {
		return "", time.Time{}, false
	}
	return op.stage, op.startedAt, true
}

// CancelJob signals the job's in-flight task. Returns whether there was one.
func (e *Engine) CancelJob(stem string) bool {
	e.mu.Lock()
	op, ok := e.inflight[stem]
	e.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

func (e *Engine) rootCtx() context.Context {
	if e.root != nil {
		return e.root
	}
	return context.Background()
}

// schedule runs fn as the job's single in-flight task and feeds the outcome
// back to the tick loop.
func (e *Engine) schedule(job *types.Job, status string, fn func(ctx context.Context) Outcome) {
	root := e.rootCtx()
	jobCtx, cancel := context.WithCancel(root)
	op := &inflightOp{stage: job.Stage, cancel: cancel, startedAt: e.clock()}
	e.mu.Lock()
	e.inflight[job.FileStem] = op
	e.mu.Unlock()

	if status != "" {
		e.setStatus(root, job.FileStem, status)
	}

	stem, stage := job.FileStem, job.Stage
	go func() {
		defer cancel()
		out := e.runTask(jobCtx, stem, fn)
		if jobCtx.Err() != nil && out.Kind != OutcomeTransition {
			out = Cancelled()
		}
		e.mu.Lock()
		delete(e.inflight, stem)
		e.mu.Unlock()
		select {
		case e.completions <- completion{stem: stem, stage: stage, outcome: out}:
		case <-root.Done():
		}
	}()
}

// runTask converts a handler panic into a stage failure so one bad job can
// never take the tick loop down.
func (e *Engine) runTask(ctx context.Context, stem string, fn func(ctx context.Context) Outcome) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("stage handler panicked", "file_stem", stem, "panic", r)
			out = Retry(fmt.Sprintf("stage handler panic: %v", r))
		}
	}()
	return fn(ctx)
}

func (e *Engine) applyOutcome(ctx context.Context, c completion) {
	switch c.outcome.Kind {
	case OutcomeWait:
		return
	case OutcomeTransition:
		e.transition(ctx, c.stem, c.stage, c.outcome.Next, c.outcome.Status)
	case OutcomeRetry:
		e.retry(ctx, c.stem, c.stage, c.outcome.Reason)
	case OutcomeFatal:
		e.markDead(ctx, c.stem, c.stage, c.outcome.Reason)
	case OutcomeCancelled:
		e.markCancelled(ctx, c.stem)
	}
}

// transition advances the job, guarded against concurrent operator moves:
// if the row is no longer in fromStage the result is stale and dropped.
func (e *Engine) transition(ctx context.Context, stem string, fromStage, toStage types.Stage, status string) {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		if job.Stage != fromStage {
			return fmt.Errorf("stale transition: job moved to %s", job.Stage)
		}
		if meta.Halted {
			return fmt.Errorf("job is halted")
		}
		job.Stage = toStage
		job.Progress = 0
		if status == "" {
			status = "entered " + string(toStage)
		}
		job.Status = status
		meta.EnterStage(toStage, e.clock())
		meta.ResetRetry(fromStage)
		return nil
	})
	if err != nil {
		e.log.Warn("stage transition dropped", "file_stem", stem, "from", fromStage, "to", toStage, "error", err)
		return
	}
	e.forgetPoll(stem)
	e.log.Info("stage transition", "file_stem", stem, "from", fromStage, "to", toStage)
}

// forgetPoll drops the job's poll rate-limit entry so the map cannot grow
// with jobs that left the cloud stages.
func (e *Engine) forgetPoll(stem string) {
	e.mu.Lock()
	delete(e.lastPoll, stem)
	e.mu.Unlock()
}

func (e *Engine) retry(ctx context.Context, stem string, stage types.Stage, reason string) {
	budget := e.opts.retryBudgetFor(stage)
	exhausted := false
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		if job.Stage != stage {
			return fmt.Errorf("stale retry: job moved to %s", job.Stage)
		}
		meta.AppendError(stage, reason, e.clock())
		n := meta.BumpRetry(stage)
		if n > budget {
			exhausted = true
			job.Status = "retry budget exhausted: " + reason
			return nil
		}
		job.Status = fmt.Sprintf("retrying (%d/%d): %s", n, budget, reason)
		return nil
	})
	if err != nil {
		e.log.Warn("retry bookkeeping dropped", "file_stem", stem, "stage", stage, "error", err)
		return
	}
	if exhausted {
		e.markDead(ctx, stem, stage, reason)
	} else {
		e.log.Warn("stage failed, will retry", "file_stem", stem, "stage", stage, "reason", reason)
	}
}

func (e *Engine) markCancelled(ctx context.Context, stem string) {
	e.setStatus(ctx, stem, "cancelled")
	e.log.Info("job task cancelled", "file_stem", stem)
}

// MarkDead moves a job to the error sink and quarantines its working files.
func (e *Engine) MarkDead(ctx context.Context, stem string, reason string) {
	job, err := e.jobs.Get(ctx, stem)
	if err != nil {
		e.log.Warn("mark dead: job not found", "file_stem", stem, "error", err)
		return
	}
	e.markDead(ctx, stem, job.Stage, reason)
}

func (e *Engine) markDead(ctx context.Context, stem string, stage types.Stage, reason string) {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		job.Stage = types.StageDead
		job.Status = "dead: " + reason
		meta.DeadReason = reason
		meta.AppendError(stage, reason, e.clock())
		meta.EnterStage(types.StageDead, e.clock())
		return nil
	})
	if err != nil {
		e.log.Error("mark dead failed", "file_stem", stem, "error", err)
		return
	}
	e.forgetPoll(stem)
	e.log.Error("job moved to DEAD", "file_stem", stem, "stage", stage, "reason", reason)
	e.quarantine(stem, reason)
}

// quarantine collects the job's intermediates under errors/<stem>/ so the
// working directories stay clean and an operator can inspect what happened.
func (e *Engine) quarantine(stem, reason string) {
	dir := e.layout.ErrorDir(stem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("quarantine dir create failed", "file_stem", stem, "error", err)
		return
	}
	for _, path := range []string{
		e.layout.AudioPath(stem),
		e.layout.SkeletonPath(stem),
		e.layout.SubtitlePath(stem),
		e.layout.ApprovedPath(stem),
		e.layout.JobLogPath(stem),
	} {
		if fileExists(path) {
			_ = os.Rename(path, filepath.Join(dir, filepath.Base(path)))
		}
	}
	_ = os.WriteFile(filepath.Join(dir, "reason.txt"), []byte(reason+"\n"), 0o644)
}

func (e *Engine) setStatus(ctx context.Context, stem, status string) {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		job.Status = status
		return nil
	})
	if err != nil {
		e.log.Debug("status update dropped", "file_stem", stem, "error", err)
	}
}

func (e *Engine) setStatusProgress(ctx context.Context, stem, status string, progress int) {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		job.Status = status
		job.Progress = progress
		return nil
	})
	if err != nil {
		e.log.Debug("progress update dropped", "file_stem", stem, "error", err)
	}
}

func (e *Engine) markWaitingForSlot(ctx context.Context, job *types.Job) {
	if job.Status == "waiting for slot" {
		return
	}
	e.setStatus(ctx, job.FileStem, "waiting for slot")
}
