package stall

import (
	"context"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/cloudbridge"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/engine"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

type Options struct {
	// ScanInterval is how often the working set is swept.
	ScanInterval time.Duration
	// Thresholds is the per-stage idle ceiling; stages absent from the map
	// use Default.
	Thresholds map[types.Stage]time.Duration
	Default    time.Duration
	// MaxRecoveries is how many stall recoveries a job gets in one stage
	// before it is declared dead.
	MaxRecoveries int
}

func (o Options) thresholdFor(stage types.Stage) time.Duration {
	if d, ok := o.Thresholds[stage]; ok && d > 0 {
		return d
	}
	if o.Default > 0 {
		return o.Default
	}
	return time.Hour
}

// Detector watches for jobs whose row has not moved within the stage's idle
// ceiling and kicks them loose. Recovery never advances a job: it cancels
// local work or re-triggers the cloud worker and lets the engine take the
// stage from the top.
type Detector struct {
	log    *logger.Logger
	jobs   *store.Store
	eng    *engine.Engine
	bridge *cloudbridge.Bridge
	opts   Options
	clock  func() time.Time

	cancel context.CancelFunc
}

func New(baseLog *logger.Logger, jobs *store.Store, eng *engine.Engine, bridge *cloudbridge.Bridge, opts Options) *Detector {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 30 * time.Second
	}
	if opts.MaxRecoveries <= 0 {
		opts.MaxRecoveries = 3
	}
	return &Detector{
		log:    baseLog.With("component", "StallDetector"),
		jobs:   jobs,
		eng:    eng,
		bridge: bridge,
		opts:   opts,
		clock:  time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(d.opts.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.Scan(ctx)
			}
		}
	}()
}

func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Scan sweeps the working set once. Exported so tests can single-step.
func (d *Detector) Scan(ctx context.Context) {
	active, err := d.jobs.ListActive(ctx)
	if err != nil {
		d.log.Error("stall scan: load active jobs failed", "error", err)
		return
	}
	now := d.clock()
	for _, job := range active {
		if ctx.Err() != nil {
			return
		}
		threshold := d.opts.thresholdFor(job.Stage)
		idle := now.Sub(d.idleSince(job))
		if idle <= threshold {
			continue
		}
		d.recover(ctx, job, idle, threshold)
	}
}

// idleSince picks the later of the row's updated_at and the current stage
// entry time, so a job that just transitioned is not immediately stalled.
func (d *Detector) idleSince(job *types.Job) time.Time {
	since := job.UpdatedAt
	if meta, err := job.DecodeMeta(); err == nil {
		if span := meta.CurrentSpan(); span != nil && span.EnteredAt.After(since) {
			since = span.EnteredAt
		}
	}
	return since
}

func (d *Detector) recover(ctx context.Context, job *types.Job, idle, threshold time.Duration) {
	stem := job.FileStem
	stage := job.Stage
	d.log.Warn("stalled job detected",
		"file_stem", stem, "stage", stage,
		"idle", idle.Round(time.Second), "threshold", threshold)

	count := 0
	cloudJobID := ""
	_, err := d.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
		count = m.BumpStall(stage)
		cloudJobID = m.CloudJobID
		j.Status = "recovering from stall"
		return nil
	})
	if err != nil {
		d.log.Warn("stall bookkeeping failed", "file_stem", stem, "error", err)
		return
	}

	if count > d.opts.MaxRecoveries {
		reason := "stalled repeatedly in " + string(stage)
		if stage.Cloud() {
			reason = "cloud_stall"
		}
		d.eng.MarkDead(ctx, stem, reason)
		return
	}

	if d.eng.CancelJob(stem) {
		d.log.Info("cancelled in-flight work of stalled job", "file_stem", stem, "stage", stage)
	}
	if stage.Cloud() && d.bridge != nil && cloudJobID != "" {
		execID, err := d.bridge.Resubmit(ctx, cloudJobID)
		if err != nil {
			d.log.Warn("stall recovery resubmit failed", "file_stem", stem, "error", err)
		} else if execID != "" {
			_, _ = d.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
				m.CloudExecutionID = execID
				return nil
			})
		}
	}
}
