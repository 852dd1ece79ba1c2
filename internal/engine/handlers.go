package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/cloudbridge"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/localrunner"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/media"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

// dispatch hands one job to its stage handler. Sync handlers finish inside
// the tick; async ones schedule a task and return true so the stage slot is
// counted.
func (e *Engine) dispatch(ctx context.Context, job *types.Job) bool {
	meta, err := job.DecodeMeta()
	if err != nil {
		e.markDead(ctx, job.FileStem, job.Stage, "meta corrupt: "+err.Error())
		return false
	}
	// An operator cancel parks the job until retry/resume/force_stage.
	if meta.CancelPending {
		return false
	}
	switch job.Stage {
	case types.StageIngest:
		return e.startIngest(job, meta)
	case types.StageTranscribing:
		return e.startTranscribe(job, meta)
	case types.StageTranscribed:
		if e.opts.CloudEnabled && e.bridge != nil {
			return e.startCloudSubmit(job, meta)
		}
		return e.startLocalTranslate(job, meta)
	case types.StageTranslatingCloudSubmit, types.StageCloudTranslating,
		types.StageCloudReviewing, types.StageCloudPolishing:
		return e.startCloudPoll(job, meta)
	case types.StageCloudDone:
		return e.startFetchApproved(job, meta)
	case types.StageReviewing:
		if !effectiveReviewRequired(meta) {
			e.transition(ctx, job.FileStem, job.Stage, types.StageReviewed, "review released")
		} else if job.Status != "waiting for review" {
			e.setStatus(ctx, job.FileStem, "waiting for review")
		}
		return false
	case types.StageReviewed:
		e.transition(ctx, job.FileStem, job.Stage, types.StageFinalizing, "")
		return false
	case types.StageFinalizing:
		return e.startFinalize(job, meta)
	case types.StageFinalized:
		e.transition(ctx, job.FileStem, job.Stage, types.StageBurning, "queued for burn")
		return false
	case types.StageBurning:
		return e.startBurn(job, meta)
	default:
		e.log.Warn("no handler for stage", "file_stem", job.FileStem, "stage", job.Stage)
		return false
	}
}

// ---------- INGEST ----------

func (e *Engine) startIngest(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	ext := deliveryExt(meta)
	src := meta.SourcePath
	e.schedule(job, "moving source into vault", func(ctx context.Context) Outcome {
		dest := e.layout.SourcePath(stem, ext)
		if !fileExists(dest) {
			if !fileExists(src) {
				return Fatal("source file missing: " + src)
			}
			if err := moveFile(src, dest); err != nil {
				return Retry(fmt.Sprintf("move source: %v", err))
			}
		}
		if dur, err := e.tools.ProbeDurationSeconds(ctx, dest); err == nil {
			_, _ = e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
				m.SourcePath = dest
				m.AudioDurationSeconds = dur
				j.Status = "extracting audio"
				j.Progress = 10
				return nil
			})
		} else {
			e.log.Warn("duration probe failed", "file_stem", stem, "error", err)
			e.setStatusProgress(ctx, stem, "extracting audio", 10)
		}

		audioOut := e.layout.AudioPath(stem)
		tmp := audioOut + ".partial"
		cmdPath, args := e.tools.AudioExtractArgs(dest, tmp)
		sink := e.openJobLog(stem)
		defer sink.Close()
		res, err := e.runner.Run(ctx, localrunner.Spec{
			Name:        "audio-extract",
			Command:     cmdPath,
			Args:        args,
			IdleTimeout: 10 * time.Minute,
			HardTimeout: e.opts.hardTimeoutFor(types.StageIngest),
		}, sink)
		if err != nil {
			return Retry(fmt.Sprintf("launch audio extract: %v", err))
		}
		if out := e.subprocessOutcome(res, tmp, "audio extract"); out != nil {
			return *out
		}
		if err := os.Rename(tmp, audioOut); err != nil {
			return Retry(fmt.Sprintf("finalize audio file: %v", err))
		}
		return Transition(types.StageTranscribing)
	})
	return true
}

// ---------- TRANSCRIBING ----------

func (e *Engine) startTranscribe(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	lang := job.TargetLanguage
	audioDur := meta.AudioDurationSeconds
	e.schedule(job, "transcribing", func(ctx context.Context) Outcome {
		audio := e.layout.AudioPath(stem)
		if !fileExists(audio) {
			return Retry("audio file missing, re-running extraction")
		}
		skeleton := e.layout.SkeletonPath(stem)
		tmp := skeleton + ".partial"
		cmdPath, args, err := expandCommand(e.opts.Commands.ASR, commandVars{
			Audio:    audio,
			Skeleton: tmp,
			Stem:     stem,
			Lang:     lang,
		})
		if err != nil {
			return Fatal("asr command template: " + err.Error())
		}
		sink := e.openJobLog(stem)
		defer sink.Close()
		res, runErr := e.runner.Run(ctx, localrunner.Spec{
			Name:        "asr",
			Command:     cmdPath,
			Args:        args,
			IdleTimeout: media.ASRIdleTimeout(e.opts.ASRIdleTimeoutOverride, audioDur),
			HardTimeout: e.opts.hardTimeoutFor(types.StageTranscribing),
		}, sink)
		if runErr != nil {
			return Retry(fmt.Sprintf("launch asr: %v", runErr))
		}
		if out := e.subprocessOutcome(res, tmp, "asr"); out != nil {
			return *out
		}
		// The partial file becomes the skeleton only on success, so a crash
		// mid-transcription never leaves a torn artifact behind.
		if err := os.Rename(tmp, skeleton); err != nil {
			return Retry(fmt.Sprintf("finalize skeleton: %v", err))
		}
		return Transition(types.StageTranscribed)
	})
	return true
}

// ---------- TRANSCRIBED: cloud submit / local translate ----------

func (e *Engine) startCloudSubmit(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	existingID := meta.CloudJobID
	cfg := cloudbridge.JobConfig{
		FileStem:       stem,
		TargetLanguage: job.TargetLanguage,
		ProgramProfile: job.ProgramProfile,
		SubtitleStyle:  job.SubtitleStyle,
		ReviewRequired: effectiveReviewRequired(meta),
		SubmittedAt:    e.clock(),
	}
	e.schedule(job, "uploading skeleton", func(ctx context.Context) Outcome {
		skeleton, err := os.ReadFile(e.layout.SkeletonPath(stem))
		if err != nil {
			return Retry(fmt.Sprintf("read skeleton: %v", err))
		}
		res, err := e.bridge.Submit(ctx, existingID, skeleton, cfg)
		if err != nil {
			if errors.Is(err, cloudbridge.ErrPermanent) {
				return Fatal("cloud submit: " + err.Error())
			}
			return Retry(fmt.Sprintf("cloud submit: %v", err))
		}
		_, err = e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
			m.CloudJobID = res.CloudJobID
			m.CloudBucket = res.Bucket
			m.CloudPrefix = res.Prefix
			m.CloudExecutionID = res.ExecutionID
			return nil
		})
		if err != nil {
			return Retry(fmt.Sprintf("record cloud ids: %v", err))
		}
		return Outcome{Kind: OutcomeTransition, Next: types.StageTranslatingCloudSubmit, Status: "waiting for cloud"}
	})
	return true
}

func (e *Engine) startLocalTranslate(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	lang := job.TargetLanguage
	review := effectiveReviewRequired(meta)
	e.schedule(job, "translating locally", func(ctx context.Context) Outcome {
		approved := e.layout.ApprovedPath(stem)
		tmp := approved + ".partial"
		cmdPath, args, err := expandCommand(e.opts.Commands.Translate, commandVars{
			Skeleton: e.layout.SkeletonPath(stem),
			Approved: tmp,
			Stem:     stem,
			Lang:     lang,
		})
		if err != nil {
			return Fatal("translate command template: " + err.Error())
		}
		sink := e.openJobLog(stem)
		defer sink.Close()
		res, runErr := e.runner.Run(ctx, localrunner.Spec{
			Name:        "translate",
			Command:     cmdPath,
			Args:        args,
			HardTimeout: e.opts.hardTimeoutFor(types.StageTranscribed),
		}, sink)
		if runErr != nil {
			return Retry(fmt.Sprintf("launch translate: %v", runErr))
		}
		if out := e.subprocessOutcome(res, tmp, "translate"); out != nil {
			return *out
		}
		if err := os.Rename(tmp, approved); err != nil {
			return Retry(fmt.Sprintf("finalize approved file: %v", err))
		}
		if review {
			return Transition(types.StageReviewing)
		}
		return Transition(types.StageFinalizing)
	})
	return true
}

// ---------- cloud stages: poll and mirror ----------

func (e *Engine) startCloudPoll(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	now := e.clock()
	e.mu.Lock()
	if last, ok := e.lastPoll[stem]; ok && now.Sub(last) < e.opts.PollInterval {
		e.mu.Unlock()
		return false
	}
	e.lastPoll[stem] = now
	e.mu.Unlock()

	cloudJobID := meta.CloudJobID
	if cloudJobID == "" {
		e.markDead(e.rootCtx(), stem, job.Stage, "cloud stage without cloud_job_id")
		return false
	}
	currentStage := job.Stage
	currentStatus := job.Status
	e.schedule(job, "", func(ctx context.Context) Outcome {
		res, err := e.bridge.Poll(ctx, cloudJobID)
		if err != nil {
			if errors.Is(err, cloudbridge.ErrPermanent) {
				return Fatal("cloud poll: " + err.Error())
			}
			if errors.Is(err, cloudbridge.ErrWorker) {
				// Restart the remote execution; the retry budget decides when
				// to give up.
				execID, rerr := e.bridge.Resubmit(ctx, cloudJobID)
				if rerr != nil {
					e.log.Warn("cloud resubmit failed", "file_stem", stem, "error", rerr)
				} else if execID != "" {
					_, _ = e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
						m.CloudExecutionID = execID
						return nil
					})
				}
				return Retry("cloud worker error: " + err.Error())
			}
			return Retry(fmt.Sprintf("cloud poll: %v", err))
		}
		if res.ApprovedReady {
			return Outcome{Kind: OutcomeTransition, Next: types.StageCloudDone, Status: "approved document ready"}
		}
		if res.NotReady {
			// Write the status once, not on every poll: the stall detector
			// measures idleness from updated_at, and a silent worker must be
			// allowed to look stalled.
			if currentStatus != "waiting for cloud worker" {
				e.setStatus(ctx, stem, "waiting for cloud worker")
			}
			return Wait()
		}
		return e.mirrorCloudProgress(ctx, stem, currentStage, res)
	})
	return true
}

// mirrorCloudProgress copies the worker-reported stage and progress into the
// job row. The mapping is one way: the orchestrator reflects the cloud, it
// never pushes the cloud forward.
func (e *Engine) mirrorCloudProgress(ctx context.Context, stem string, currentStage types.Stage, res cloudbridge.PollResult) Outcome {
	mapped, ok := types.CloudStageFromWorker(res.Progress.Stage)
	if !ok {
		mapped = currentStage
	}
	status := fmt.Sprintf("cloud: %s %d%%", res.Progress.Stage, res.Progress.Progress)
	if res.Progress.SegmentsTotal > 0 {
		status = fmt.Sprintf("cloud: %s %d/%d segments", res.Progress.Stage, res.Progress.SegmentsDone, res.Progress.SegmentsTotal)
	}
	_, err := e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
		if !j.Stage.Cloud() {
			return fmt.Errorf("job left cloud stages: %s", j.Stage)
		}
		if mapped != j.Stage && mapped.Cloud() {
			j.Stage = mapped
			m.EnterStage(mapped, e.clock())
		}
		j.Status = status
		j.Progress = res.Progress.Progress
		m.CloudProgress = res.RawProgress
		if res.Progress.ReviewRequired != nil && !m.ReviewRequiredOperatorSet {
			m.ReviewRequired = *res.Progress.ReviewRequired
		}
		if len(res.EditorReport) > 0 {
			j.EditorReport = datatypes.JSON(res.EditorReport)
		}
		return nil
	})
	if err != nil {
		e.log.Debug("cloud mirror dropped", "file_stem", stem, "error", err)
	}
	if mapped == types.StageCloudDone {
		return Transition(types.StageCloudDone)
	}
	return Wait()
}

// ---------- CLOUD_DONE: download approved ----------

func (e *Engine) startFetchApproved(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	cloudJobID := meta.CloudJobID
	review := effectiveReviewRequired(meta)
	e.schedule(job, "downloading approved document", func(ctx context.Context) Outcome {
		if err := e.bridge.FetchApproved(ctx, cloudJobID, e.layout.ApprovedPath(stem)); err != nil {
			if errors.Is(err, cloudbridge.ErrWorker) {
				return Retry("approved document missing: " + err.Error())
			}
			return Retry(fmt.Sprintf("fetch approved: %v", err))
		}
		if report, err := e.bridge.FetchEditorReport(ctx, cloudJobID); err == nil && len(report) > 0 {
			_, _ = e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
				j.EditorReport = datatypes.JSON(report)
				return nil
			})
		}
		if review {
			return Transition(types.StageReviewing)
		}
		return Transition(types.StageFinalizing)
	})
	return true
}

// ---------- FINALIZING ----------

func (e *Engine) startFinalize(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	style := job.SubtitleStyle
	e.schedule(job, "finalizing subtitles", func(ctx context.Context) Outcome {
		subtitle := e.layout.SubtitlePath(stem)
		tmp := subtitle + ".partial"
		cmdPath, args, err := expandCommand(e.opts.Commands.Finalize, commandVars{
			Approved: e.layout.ApprovedPath(stem),
			Subtitle: tmp,
			Stem:     stem,
			Style:    style,
		})
		if err != nil {
			return Fatal("finalize command template: " + err.Error())
		}
		sink := e.openJobLog(stem)
		defer sink.Close()
		res, runErr := e.runner.Run(ctx, localrunner.Spec{
			Name:        "finalize",
			Command:     cmdPath,
			Args:        args,
			HardTimeout: e.opts.hardTimeoutFor(types.StageFinalizing),
		}, sink)
		if runErr != nil {
			return Retry(fmt.Sprintf("launch finalize: %v", runErr))
		}
		if out := e.subprocessOutcome(res, tmp, "finalize"); out != nil {
			return *out
		}
		if err := os.Rename(tmp, subtitle); err != nil {
			return Retry(fmt.Sprintf("finalize subtitle file: %v", err))
		}
		return Transition(types.StageFinalized)
	})
	return true
}

// ---------- BURNING ----------

func (e *Engine) startBurn(job *types.Job, meta *types.JobMeta) bool {
	stem := job.FileStem
	ext := deliveryExt(meta)
	style := job.SubtitleStyle
	e.schedule(job, "burning subtitles", func(ctx context.Context) Outcome {
		delivery := e.layout.DeliveryPath(stem, ext)
		// A finished delivery is never overwritten outside an explicit
		// re-burn, which removes the file first.
		if fileNonEmpty(delivery) {
			return Transition(types.StageCompleted)
		}
		tmp := delivery + ".partial"
		cmdPath, args, err := expandCommand(e.opts.Commands.Burn, commandVars{
			Source:   e.layout.SourcePath(stem, ext),
			Subtitle: e.layout.SubtitlePath(stem),
			Output:   tmp,
			Stem:     stem,
			Style:    style,
		})
		if err != nil {
			return Fatal("burn command template: " + err.Error())
		}
		sink := e.openJobLog(stem)
		defer sink.Close()
		res, runErr := e.runner.Run(ctx, localrunner.Spec{
			Name:        "burn",
			Command:     cmdPath,
			Args:        args,
			HardTimeout: e.opts.hardTimeoutFor(types.StageBurning),
		}, sink)
		if runErr != nil {
			return Retry(fmt.Sprintf("launch burn: %v", runErr))
		}
		if out := e.subprocessOutcome(res, tmp, "burn"); out != nil {
			return *out
		}
		if err := os.Rename(tmp, delivery); err != nil {
			return Retry(fmt.Sprintf("finalize delivery file: %v", err))
		}
		_, _ = e.jobs.Update(ctx, stem, func(j *types.Job, m *types.JobMeta) error {
			m.FinalOutputPath = delivery
			return nil
		})
		return Outcome{Kind: OutcomeTransition, Next: types.StageCompleted, Status: "delivered to output"}
	})
	return true
}

// ---------- shared subprocess plumbing ----------

// subprocessOutcome converts a LocalRunner result into a stage outcome.
// Returns nil when the child succeeded and produced its artifact.
func (e *Engine) subprocessOutcome(res localrunner.Result, artifact string, label string) *Outcome {
	switch res.KilledReason {
	case "cancelled":
		out := Cancelled()
		return &out
	case "idle_timeout", "hard_timeout":
		out := Retry(label + " " + res.KilledReason)
		return &out
	}
	if res.ExitCode != 0 {
		reason := fmt.Sprintf("%s exited %d", label, res.ExitCode)
		if res.FirstErrorLine != "" {
			reason += ": " + res.FirstErrorLine
		}
		out := Retry(reason)
		return &out
	}
	if !fileNonEmpty(artifact) {
		out := Retry(label + " produced no output artifact")
		return &out
	}
	return nil
}

func (e *Engine) openJobLog(stem string) io.WriteCloser {
	f, err := os.OpenFile(e.layout.JobLogPath(stem), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Warn("job log open failed", "file_stem", stem, "error", err)
		return nopWriteCloser{}
	}
	return f
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// moveFile renames, falling back to copy-then-remove across filesystems.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	return os.Remove(src)
}
