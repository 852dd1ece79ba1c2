package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

// Operator actions accepted by Apply.
const (
	ActionRetry         = "retry"
	ActionCancel        = "cancel"
	ActionHalt          = "halt"
	ActionResume        = "resume"
	ActionReBurn        = "re_burn"
	ActionMarkDelivered = "mark_delivered"
	ActionDelete        = "delete"
	ActionForceStage    = "force_stage"
	ActionSetReview     = "set_review"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	// ErrConflict means the job's current state does not admit the action.
	ErrConflict = errors.New("action conflicts with job state")
)

// Apply executes one operator action against a job. The argument is action
// specific: a stage name for force_stage, a boolean for set_review, ignored
// otherwise.
func (e *Engine) Apply(ctx context.Context, stem, action, arg string) error {
	switch action {
	case ActionRetry:
		return e.actionRetry(ctx, stem)
	case ActionCancel:
		return e.actionCancel(ctx, stem)
	case ActionHalt:
		return e.actionHalt(ctx, stem)
	case ActionResume:
		return e.actionResume(ctx, stem)
	case ActionReBurn:
		return e.actionReBurn(ctx, stem)
	case ActionMarkDelivered:
		return e.actionMarkDelivered(ctx, stem)
	case ActionDelete:
		return e.actionDelete(ctx, stem)
	case ActionForceStage:
		return e.actionForceStage(ctx, stem, arg)
	case ActionSetReview:
		return e.actionSetReview(ctx, stem, arg)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// actionRetry clears the stage's retry counter and, for a DEAD job, returns
// it to the stage it died in. Quarantined files stay in the error directory;
// the stage handlers regenerate what they need.
func (e *Engine) actionRetry(ctx context.Context, stem string) error {
	e.CancelJob(stem)
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		target := job.Stage
		if job.Stage == types.StageDead {
			target = lastActiveStage(meta)
			if target == "" {
				return fmt.Errorf("%w: dead job has no prior stage", ErrConflict)
			}
			job.Stage = target
			meta.DeadReason = ""
			meta.EnterStage(target, e.clock())
		}
		meta.ResetRetry(target)
		meta.StallCount = map[string]int{}
		meta.CancelPending = false
		job.Status = "operator retry"
		job.Progress = 0
		return nil
	})
	if err == nil {
		e.log.Info("operator retry", "file_stem", stem)
	}
	return err
}

// actionCancel kills the job's in-flight work and parks it: the engine will
// not touch the job again until retry, resume, or force_stage clears the
// marker. Stall recovery cancels through CancelJob directly and does not
// park, so its re-dispatch keeps working.
func (e *Engine) actionCancel(ctx context.Context, stem string) error {
	if _, _, ok := e.InflightStage(stem); !ok {
		return fmt.Errorf("%w: no in-flight work to cancel", ErrConflict)
	}
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		meta.CancelPending = true
		return nil
	})
	if err != nil {
		return err
	}
	e.CancelJob(stem)
	e.log.Info("operator cancel", "file_stem", stem)
	return nil
}

// actionHalt parks the job so the engine ignores it until resume. In-flight
// work is cancelled first.
func (e *Engine) actionHalt(ctx context.Context, stem string) error {
	e.CancelJob(stem)
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		if job.Stage == types.StageHalted {
			return fmt.Errorf("%w: already halted", ErrConflict)
		}
		if job.Stage.Terminal() {
			return fmt.Errorf("%w: cannot halt a %s job", ErrConflict, job.Stage)
		}
		meta.PriorStage = job.Stage
		meta.Halted = true
		job.Stage = types.StageHalted
		job.Status = "halted by operator"
		meta.EnterStage(types.StageHalted, e.clock())
		return nil
	})
	if err == nil {
		e.log.Info("operator halt", "file_stem", stem)
	}
	return err
}

func (e *Engine) actionResume(ctx context.Context, stem string) error {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		if job.Stage != types.StageHalted {
			return fmt.Errorf("%w: job is not halted", ErrConflict)
		}
		target := meta.PriorStage
		if target == "" {
			return fmt.Errorf("%w: halted job has no prior stage", ErrConflict)
		}
		job.Stage = target
		job.Status = "resumed by operator"
		job.Progress = 0
		meta.Halted = false
		meta.PriorStage = ""
		meta.CancelPending = false
		meta.EnterStage(target, e.clock())
		return nil
	})
	if err == nil {
		e.log.Info("operator resume", "file_stem", stem)
	}
	return err
}

// actionReBurn removes the delivered file and sends the job back through
// BURNING. Without the removal the burn handler would short-circuit on the
// existing delivery.
func (e *Engine) actionReBurn(ctx context.Context, stem string) error {
	e.CancelJob(stem)
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		switch job.Stage {
		case types.StageFinalized, types.StageBurning, types.StageCompleted, types.StageDelivered:
		default:
			return fmt.Errorf("%w: nothing to re-burn from %s", ErrConflict, job.Stage)
		}
		delivery := e.layout.DeliveryPath(stem, deliveryExt(meta))
		if err := os.Remove(delivery); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove delivery file: %w", err)
		}
		meta.FinalOutputPath = ""
		meta.CancelPending = false
		job.Stage = types.StageBurning
		job.Status = "re-burn requested"
		job.Progress = 0
		meta.EnterStage(types.StageBurning, e.clock())
		meta.ResetRetry(types.StageBurning)
		return nil
	})
	if err == nil {
		e.log.Info("operator re-burn", "file_stem", stem)
	}
	return err
}

func (e *Engine) actionMarkDelivered(ctx context.Context, stem string) error {
	_, err := e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		if job.Stage != types.StageCompleted {
			return fmt.Errorf("%w: only completed jobs can be marked delivered", ErrConflict)
		}
		job.Stage = types.StageDelivered
		job.Status = "delivered"
		meta.EnterStage(types.StageDelivered, e.clock())
		return nil
	})
	if err == nil {
		e.log.Info("operator mark delivered", "file_stem", stem)
	}
	return err
}

func (e *Engine) actionDelete(ctx context.Context, stem string) error {
	e.CancelJob(stem)
	e.forgetPoll(stem)
	if err := e.jobs.Delete(ctx, stem); err != nil {
		return err
	}
	e.log.Info("operator delete", "file_stem", stem)
	return nil
}

// actionForceStage is the escape hatch: set the stage directly, no guards
// beyond the name being valid. Clears the halted flag so the engine picks
// the job up again.
func (e *Engine) actionForceStage(ctx context.Context, stem, arg string) error {
	target, err := types.ParseStage(arg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	e.CancelJob(stem)
	_, err = e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		job.Stage = target
		job.Status = "stage forced by operator"
		job.Progress = 0
		meta.Halted = false
		meta.PriorStage = ""
		meta.CancelPending = false
		meta.EnterStage(target, e.clock())
		meta.ResetRetry(target)
		return nil
	})
	if err == nil {
		e.log.Warn("operator forced stage", "file_stem", stem, "stage", target)
	}
	return err
}

// actionSetReview pins the review flag. Once set here, cloud-reported
// recommendations stop applying to this job.
func (e *Engine) actionSetReview(ctx context.Context, stem, arg string) error {
	want, err := strconv.ParseBool(arg)
	if err != nil {
		return fmt.Errorf("%w: set_review needs a boolean argument", ErrInvalidAction)
	}
	_, err = e.jobs.Update(ctx, stem, func(job *types.Job, meta *types.JobMeta) error {
		meta.ReviewRequired = want
		meta.ReviewRequiredOperatorSet = true
		return nil
	})
	if err == nil {
		e.log.Info("operator set review flag", "file_stem", stem, "review_required", want)
	}
	return err
}

// lastActiveStage walks the timeline backwards for the most recent stage
// that is neither a sink nor HALTED.
func lastActiveStage(meta *types.JobMeta) types.Stage {
	for i := len(meta.StageTimeline) - 1; i >= 0; i-- {
		s := meta.StageTimeline[i].Stage
		if !s.Terminal() && s != types.StageHalted {
			return s
		}
	}
	return ""
}
