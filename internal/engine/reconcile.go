package engine

import (
	"context"
	"path/filepath"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

// reconcile applies the checkpoint rule: when the store and the filesystem
// disagree, a completed artifact on disk wins. Called before dispatch on
// every tick so a restart resumes from whatever already finished, without
// re-running work. Returns the refreshed job, or nil if it should be skipped
// this tick.
func (e *Engine) reconcile(ctx context.Context, job *types.Job) *types.Job {
	meta, err := job.DecodeMeta()
	if err != nil {
		e.markDead(ctx, job.FileStem, job.Stage, "meta corrupt: "+err.Error())
		return nil
	}
	stem := job.FileStem
	ext := deliveryExt(meta)

	target := job.Stage
	switch {
	case fileNonEmpty(e.layout.DeliveryPath(stem, ext)):
		target = types.StageCompleted
	case fileNonEmpty(e.layout.ApprovedPath(stem)) && beforeApproved(job.Stage):
		if effectiveReviewRequired(meta) {
			target = types.StageReviewing
		} else {
			target = types.StageFinalizing
		}
	case fileNonEmpty(e.layout.SkeletonPath(stem)) && (job.Stage == types.StageIngest || job.Stage == types.StageTranscribing):
		target = types.StageTranscribed
	case fileNonEmpty(e.layout.AudioPath(stem)) && job.Stage == types.StageIngest:
		target = types.StageTranscribing
	}
	if target == job.Stage {
		return job
	}

	e.log.Info("reconciled stage from artifacts", "file_stem", stem, "from", job.Stage, "to", target)
	e.transition(ctx, stem, job.Stage, target, "reconciled from artifacts")
	refreshed, err := e.jobs.Get(ctx, stem)
	if err != nil {
		return nil
	}
	return refreshed
}

// beforeApproved reports whether the stage precedes possession of the
// approved document.
func beforeApproved(s types.Stage) bool {
	switch s {
	case types.StageTranscribed, types.StageTranslatingCloudSubmit,
		types.StageCloudTranslating, types.StageCloudReviewing,
		types.StageCloudPolishing, types.StageCloudDone:
		return true
	}
	return false
}

// effectiveReviewRequired applies the precedence rule: once an operator has
// touched the review flag, cloud-reported values no longer matter.
func effectiveReviewRequired(meta *types.JobMeta) bool {
	return meta.ReviewRequired
}

func deliveryExt(meta *types.JobMeta) string {
	if meta.OriginalFilename != "" {
		if ext := filepath.Ext(meta.OriginalFilename); ext != "" {
			return ext
		}
	}
	return ".mp4"
}
