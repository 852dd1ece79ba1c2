package types

import "fmt"

// Stage is a node in the per-job state machine.
type Stage string

const (
	StageIngest                  Stage = "INGEST"
	StageTranscribing            Stage = "TRANSCRIBING"
	StageTranscribed             Stage = "TRANSCRIBED"
	StageTranslatingCloudSubmit  Stage = "TRANSLATING_CLOUD_SUBMITTED"
	StageCloudTranslating        Stage = "CLOUD_TRANSLATING"
	StageCloudReviewing          Stage = "CLOUD_REVIEWING"
	StageCloudPolishing          Stage = "CLOUD_POLISHING"
	StageCloudDone               Stage = "CLOUD_DONE"
	StageReviewing               Stage = "REVIEWING"
	StageReviewed                Stage = "REVIEWED"
	StageFinalizing              Stage = "FINALIZING"
	StageFinalized               Stage = "FINALIZED"
	StageBurning                 Stage = "BURNING"
	StageCompleted               Stage = "COMPLETED"
	StageDelivered               Stage = "DELIVERED"
	StageDead                    Stage = "DEAD"
	StageHalted                  Stage = "HALTED"
)

var allStages = []Stage{
	StageIngest, StageTranscribing, StageTranscribed,
	StageTranslatingCloudSubmit, StageCloudTranslating, StageCloudReviewing,
	StageCloudPolishing, StageCloudDone,
	StageReviewing, StageReviewed,
	StageFinalizing, StageFinalized,
	StageBurning, StageCompleted, StageDelivered,
	StageDead, StageHalted,
}

func AllStages() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

func ParseStage(s string) (Stage, error) {
	for _, st := range allStages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Terminal stages never appear in the tick loop's working set.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageDelivered, StageDead, StageHalted:
		return true
	}
	return false
}

// Cloud reports whether the stage is owned by the remote worker plane.
func (s Stage) Cloud() bool {
	switch s {
	case StageTranslatingCloudSubmit, StageCloudTranslating, StageCloudReviewing, StageCloudPolishing:
		return true
	}
	return false
}

// CloudStageFromWorker maps the worker-reported stage string in progress.json
// onto the orchestrator stage machine. The mapping is one way only: the
// orchestrator mirrors what the worker says, it never pushes a stage back.
func CloudStageFromWorker(workerStage string) (Stage, bool) {
	switch workerStage {
	case "translating":
		return StageCloudTranslating, true
	case "reviewing", "editing":
		return StageCloudReviewing, true
	case "polishing":
		return StageCloudPolishing, true
	case "done", "approved":
		return StageCloudDone, true
	}
	return "", false
}
