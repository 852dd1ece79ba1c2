package types

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Job is one media file's trip through the pipeline. Keyed by file_stem.
type Job struct {
	FileStem       string         `gorm:"column:file_stem;primaryKey" json:"file_stem"`
	Stage          Stage          `gorm:"column:stage;not null;index" json:"stage"`
	Status         string         `gorm:"column:status;not null;default:''" json:"status"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	TargetLanguage string         `gorm:"column:target_language" json:"target_language"`
	ProgramProfile string         `gorm:"column:program_profile" json:"program_profile"`
	SubtitleStyle  string         `gorm:"column:subtitle_style" json:"subtitle_style"`
	Meta           datatypes.JSON `gorm:"column:meta" json:"meta"`
	EditorReport   datatypes.JSON `gorm:"column:editor_report" json:"editor_report,omitempty"`
	// Timestamps are stamped by the store, not by gorm, so updated_at is
	// guaranteed strictly increasing per job.
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;index;autoUpdateTime:false" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// DecodeMeta never returns nil: a job with empty or malformed meta gets a
// fresh bag and the decode error, so callers can decide whether that matters.
func (j *Job) DecodeMeta() (*JobMeta, error) {
	m := NewJobMeta()
	if len(j.Meta) == 0 || string(j.Meta) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(j.Meta, m); err != nil {
		return NewJobMeta(), err
	}
	return m, nil
}

func (j *Job) SetMeta(m *JobMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	j.Meta = datatypes.JSON(b)
	return nil
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Meta = append(datatypes.JSON(nil), j.Meta...)
	out.EditorReport = append(datatypes.JSON(nil), j.EditorReport...)
	return &out
}
