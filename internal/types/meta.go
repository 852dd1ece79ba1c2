package types

import (
	"encoding/json"
	"time"
)

const (
	statusTimelineCap = 32
	errorLogCap       = 32
)

// StageSpan is one entry in the stage timeline. ExitedAt is nil while the
// job is still inside the stage.
type StageSpan struct {
	Stage     Stage      `json:"stage"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

type StatusEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type ErrorEntry struct {
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// JobMeta is the job's structured attribute bag. Well-known fields are typed;
// anything else (collaborator-owned keys) survives a read-modify-write cycle
// untouched via Extra.
type JobMeta struct {
	StageTimeline  []StageSpan   `json:"stage_timeline,omitempty"`
	StatusTimeline []StatusEntry `json:"status_timeline,omitempty"`

	SourcePath       string `json:"source_path,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`

	CloudJobID       string          `json:"cloud_job_id,omitempty"`
	CloudBucket      string          `json:"cloud_bucket,omitempty"`
	CloudPrefix      string          `json:"cloud_prefix,omitempty"`
	CloudExecutionID string          `json:"cloud_execution_id,omitempty"`
	CloudProgress    json.RawMessage `json:"cloud_progress,omitempty"`

	Halted     bool  `json:"halted,omitempty"`
	PriorStage Stage `json:"prior_stage,omitempty"`

	// CancelPending parks the job after an operator cancel: the engine will
	// not dispatch it again until an operator action clears the flag.
	CancelPending bool `json:"cancel_pending,omitempty"`

	ReviewRequired            bool `json:"review_required,omitempty"`
	ReviewRequiredOperatorSet bool `json:"review_required_operator_set,omitempty"`

	FinalOutputPath      string  `json:"final_output_path,omitempty"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`

	RetryCount map[string]int `json:"retry_count,omitempty"`
	StallCount map[string]int `json:"stall_count,omitempty"`

	ErrorLog   []ErrorEntry `json:"error_log,omitempty"`
	DeadReason string       `json:"dead_reason,omitempty"`

	// Extra holds keys this process does not model. Preserved on write.
	Extra map[string]json.RawMessage `json:"-"`
}

func NewJobMeta() *JobMeta {
	return &JobMeta{
		RetryCount: map[string]int{},
		StallCount: map[string]int{},
		Extra:      map[string]json.RawMessage{},
	}
}

var jobMetaKnownKeys = []string{
	"stage_timeline", "status_timeline",
	"source_path", "original_filename",
	"cloud_job_id", "cloud_bucket", "cloud_prefix", "cloud_execution_id", "cloud_progress",
	"halted", "prior_stage", "cancel_pending",
	"review_required", "review_required_operator_set",
	"final_output_path", "audio_duration_seconds",
	"retry_count", "stall_count",
	"error_log", "dead_reason",
}

type jobMetaAlias JobMeta

func (m *JobMeta) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var a jobMetaAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = JobMeta(a)
	for _, k := range jobMetaKnownKeys {
		delete(raw, k)
	}
	m.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		m.Extra[k] = v
	}
	if m.RetryCount == nil {
		m.RetryCount = map[string]int{}
	}
	if m.StallCount == nil {
		m.StallCount = map[string]int{}
	}
	return nil
}

func (m JobMeta) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(jobMetaAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// EnterStage closes the open timeline span (if any) and opens a new one at
// now. Entry and exit timestamps of adjacent spans coincide.
func (m *JobMeta) EnterStage(s Stage, now time.Time) {
	if n := len(m.StageTimeline); n > 0 && m.StageTimeline[n-1].ExitedAt == nil {
		t := now
		m.StageTimeline[n-1].ExitedAt = &t
	}
	m.StageTimeline = append(m.StageTimeline, StageSpan{Stage: s, EnteredAt: now})
}

// CurrentSpan returns the open timeline span, or nil.
func (m *JobMeta) CurrentSpan() *StageSpan {
	if n := len(m.StageTimeline); n > 0 && m.StageTimeline[n-1].ExitedAt == nil {
		return &m.StageTimeline[n-1]
	}
	return nil
}

func (m *JobMeta) PushStatus(status string, now time.Time) {
	m.StatusTimeline = append(m.StatusTimeline, StatusEntry{Status: status, At: now})
	if len(m.StatusTimeline) > statusTimelineCap {
		m.StatusTimeline = m.StatusTimeline[len(m.StatusTimeline)-statusTimelineCap:]
	}
}

func (m *JobMeta) AppendError(stage Stage, reason string, now time.Time) {
	m.ErrorLog = append(m.ErrorLog, ErrorEntry{Stage: stage, Reason: reason, At: now})
	if len(m.ErrorLog) > errorLogCap {
		m.ErrorLog = m.ErrorLog[len(m.ErrorLog)-errorLogCap:]
	}
}

func (m *JobMeta) BumpRetry(stage Stage) int {
	if m.RetryCount == nil {
		m.RetryCount = map[string]int{}
	}
	m.RetryCount[string(stage)]++
	return m.RetryCount[string(stage)]
}

func (m *JobMeta) ResetRetry(stage Stage) {
	if m.RetryCount != nil {
		delete(m.RetryCount, string(stage))
	}
}

func (m *JobMeta) BumpStall(stage Stage) int {
	if m.StallCount == nil {
		m.StallCount = map[string]int{}
	}
	m.StallCount[string(stage)]++
	return m.StallCount[string(stage)]
}
