package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/utils"
)

type Config struct {
	WorkRoot string

	InboxDirs      []string
	VaultSourceDir string
	VaultAudioDir  string
	VaultDataDir   string
	TranslatedDir  string
	DeliveryDir    string
	ErrorsDir      string

	HeartbeatOrchestratorPath string
	HeartbeatControlAPIPath   string

	ProfilesPath string

	AllowedExtensions []string
	InboxPollInterval time.Duration
	InboxStableProbes int
	InboxProbeDelay   time.Duration
	InboxMinAge       time.Duration

	CloudEnabled        bool
	CloudTrigger        string // api | command | manual
	JobsBucket          string
	JobsPrefix          string
	CloudTriggerURL     string
	CloudTriggerCommand string
	CloudHTTPTimeout    time.Duration
	CloudRetryMax       int

	ASRIdleTimeout time.Duration // zero means scale with audio duration

	TickInterval      time.Duration
	PollInterval      time.Duration
	StallScanInterval time.Duration
	StallThresholds   map[types.Stage]time.Duration
	StallMax          int

	RetryBudget      map[types.Stage]int
	StageConcurrency map[types.Stage]int
	MaxSubprocesses  int64
	GraceKill        time.Duration

	BindAddr              string
	AdminToken            string
	ReviewRequiredDefault bool
	TargetLanguageDefault string

	FFmpegPath  string
	FFprobePath string

	ASRCommand       string
	TranslateCommand string
	FinalizeCommand  string
	BurnCommand      string
}

var defaultExtensions = []string{".mp4", ".mov", ".mkv", ".mpg", ".mpeg", ".mxf", ".mp3", ".wav", ".m4a"}

func LoadConfig(log *logger.Logger) Config {
	root := utils.GetEnv("WORK_ROOT", ".", log)

	defaultInbox := strings.Join([]string{
		filepath.Join(root, "inbox"),
		filepath.Join(root, "inbox", "remote_review", "*"),
	}, ",")
	inboxRaw := utils.GetEnv("INBOX_DIRS", defaultInbox, log)
	var inboxDirs []string
	for _, d := range strings.Split(inboxRaw, ",") {
		if d = strings.TrimSpace(d); d != "" {
			inboxDirs = append(inboxDirs, d)
		}
	}

	extRaw := utils.GetEnv("INBOX_EXTENSIONS", strings.Join(defaultExtensions, ","), log)
	var exts []string
	for _, e := range strings.Split(extRaw, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}

	cfg := Config{
		WorkRoot: root,

		InboxDirs:      inboxDirs,
		VaultSourceDir: filepath.Join(root, "vault", "source"),
		VaultAudioDir:  filepath.Join(root, "vault", "audio"),
		VaultDataDir:   filepath.Join(root, "vault", "data"),
		TranslatedDir:  filepath.Join(root, "translated"),
		DeliveryDir:    filepath.Join(root, "delivery"),
		ErrorsDir:      filepath.Join(root, "errors"),

		HeartbeatOrchestratorPath: utils.GetEnv("HEARTBEAT_ORCHESTRATOR_PATH", filepath.Join(root, "state", "heartbeat_orchestrator"), log),
		HeartbeatControlAPIPath:   utils.GetEnv("HEARTBEAT_CONTROL_API_PATH", filepath.Join(root, "state", "heartbeat_control_api"), log),

		ProfilesPath: utils.GetEnv("PROFILES_PATH", filepath.Join(root, "profiles.yaml"), log),

		AllowedExtensions: exts,
		InboxPollInterval: utils.GetEnvAsSeconds("INBOX_POLL_SECONDS", 3*time.Second, log),
		InboxStableProbes: utils.GetEnvAsInt("INBOX_STABLE_PROBES", 3, log),
		InboxProbeDelay:   utils.GetEnvAsSeconds("INBOX_PROBE_DELAY_SECONDS", 1*time.Second, log),
		InboxMinAge:       utils.GetEnvAsSeconds("INBOX_MIN_AGE_SECONDS", 3*time.Second, log),

		CloudEnabled:        utils.GetEnvAsBool("CLOUD_PIPELINE", false, log),
		CloudTrigger:        strings.ToLower(utils.GetEnv("CLOUD_TRIGGER", "manual", log)),
		JobsBucket:          utils.GetEnv("JOBS_BUCKET", "", log),
		JobsPrefix:          utils.GetEnv("JOBS_PREFIX", "jobs", log),
		CloudTriggerURL:     utils.GetEnv("CLOUD_TRIGGER_URL", "", log),
		CloudTriggerCommand: utils.GetEnv("CLOUD_TRIGGER_CMD", "", log),
		CloudHTTPTimeout:    utils.GetEnvAsSeconds("CLOUD_HTTP_TIMEOUT_SECONDS", 30*time.Second, log),
		CloudRetryMax:       utils.GetEnvAsInt("CLOUD_RETRY_MAX", 4, log),

		ASRIdleTimeout: utils.GetEnvAsSeconds("ASR_IDLE_TIMEOUT_SECONDS", 0, log),

		TickInterval:      time.Duration(utils.GetEnvAsInt("TICK_INTERVAL_MS", 1000, log)) * time.Millisecond,
		PollInterval:      time.Duration(utils.GetEnvAsInt("POLL_INTERVAL_MS", 5000, log)) * time.Millisecond,
		StallScanInterval: utils.GetEnvAsSeconds("STALL_SCAN_SECONDS", 30*time.Second, log),
		StallThresholds:   loadStallThresholds(log),
		StallMax:          utils.GetEnvAsInt("STALL_MAX", 3, log),

		RetryBudget:      loadRetryBudgets(log),
		StageConcurrency: loadStageConcurrency(log),
		MaxSubprocesses:  int64(utils.GetEnvAsInt("MAX_SUBPROCESSES", 2, log)),
		GraceKill:        utils.GetEnvAsSeconds("KILL_GRACE_SECONDS", 10*time.Second, log),

		BindAddr:              utils.GetEnv("BIND_ADDR", "127.0.0.1:8723", log),
		AdminToken:            utils.GetEnv("ADMIN_TOKEN", "", log),
		ReviewRequiredDefault: utils.GetEnvAsBool("REVIEW_REQUIRED_DEFAULT", false, log),
		TargetLanguageDefault: utils.GetEnv("TARGET_LANGUAGE_DEFAULT", "is", log),

		FFmpegPath:  utils.GetEnv("FFMPEG_PATH", "ffmpeg", log),
		FFprobePath: utils.GetEnv("FFPROBE_PATH", "ffprobe", log),

		ASRCommand:       utils.GetEnv("ASR_CMD", "whisper_asr {audio} --language {lang} --out {skeleton}", log),
		TranslateCommand: utils.GetEnv("TRANSLATE_CMD", "subtitle_translate {skeleton} --language {lang} --out {approved}", log),
		FinalizeCommand:  utils.GetEnv("FINALIZE_CMD", "subtitle_finalize {approved} --style {style} --out {srt}", log),
		BurnCommand:      utils.GetEnv("BURN_CMD", "subtitle_burn {source} {srt} --style {style} --out {output}", log),
	}
	return cfg
}

func loadStallThresholds(log *logger.Logger) map[types.Stage]time.Duration {
	defaults := map[types.Stage]time.Duration{
		types.StageIngest:                 30 * time.Minute,
		types.StageTranscribing:           90 * time.Minute,
		types.StageTranscribed:            30 * time.Minute,
		types.StageTranslatingCloudSubmit: 90 * time.Minute,
		types.StageCloudTranslating:       90 * time.Minute,
		types.StageCloudReviewing:         90 * time.Minute,
		types.StageCloudPolishing:         90 * time.Minute,
		types.StageCloudDone:              30 * time.Minute,
		types.StageReviewing:              3 * time.Hour,
		types.StageReviewed:               30 * time.Minute,
		types.StageFinalizing:             3 * time.Hour,
		types.StageFinalized:              30 * time.Minute,
		types.StageBurning:                6 * time.Hour,
	}
	out := map[types.Stage]time.Duration{}
	for stage, d := range defaults {
		out[stage] = utils.GetEnvAsSeconds("STALL_"+string(stage)+"_SECONDS", d, log)
	}
	return out
}

func loadRetryBudgets(log *logger.Logger) map[types.Stage]int {
	out := map[types.Stage]int{}
	for _, stage := range types.AllStages() {
		if stage.Terminal() {
			continue
		}
		out[stage] = utils.GetEnvAsInt("RETRY_BUDGET_"+string(stage), 2, log)
	}
	return out
}

func loadStageConcurrency(log *logger.Logger) map[types.Stage]int {
	defaults := map[types.Stage]int{
		types.StageIngest:                 2,
		types.StageTranscribing:           1,
		types.StageTranscribed:            4,
		types.StageTranslatingCloudSubmit: 8,
		types.StageCloudTranslating:       8,
		types.StageCloudReviewing:         8,
		types.StageCloudPolishing:         8,
		types.StageCloudDone:              4,
		types.StageReviewing:              8,
		types.StageReviewed:               4,
		types.StageFinalizing:             2,
		types.StageFinalized:              2,
		types.StageBurning:                1,
	}
	out := map[types.Stage]int{}
	for stage, n := range defaults {
		out[stage] = utils.GetEnvAsInt("STAGE_CONCURRENCY_"+string(stage), n, log)
	}
	return out
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if len(c.InboxDirs) == 0 {
		return fmt.Errorf("INBOX_DIRS resolved to no directories")
	}
	return nil
}

// StallThreshold returns the configured threshold for a stage, with a broad
// fallback for stages that have no entry.
func (c Config) StallThreshold(stage types.Stage) time.Duration {
	if d, ok := c.StallThresholds[stage]; ok {
		return d
	}
	return 90 * time.Minute
}

func (c Config) RetryBudgetFor(stage types.Stage) int {
	if n, ok := c.RetryBudget[stage]; ok {
		return n
	}
	return 2
}

func (c Config) ConcurrencyFor(stage types.Stage) int {
	if n, ok := c.StageConcurrency[stage]; ok && n > 0 {
		return n
	}
	return 1
}
