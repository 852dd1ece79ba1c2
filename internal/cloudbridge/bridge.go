package cloudbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

const (
	TriggerAPI     = "api"
	TriggerCommand = "command"
	TriggerManual  = "manual"
)

// ErrWorker marks a remote execution that reported failure; the caller may
// restart it. ErrPermanent means no retry will help.
var (
	ErrWorker    = errors.New("cloud worker error")
	ErrPermanent = errors.New("permanent cloud error")
)

type Options struct {
	Bucket         string
	Prefix         string
	Trigger        string // api | command | manual
	TriggerURL     string
	TriggerCommand string // placeholders: {cloud_job_id} {bucket} {prefix}
	HTTPTimeout    time.Duration
	RetryMax       int
}

// JobConfig is the orchestrator-written job.json.
type JobConfig struct {
	FileStem       string    `json:"file_stem"`
	TargetLanguage string    `json:"target_language"`
	ProgramProfile string    `json:"program_profile,omitempty"`
	SubtitleStyle  string    `json:"subtitle_style,omitempty"`
	ReviewRequired bool      `json:"review_required"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

type SubmitResult struct {
	CloudJobID string
	Bucket     string
	Prefix     string
	// ExecutionID identifies the remote execution when the trigger reports
	// one; manual and command triggers leave it empty.
	ExecutionID string
}

// WorkerProgress mirrors the worker-written progress.json.
type WorkerProgress struct {
	Stage         string    `json:"stage"`
	Progress      int       `json:"progress"`
	UpdatedAt     time.Time `json:"updated_at"`
	SegmentsDone  int       `json:"segments_done,omitempty"`
	SegmentsTotal int       `json:"segments_total,omitempty"`
	Error         string    `json:"error,omitempty"`
	// ReviewRequired is the worker's recommendation; an operator-set flag on
	// the job side always wins over it.
	ReviewRequired *bool `json:"review_required,omitempty"`
}

type PollResult struct {
	// NotReady means no progress artifact exists yet; poll again later.
	NotReady bool
	Progress WorkerProgress
	// RawProgress is the verbatim progress.json for the job's meta bag.
	RawProgress json.RawMessage
	// ApprovedReady reports that approved.json exists at the prefix.
	ApprovedReady bool
	EditorReport  json.RawMessage
}

// Bridge is the orchestrator's view of the stateless remote worker plane.
// All artifact traffic goes through the ObjectStore; the worker's lifecycle
// is independent, so every operation tolerates silent re-runs and missing
// intermediate files.
type Bridge struct {
	log     *logger.Logger
	objects ObjectStore
	opts    Options
	httpc   *http.Client
}

func New(baseLog *logger.Logger, objects ObjectStore, opts Options) *Bridge {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 4
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	return &Bridge{
		log:     baseLog.With("component", "CloudBridge"),
		objects: objects,
		opts:    opts,
		httpc:   &http.Client{Timeout: opts.HTTPTimeout},
	}
}

func (b *Bridge) key(cloudJobID, name string) string {
	prefix := strings.Trim(b.opts.Prefix, "/")
	if prefix == "" {
		return cloudJobID + "/" + name
	}
	return prefix + "/" + cloudJobID + "/" + name
}

// Submit uploads job.json and skeleton.json under a fresh cloud job id and
// fires the configured trigger. Idempotent against the id: re-running with
// an existing id just re-uploads and re-triggers.
func (b *Bridge) Submit(ctx context.Context, existingID string, skeleton []byte, cfg JobConfig) (SubmitResult, error) {
	id := strings.TrimSpace(existingID)
	if id == "" {
		id = uuid.NewString()
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode job config: %w", err)
	}
	if err := b.withRetry(ctx, func() error {
		return b.objects.Put(ctx, b.key(id, "job.json"), cfgBytes)
	}); err != nil {
		return SubmitResult{}, fmt.Errorf("upload job.json: %w", err)
	}
	if err := b.withRetry(ctx, func() error {
		return b.objects.Put(ctx, b.key(id, "skeleton.json"), skeleton)
	}); err != nil {
		return SubmitResult{}, fmt.Errorf("upload skeleton.json: %w", err)
	}
	execID, err := b.Trigger(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	b.log.Info("cloud job submitted", "cloud_job_id", id, "file_stem", cfg.FileStem)
	return SubmitResult{CloudJobID: id, Bucket: b.opts.Bucket, Prefix: b.opts.Prefix, ExecutionID: execID}, nil
}

// Resubmit re-fires the execution trigger for an already-uploaded job. The
// stall path: artifacts stay put, only the worker is restarted.
func (b *Bridge) Resubmit(ctx context.Context, cloudJobID string) (string, error) {
	if strings.TrimSpace(cloudJobID) == "" {
		return "", fmt.Errorf("cloud job id required")
	}
	b.log.Info("re-triggering cloud execution", "cloud_job_id", cloudJobID)
	return b.Trigger(ctx, cloudJobID)
}

// Trigger starts a remote execution. The returned execution id is whatever
// the trigger channel reported; manual and command modes report none.
func (b *Bridge) Trigger(ctx context.Context, cloudJobID string) (string, error) {
	switch b.opts.Trigger {
	case TriggerManual:
		return "", nil
	case TriggerAPI:
		return b.triggerAPI(ctx, cloudJobID)
	case TriggerCommand:
		return "", b.triggerCommand(ctx, cloudJobID)
	default:
		return "", fmt.Errorf("%w: unknown trigger mode %q", ErrPermanent, b.opts.Trigger)
	}
}

func (b *Bridge) triggerAPI(ctx context.Context, cloudJobID string) (string, error) {
	if b.opts.TriggerURL == "" {
		return "", fmt.Errorf("%w: trigger mode api but CLOUD_TRIGGER_URL unset", ErrPermanent)
	}
	body, _ := json.Marshal(map[string]string{
		"cloud_job_id": cloudJobID,
		"bucket":       b.opts.Bucket,
		"prefix":       b.opts.Prefix,
	})
	execID := ""
	err := b.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.TriggerURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := b.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("trigger API returned %s", resp.Status)
		}
		var ack struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil {
			execID = ack.ExecutionID
		}
		return nil
	})
	return execID, err
}

func (b *Bridge) triggerCommand(ctx context.Context, cloudJobID string) error {
	if b.opts.TriggerCommand == "" {
		return fmt.Errorf("%w: trigger mode command but CLOUD_TRIGGER_CMD unset", ErrPermanent)
	}
	expanded := strings.NewReplacer(
		"{cloud_job_id}", cloudJobID,
		"{bucket}", b.opts.Bucket,
		"{prefix}", b.opts.Prefix,
	).Replace(b.opts.TriggerCommand)
	parts := strings.Fields(expanded)
	if len(parts) == 0 {
		return fmt.Errorf("%w: empty trigger command", ErrPermanent)
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.HTTPTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("trigger command failed: %w; out=%s", err, string(out))
	}
	return nil
}

// Poll reads the worker-written artifacts for one cloud job. It never
// mutates remote state. A missing progress.json while no approved.json
// exists is "not ready", never an error: the worker may be between re-runs.
func (b *Bridge) Poll(ctx context.Context, cloudJobID string) (PollResult, error) {
	var res PollResult

	approved := false
	err := b.withRetry(ctx, func() error {
		_, err := b.objects.Get(ctx, b.key(cloudJobID, "approved.json"))
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		approved = true
		return nil
	})
	if err != nil {
		return res, err
	}
	res.ApprovedReady = approved

	raw, err := b.getWithRetry(ctx, b.key(cloudJobID, "progress.json"))
	if errors.Is(err, ErrObjectNotFound) {
		res.NotReady = !approved
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.RawProgress = raw
	if err := json.Unmarshal(raw, &res.Progress); err != nil {
		// A garbled progress file is a worker bug, not a reason to kill the
		// job: treat like not-ready and let the next write fix it.
		b.log.Warn("malformed progress.json", "cloud_job_id", cloudJobID, "error", err)
		res.NotReady = !approved
		res.RawProgress = nil
		return res, nil
	}
	if res.Progress.Error != "" {
		return res, fmt.Errorf("%w: %s", ErrWorker, res.Progress.Error)
	}

	if report, err := b.getWithRetry(ctx, b.key(cloudJobID, "editor_report.json")); err == nil {
		res.EditorReport = report
	} else if !errors.Is(err, ErrObjectNotFound) {
		return res, err
	}
	return res, nil
}

// FetchApproved downloads approved.json and writes it to destPath through a
// temp file plus rename, so a crash mid-download never leaves a torn file.
func (b *Bridge) FetchApproved(ctx context.Context, cloudJobID, destPath string) error {
	data, err := b.getWithRetry(ctx, b.key(cloudJobID, "approved.json"))
	if errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("%w: approved.json missing", ErrWorker)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp := destPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}

// FetchEditorReport returns editor_report.json if the worker wrote one.
func (b *Bridge) FetchEditorReport(ctx context.Context, cloudJobID string) (json.RawMessage, error) {
	data, err := b.getWithRetry(ctx, b.key(cloudJobID, "editor_report.json"))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil
	}
	return data, err
}

func (b *Bridge) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.withRetry(ctx, func() error {
		data, err := b.objects.Get(ctx, key)
		if err != nil {
			return err
		}
		out = data
		return nil
	})
	return out, err
}

// withRetry runs fn with exponential backoff and jitter, up to the retry
// budget. ErrObjectNotFound and context errors surface immediately.
func (b *Bridge) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.RetryMax; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrObjectNotFound) || errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == b.opts.RetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	const (
		minB   = 500 * time.Millisecond
		maxB   = 15 * time.Second
		jitter = 0.20
	)
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * jitter
	low := float64(d) - delta
	return time.Duration(low + rand.Float64()*2*delta)
}
