package cloudbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

func newTestBridge(t *testing.T) (*Bridge, ObjectStore) {
	t.Helper()
	objects, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	b := New(logger.NewNop(), objects, Options{
		Bucket:   "exchange",
		Prefix:   "jobs",
		Trigger:  TriggerManual,
		RetryMax: 1,
	})
	return b, objects
}

func TestSubmitUploadsArtifactsAndMintsID(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	skeleton := []byte(`{"segments":[]}`)
	res, err := b.Submit(ctx, "", skeleton, JobConfig{
		FileStem:       "frettir",
		TargetLanguage: "is",
		SubmittedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.CloudJobID == "" {
		t.Fatalf("submit must mint a cloud job id")
	}

	got, err := objects.Get(ctx, "jobs/"+res.CloudJobID+"/skeleton.json")
	if err != nil || string(got) != string(skeleton) {
		t.Fatalf("skeleton not uploaded: %q, %v", got, err)
	}
	raw, err := objects.Get(ctx, "jobs/"+res.CloudJobID+"/job.json")
	if err != nil {
		t.Fatalf("job.json not uploaded: %v", err)
	}
	var cfg JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.FileStem != "frettir" || cfg.TargetLanguage != "is" {
		t.Fatalf("job.json content wrong: %s (%v)", raw, err)
	}
}

func TestSubmitIsIdempotentOnExistingID(t *testing.T) {
	b, _ := newTestBridge(t)
	ctx := context.Background()

	first, err := b.Submit(ctx, "", []byte(`{}`), JobConfig{FileStem: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := b.Submit(ctx, first.CloudJobID, []byte(`{}`), JobConfig{FileStem: "a"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.CloudJobID != first.CloudJobID {
		t.Fatalf("existing id must be reused: %s vs %s", first.CloudJobID, second.CloudJobID)
	}
}

func TestPollNotReadyWhenNoProgress(t *testing.T) {
	b, _ := newTestBridge(t)
	res, err := b.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.NotReady || res.ApprovedReady {
		t.Fatalf("empty prefix should be not-ready: %+v", res)
	}
}

func TestPollMirrorsWorkerProgress(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	progress := `{"stage":"reviewing","progress":40,"segments_done":8,"segments_total":20,"review_required":true}`
	if err := objects.Put(ctx, "jobs/job-1/progress.json", []byte(progress)); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := b.Poll(ctx, "job-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.NotReady || res.ApprovedReady {
		t.Fatalf("unexpected readiness: %+v", res)
	}
	if res.Progress.Stage != "reviewing" || res.Progress.Progress != 40 || res.Progress.SegmentsTotal != 20 {
		t.Fatalf("progress not mirrored: %+v", res.Progress)
	}
	if res.Progress.ReviewRequired == nil || !*res.Progress.ReviewRequired {
		t.Fatalf("review recommendation lost: %+v", res.Progress)
	}
	if string(res.RawProgress) != progress {
		t.Fatalf("raw progress must be verbatim")
	}
}

func TestPollMalformedProgressIsNotReady(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	if err := objects.Put(ctx, "jobs/job-1/progress.json", []byte(`{"stage":`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := b.Poll(ctx, "job-1")
	if err != nil {
		t.Fatalf("garbled progress must not error: %v", err)
	}
	if !res.NotReady {
		t.Fatalf("garbled progress should read as not-ready: %+v", res)
	}
}

func TestPollSurfacesWorkerError(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	if err := objects.Put(ctx, "jobs/job-1/progress.json",
		[]byte(`{"stage":"translating","progress":10,"error":"model quota exceeded"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := b.Poll(ctx, "job-1")
	if !errors.Is(err, ErrWorker) {
		t.Fatalf("expected ErrWorker, got %v", err)
	}
}

func TestPollApprovedWinsOverMissingProgress(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	if err := objects.Put(ctx, "jobs/job-1/approved.json", []byte(`{"segments":[]}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := b.Poll(ctx, "job-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !res.ApprovedReady || res.NotReady {
		t.Fatalf("approved.json should mark ready: %+v", res)
	}
}

func TestFetchApprovedWritesAtomically(t *testing.T) {
	b, objects := newTestBridge(t)
	ctx := context.Background()

	doc := []byte(`{"segments":[{"text":"halló"}]}`)
	if err := objects.Put(ctx, "jobs/job-1/approved.json", doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "translated", "show_approved.json")
	if err := b.FetchApproved(ctx, "job-1", dest); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != string(doc) {
		t.Fatalf("approved doc wrong: %q, %v", got, err)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}

	if err := b.FetchApproved(ctx, "job-2", dest); !errors.Is(err, ErrWorker) {
		t.Fatalf("missing approved should be ErrWorker, got %v", err)
	}
}

func TestAPITriggerReportsExecutionID(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": "exec-7"})
	}))
	defer srv.Close()

	objects, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	b := New(logger.NewNop(), objects, Options{
		Bucket:     "exchange",
		Prefix:     "jobs",
		Trigger:    TriggerAPI,
		TriggerURL: srv.URL,
		RetryMax:   1,
	})

	res, err := b.Submit(context.Background(), "", []byte(`{}`), JobConfig{FileStem: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionID != "exec-7" {
		t.Fatalf("execution id = %q, want exec-7", res.ExecutionID)
	}
	if gotBody["cloud_job_id"] != res.CloudJobID || gotBody["prefix"] != "jobs" {
		t.Fatalf("trigger body wrong: %v", gotBody)
	}

	execID, err := b.Resubmit(context.Background(), res.CloudJobID)
	if err != nil || execID != "exec-7" {
		t.Fatalf("resubmit execution id = %q, %v", execID, err)
	}
}

func TestManualTriggerHasNoExecutionID(t *testing.T) {
	b, _ := newTestBridge(t)
	res, err := b.Submit(context.Background(), "", []byte(`{}`), JobConfig{FileStem: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ExecutionID != "" {
		t.Fatalf("manual trigger should report no execution id, got %q", res.ExecutionID)
	}
}

func TestUnknownTriggerModeIsPermanent(t *testing.T) {
	objects, _ := NewFSStore(t.TempDir())
	b := New(logger.NewNop(), objects, Options{Trigger: "carrier-pigeon", RetryMax: 1})
	_, err := b.Submit(context.Background(), "", []byte(`{}`), JobConfig{FileStem: "a"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("unknown trigger should be permanent, got %v", err)
	}
}
