package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&types.Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(gdb, logger.NewNop())
}

func TestCreateRejectsDuplicateStem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &types.Job{FileStem: "frettir_20260801", Stage: types.StageIngest, TargetLanguage: "is"}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &types.Job{FileStem: "frettir_20260801", Stage: types.StageIngest}
	if err := s.Create(ctx, dup); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create should return ErrExists, got %v", err)
	}
}

func TestCreateSeedsMetaTimeline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest}); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	meta, err := job.DecodeMeta()
	if err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if span := meta.CurrentSpan(); span == nil || span.Stage != types.StageIngest {
		t.Fatalf("fresh job should have an open INGEST span, got %+v", span)
	}
}

func TestUpdateStampsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A frozen clock forces the tie-break path.
	frozen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return frozen })

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest}); err != nil {
		t.Fatalf("create: %v", err)
	}
	prev := frozen
	for i := 0; i < 5; i++ {
		job, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
			j.Progress = i * 10
			return nil
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if !job.UpdatedAt.After(prev) {
			t.Fatalf("updated_at must strictly increase: %v then %v", prev, job.UpdatedAt)
		}
		prev = job.UpdatedAt
	}
}

func TestUpdateRecordsStatusChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
		j.Status = "extracting audio"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Same status again must not add a timeline entry.
	if _, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
		j.Progress = 50
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	job, _ := s.Get(ctx, "a")
	meta, _ := job.DecodeMeta()
	if len(meta.StatusTimeline) != 1 {
		t.Fatalf("expected 1 status entry, got %d: %+v", len(meta.StatusTimeline), meta.StatusTimeline)
	}
	if meta.StatusTimeline[0].Status != "extracting audio" {
		t.Fatalf("wrong status recorded: %q", meta.StatusTimeline[0].Status)
	}
}

func TestUpdateMutatorErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest, Status: "queued"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	if _, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
		j.Status = "should not persist"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected mutator error back, got %v", err)
	}
	job, _ := s.Get(ctx, "a")
	if job.Status != "queued" {
		t.Fatalf("rolled-back write leaked: %q", job.Status)
	}
}

func TestUpdateClampsProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest}); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
		j.Progress = 150
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if job.Progress != 100 {
		t.Fatalf("progress should clamp to 100, got %d", job.Progress)
	}
}

func TestChangeEventsFireAfterWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var events []*types.Job
	s.OnChange(func(j *types.Job) { events = append(events, j) })

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageIngest}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Update(ctx, "a", func(j *types.Job, m *types.JobMeta) error {
		j.Stage = types.StageTranscribing
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Stage != types.StageTranscribing {
		t.Fatalf("update event carries wrong stage: %s", events[1].Stage)
	}
	if events[2].Status != "deleted" {
		t.Fatalf("delete event should read 'deleted', got %q", events[2].Status)
	}
	// Events are clones; mutating one must not touch store state.
	events[1].Stage = types.StageDead
}

func TestListActiveExcludesTerminalAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, j := range []*types.Job{
		{FileStem: "newer", Stage: types.StageBurning},
		{FileStem: "done", Stage: types.StageCompleted},
		{FileStem: "dead", Stage: types.StageDead},
		{FileStem: "older", Stage: types.StageIngest},
	} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.FileStem, err)
		}
	}
	// Touch "newer" so it sorts after "older".
	if _, err := s.Update(ctx, "newer", func(j *types.Job, m *types.JobMeta) error {
		j.Progress = 1
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", len(active))
	}
	if active[1].FileStem != "newer" {
		t.Fatalf("expected oldest-update-first ordering, got %s, %s", active[0].FileStem, active[1].FileStem)
	}

	n, err := s.CountActive(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CountActive = %d, %v", n, err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Job{FileStem: "a", Stage: types.StageBurning, Status: "burning subtitles"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, &types.Job{FileStem: "b", Stage: types.StageIngest, Status: "queued"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.List(ctx, Filter{Stages: []types.Stage{types.StageBurning}})
	if err != nil || len(got) != 1 || got[0].FileStem != "a" {
		t.Fatalf("stage filter failed: %v, %v", got, err)
	}
	got, err = s.List(ctx, Filter{StatusContains: "queue"})
	if err != nil || len(got) != 1 || got[0].FileStem != "b" {
		t.Fatalf("status filter failed: %v, %v", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing should return ErrNotFound, got %v", err)
	}
}
