package inbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

type staticDefaults struct{}

func (staticDefaults) DefaultsFor(string) (string, string, string, bool) {
	return "is", "general", "broadcast", false
}

func newTestJobs(t *testing.T) *store.Store {
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
	return store.New(gdb, logger.NewNop())
}

func newTestWatcher(t *testing.T, jobs *store.Store, dirs ...string) (*Watcher, *time.Time) {
	t.Helper()
	now := time.Now()
	w := NewWatcher(logger.NewNop(), jobs, staticDefaults{}, Options{
		Dirs:              dirs,
		AllowedExtensions: []string{".mp4", ".mxf"},
		StableProbes:      3,
		ProbeDelay:        time.Second,
		MinAge:            3 * time.Second,
	}).WithClock(func() time.Time { return now })
	return w, &now
}

// scanUntilStable advances the fake clock past the probe delay between scans.
func scanUntilStable(t *testing.T, w *Watcher, now *time.Time, scans int) int {
	t.Helper()
	total := 0
	for i := 0; i < scans; i++ {
		n, err := w.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("scan %d: %v", i, err)
		}
		total += n
		*now = now.Add(2 * time.Second)
	}
	return total
}

func TestStableFileIsIngestedOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Frettir kvold 2026-08-01.mp4")
	if err := os.WriteFile(path, []byte("video bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Age the file past MinAge.
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	jobs := newTestJobs(t)
	w, now := newTestWatcher(t, jobs, dir)

	if got := scanUntilStable(t, w, now, 4); got != 1 {
		t.Fatalf("expected exactly 1 ingestion, got %d", got)
	}
	// Further scans must not re-ingest.
	if got := scanUntilStable(t, w, now, 3); got != 0 {
		t.Fatalf("file re-ingested: %d", got)
	}

	job, err := jobs.Get(context.Background(), "Frettir_kvold_2026-08-01")
	if err != nil {
		t.Fatalf("job missing: %v", err)
	}
	if job.Stage != types.StageIngest || job.TargetLanguage != "is" || job.ProgramProfile != "general" {
		t.Fatalf("job seeded wrong: %+v", job)
	}
	meta, _ := job.DecodeMeta()
	if meta.SourcePath != path || meta.OriginalFilename != "Frettir kvold 2026-08-01.mp4" {
		t.Fatalf("meta source wrong: %+v", meta)
	}
}

func TestGrowingFileWaitsForStability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "show.mp4")
	if err := os.WriteFile(path, []byte("part"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	jobs := newTestJobs(t)
	w, now := newTestWatcher(t, jobs, dir)

	// Two probes, then the file grows: the stability count must reset.
	scanUntilStable(t, w, now, 2)
	if err := os.WriteFile(path, []byte("part two, still copying"), 0o644); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := scanUntilStable(t, w, now, 2); got != 0 {
		t.Fatalf("growing file must not ingest, got %d", got)
	}

	// Now it holds still and ages out.
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if got := scanUntilStable(t, w, now, 4); got != 1 {
		t.Fatalf("stable file should ingest, got %d", got)
	}
}

func TestDuplicateStemIsIgnored(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	old := time.Now().Add(-time.Minute)
	for _, dir := range []string{dirA, dirB} {
		path := filepath.Join(dir, "same show.mp4")
		if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	jobs := newTestJobs(t)
	w, now := newTestWatcher(t, jobs, dirA, dirB)

	if got := scanUntilStable(t, w, now, 5); got != 1 {
		t.Fatalf("expected a single job for duplicate stems, got %d", got)
	}
	all, err := jobs.List(context.Background(), store.Filter{})
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 job row, got %d (%v)", len(all), err)
	}
}

func TestSkipsDoneMarkerAndUnknownExtensions(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Minute)
	for _, name := range []string{"DONE_processed.mp4", "notes.txt", "thumbs.db"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	jobs := newTestJobs(t)
	w, now := newTestWatcher(t, jobs, dir)
	if got := scanUntilStable(t, w, now, 5); got != 0 {
		t.Fatalf("nothing should ingest, got %d", got)
	}
}

func TestDeriveStem(t *testing.T) {
	cases := map[string]string{
		"Frettir kvold 2026-08-01.mp4": "Frettir_kvold_2026-08-01",
		"show!!name???.mxf":            "show_name",
		"  spaced  .mp4":               "spaced",
		"a.b.c.mp4":                    "a.b.c",
		"___.mp4":                      "",
	}
	for in, want := range cases {
		if got := DeriveStem(in); got != want {
			t.Fatalf("DeriveStem(%q) = %q, want %q", in, got, want)
		}
	}
}
