package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/engine"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/feed"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/localrunner"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/media"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

func newActionRouter(t *testing.T) (*gin.Engine, *store.Store) {
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
	jobs := store.New(gdb, logger.NewNop())

	root := t.TempDir()
	layout := engine.Layout{
		VaultSource: filepath.Join(root, "source"),
		VaultAudio:  filepath.Join(root, "audio"),
		VaultData:   filepath.Join(root, "data"),
		Translated:  filepath.Join(root, "translated"),
		Delivery:    filepath.Join(root, "delivery"),
		Errors:      filepath.Join(root, "errors"),
	}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	runner := localrunner.New(logger.NewNop(), 2, time.Second)
	tools := media.New(logger.NewNop(), "ffmpeg", "ffprobe")
	eng := engine.New(logger.NewNop(), jobs, runner, nil, tools, nil, layout, engine.Options{})
	h := NewJobsHandler(logger.NewNop(), jobs, eng, feed.NewHub(logger.NewNop()))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/action", h.Action)
	r.POST("/jobs/:stem/action", h.Action)
	return r, jobs
}

func seedActionJob(t *testing.T, jobs *store.Store, stem string) {
	t.Helper()
	if err := jobs.Create(context.Background(), &types.Job{
		FileStem: stem,
		Stage:    types.StageFinalizing,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestActionRouteBindsFileStemFromBody(t *testing.T) {
	r, jobs := newActionRouter(t)
	seedActionJob(t, jobs, "a")

	w := postJSON(r, "/action", `{"action":"halt","file_stem":"a"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /action = %d: %s", w.Code, w.Body.String())
	}
	job, err := jobs.Get(context.Background(), "a")
	if err != nil || job.Stage != types.StageHalted {
		t.Fatalf("halt not applied: %+v, %v", job, err)
	}
}

func TestActionRouteAcceptsPathStem(t *testing.T) {
	r, jobs := newActionRouter(t)
	seedActionJob(t, jobs, "b")

	w := postJSON(r, "/jobs/b/action", `{"action":"halt"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /jobs/b/action = %d: %s", w.Code, w.Body.String())
	}
	job, _ := jobs.Get(context.Background(), "b")
	if job.Stage != types.StageHalted {
		t.Fatalf("halt not applied: %s", job.Stage)
	}
}

func TestActionRouteRejectsMissingStemAndAction(t *testing.T) {
	r, jobs := newActionRouter(t)
	seedActionJob(t, jobs, "c")

	if w := postJSON(r, "/action", `{"action":"halt"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing file_stem = %d, want 400", w.Code)
	}
	if w := postJSON(r, "/action", `{"file_stem":"c"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing action = %d, want 400", w.Code)
	}
	if w := postJSON(r, "/action", `{"action":"halt","file_stem":"nope"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown job = %d, want 404", w.Code)
	}
}
