package handlers

import (
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/db"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/heartbeat"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
)

type HealthHandler struct {
	log      *logger.Logger
	database *db.Service
	jobs     *store.Store
	workRoot string
	// heartbeatPaths maps component name to its heartbeat file.
	heartbeatPaths map[string]string
	heartbeatMax   time.Duration
	cloudEnabled   bool
	clock          func() time.Time
}

func NewHealthHandler(log *logger.Logger, database *db.Service, jobs *store.Store, workRoot string, heartbeatPaths map[string]string, heartbeatMax time.Duration, cloudEnabled bool) *HealthHandler {
	if heartbeatMax <= 0 {
		heartbeatMax = 2 * time.Minute
	}
	return &HealthHandler{
		log:            log.With("Handler", "HealthHandler"),
		database:       database,
		jobs:           jobs,
		workRoot:       workRoot,
		heartbeatPaths: heartbeatPaths,
		heartbeatMax:   heartbeatMax,
		cloudEnabled:   cloudEnabled,
		clock:          time.Now,
	}
}

// GET /health reports the orchestrator's vital signs. Degraded heartbeats or
// a failing database ping flip the status and the HTTP code to 503 so load
// balancers and cron checks need no JSON parsing.
func (h *HealthHandler) Health(c *gin.Context) {
	healthy := true
	detail := gin.H{}

	if err := h.database.Ping(); err != nil {
		healthy = false
		detail["database"] = gin.H{"ok": false, "error": err.Error()}
	} else {
		detail["database"] = gin.H{"ok": true}
	}

	now := h.clock()
	beats := gin.H{}
	for name, path := range h.heartbeatPaths {
		age, err := heartbeat.Age(path, now)
		switch {
		case err != nil:
			healthy = false
			beats[name] = gin.H{"ok": false, "error": err.Error()}
		case age > h.heartbeatMax:
			healthy = false
			beats[name] = gin.H{"ok": false, "age_seconds": int(age.Seconds())}
		default:
			beats[name] = gin.H{"ok": true, "age_seconds": int(age.Seconds())}
		}
	}
	detail["heartbeats"] = beats

	if free, total, err := diskUsage(h.workRoot); err == nil {
		detail["disk"] = gin.H{"free_bytes": free, "total_bytes": total}
		if total > 0 && free < total/20 {
			healthy = false
		}
	}

	if n, err := h.jobs.CountActive(c.Request.Context()); err == nil {
		detail["active_jobs"] = n
	}
	detail["cloud_enabled"] = h.cloudEnabled

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	detail["status"] = status
	c.JSON(code, detail)
}

func diskUsage(path string) (free, total uint64, err error) {
	var st syscall.Statfs_t
	if err = syscall.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}
