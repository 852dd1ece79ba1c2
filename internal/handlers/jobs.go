package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/engine"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/feed"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

type JobsHandler struct {
	log  *logger.Logger
	jobs *store.Store
	eng  *engine.Engine
	hub  *feed.Hub
}

func NewJobsHandler(log *logger.Logger, jobs *store.Store, eng *engine.Engine, hub *feed.Hub) *JobsHandler {
	return &JobsHandler{
		log:  log.With("Handler", "JobsHandler"),
		jobs: jobs,
		eng:  eng,
		hub:  hub,
	}
}

// GET /jobs?stage=A,B&status=substr&updated_after=RFC3339&updated_before=RFC3339
func (h *JobsHandler) ListJobs(c *gin.Context) {
	var f store.Filter
	if raw := c.Query("stage"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			stage, err := types.ParseStage(strings.TrimSpace(part))
			if err != nil {
				RespondError(c, http.StatusBadRequest, "invalid_stage", err)
				return
			}
			f.Stages = append(f.Stages, stage)
		}
	}
	f.StatusContains = c.Query("status")
	if raw := c.Query("updated_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_updated_after", err)
			return
		}
		f.UpdatedAfter = &t
	}
	if raw := c.Query("updated_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_updated_before", err)
			return
		}
		f.UpdatedBefore = &t
	}

	jobs, err := h.jobs.List(c.Request.Context(), f)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GET /jobs/:stem
func (h *JobsHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("stem"))
	if errors.Is(err, store.ErrNotFound) {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

type actionRequest struct {
	Action   string `json:"action"`
	FileStem string `json:"file_stem,omitempty"`
	Arg      string `json:"arg,omitempty"`
}

// POST /action with the job named in the body, and POST /jobs/:stem/action
// with the job named in the path. Same handler, same semantics.
func (h *JobsHandler) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	stem := c.Param("stem")
	if stem == "" {
		stem = req.FileStem
	}
	if stem == "" {
		RespondError(c, http.StatusBadRequest, "missing_file_stem", fmt.Errorf("file_stem is required"))
		return
	}
	if req.Action == "" {
		RespondError(c, http.StatusBadRequest, "missing_action", fmt.Errorf("action is required"))
		return
	}
	err := h.eng.Apply(c.Request.Context(), stem, req.Action, req.Arg)
	switch {
	case err == nil:
		h.log.Info("operator action applied", "file_stem", stem, "action", req.Action)
		RespondOK(c, gin.H{"file_stem": stem, "action": req.Action})
	case errors.Is(err, engine.ErrInvalidAction):
		RespondError(c, http.StatusBadRequest, "invalid_action", err)
	case errors.Is(err, store.ErrNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, engine.ErrConflict):
		RespondError(c, http.StatusConflict, "action_conflict", err)
	default:
		RespondError(c, http.StatusInternalServerError, "action_failed", err)
	}
}

// GET /jobs/stream streams job change events as NDJSON. A full snapshot of
// the working set precedes the live feed so the client never misses state
// that changed before it connected.
func (h *JobsHandler) Stream(c *gin.Context) {
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(c.Writer)
	snapshot, err := h.jobs.List(c.Request.Context(), store.Filter{})
	if err == nil {
		for _, job := range snapshot {
			if enc.Encode(feed.EventFromJob(job)) != nil {
				return
			}
		}
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
