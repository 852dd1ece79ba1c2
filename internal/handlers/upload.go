package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/inbox"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

type UploadHandler struct {
	log        *logger.Logger
	inboxDir   string
	extensions map[string]bool
}

func NewUploadHandler(log *logger.Logger, inboxDir string, extensions []string) *UploadHandler {
	exts := map[string]bool{}
	for _, e := range extensions {
		exts[strings.ToLower(e)] = true
	}
	return &UploadHandler{
		log:        log.With("Handler", "UploadHandler"),
		inboxDir:   inboxDir,
		extensions: exts,
	}
}

// POST /upload accepts a multipart file and lands it in the inbox the same
// way a network drop would. The write goes to a dotfile first; the rename
// makes it visible only when complete, so the watcher never ingests a
// half-written upload.
func (h *UploadHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	name := filepath.Base(file.Filename)
	ext := strings.ToLower(filepath.Ext(name))
	if !h.extensions[ext] {
		RespondError(c, http.StatusBadRequest, "unsupported_extension", fmt.Errorf("extension %q not accepted", ext))
		return
	}

	dest := filepath.Join(h.inboxDir, name)
	if _, err := os.Stat(dest); err == nil {
		RespondError(c, http.StatusConflict, "file_exists", fmt.Errorf("%s already in inbox", name))
		return
	}
	if err := os.MkdirAll(h.inboxDir, 0o755); err != nil {
		RespondError(c, http.StatusInternalServerError, "inbox_unavailable", err)
		return
	}

	src, err := file.Open()
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "read_failed", err)
		return
	}
	defer src.Close()

	tmp := filepath.Join(h.inboxDir, "."+name+".uploading")
	out, err := os.Create(tmp)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "write_failed", err)
		return
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		RespondError(c, http.StatusInternalServerError, "write_failed", err)
		return
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		RespondError(c, http.StatusInternalServerError, "write_failed", err)
		return
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		RespondError(c, http.StatusInternalServerError, "write_failed", err)
		return
	}

	stem := inbox.DeriveStem(name)
	h.log.Info("file uploaded to inbox", "filename", name, "file_stem", stem, "bytes", file.Size)
	RespondOK(c, gin.H{"filename": name, "file_stem": stem})
}
