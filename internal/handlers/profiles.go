package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/profiles"
)

type ProfilesHandler struct {
	catalog *profiles.Catalog
}

func NewProfilesHandler(catalog *profiles.Catalog) *ProfilesHandler {
	return &ProfilesHandler{catalog: catalog}
}

// GET /profiles
func (h *ProfilesHandler) ListProfiles(c *gin.Context) {
	RespondOK(c, gin.H{"profiles": h.catalog.Profiles()})
}
