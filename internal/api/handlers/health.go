package handlers

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler reports service liveness plus the wiring state of the
// generator and database so deploys can be sanity-checked with one curl.
type HealthHandler struct {
	db      *gorm.DB
	version string
}

func NewHealthHandler(db *gorm.DB, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

// HealthCheck returns the health status of the API
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	orpheusURL := os.Getenv("ORPHEUS_URL")
	orpheusStatus := "disabled"
	if strings.TrimSpace(orpheusURL) != "" {
		orpheusStatus = "enabled"
	}

	dbStatus := "disabled"
	if h.db != nil {
		dbStatus = "ok"
		if sqlDB, err := h.db.DB(); err != nil || sqlDB.Ping() != nil {
			dbStatus = "unreachable"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "maestro-api",
		"version":  h.version,
		"database": dbStatus,
		"orpheus": gin.H{
			"status": orpheusStatus,
			"url":    orpheusURL,
		},
	})
}
