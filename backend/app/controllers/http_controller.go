package controllers

import (
	"context"
	"net/http"
	"time"

	"coffee-fleet/clock"
	"coffee-fleet/protocol"

	"gorm.io/gorm"
)

// HTTPController serves the unauthenticated health probe.
type HTTPController struct {
	DB      *gorm.DB
	Version string
	Clock   clock.Clock
}

func NewHTTPController(db *gorm.DB, version string, clk clock.Clock) *HTTPController {
	return &HTTPController{DB: db, Version: version, Clock: clk}
}

type health struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	ServerTime time.Time `json:"server_time"`
}

func (c *HTTPController) Ping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if sqlDB, err := c.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		writeFail(w, http.StatusServiceUnavailable, protocol.CodeInternal, "database unreachable", nil)
		return
	}
	writeOK(w, http.StatusOK, health{Status: "ok", Version: c.Version, ServerTime: c.Clock.Now()})
}
