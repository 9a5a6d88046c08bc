package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"templar/internal/manager"
)

// Handler implements the status endpoints.
type Handler struct {
	manager *manager.Manager
}

// NewHandler creates a handler over the manager.
func NewHandler(m *manager.Manager) *Handler {
	return &Handler{manager: m}
}

// Health reports process liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ScanStatus reports the startup update scan state and its results.
func (h *Handler) ScanStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.ScanStatus())
}

// ListCache lists cached templates from the index.
func (h *Handler) ListCache(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Cache().ListCached())
}

// CacheSize reports the on-disk cache size in bytes.
func (h *Handler) CacheSize(c echo.Context) error {
	size, err := h.manager.Cache().Size()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int64{"bytes": size})
}
