package tpc

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers the TPC request-manager admin routes with the
// Echo instance. Follows separated routes pattern - route registration
// separate from handler logic.
func (h *TPCHandler) SetupRoutes(e *echo.Echo) {
	e.POST("/tpc/requests", h.HandleSubmit)
	e.GET("/tpc/requests/:id", h.HandleStatus)
	e.DELETE("/tpc/requests/:id", h.HandleCancel)
	e.GET("/tpc/stats", h.HandleStats)
}
