package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/telemetry"
)

type DashboardHandler struct {
	dashboard *telemetry.Dashboard
	log       *zap.Logger
}

func NewDashboardHandler(d *telemetry.Dashboard, log *zap.Logger) *DashboardHandler {
	return &DashboardHandler{dashboard: d, log: log}
}

// Stats returns the dashboard snapshot
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	snap, err := h.dashboard.Snapshot(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, snap)
}
