package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/fleet"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

type CrlHandler struct {
	registry *fleet.Registry
	audit    middleware.Auditor
	log      *zap.Logger
}

func NewCrlHandler(registry *fleet.Registry, rec middleware.Auditor, log *zap.Logger) *CrlHandler {
	return &CrlHandler{registry: registry, audit: rec, log: log}
}

type PublishCrlRequest struct {
	CrlPem     string `json:"crlPem"`
	CrlVersion int64  `json:"crlVersion"`
}

func (h *CrlHandler) Get(c *fiber.Ctx) error {
	crl, err := h.registry.CurrentCrl(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, crl)
}

// Publish stores a newer CRL and pushes it to online nodes
func (h *CrlHandler) Publish(c *fiber.Ctx) error {
	var req PublishCrlRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	pushed, err := h.registry.PublishCrl(c.UserContext(), req.CrlPem, req.CrlVersion)
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionCrlPublish,
		TargetType: "crl",
		Metadata:   map[string]interface{}{"crlVersion": req.CrlVersion, "pushed": pushed},
	}))
	return success(c, fiber.Map{"crlVersion": req.CrlVersion, "pushedTo": pushed})
}
