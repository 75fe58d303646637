package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/fleet"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/telemetry"
)

type VpnNodeHandler struct {
	registry   *fleet.Registry
	aggregator *telemetry.Aggregator
	audit      middleware.Auditor
	log        *zap.Logger
}

func NewVpnNodeHandler(registry *fleet.Registry, agg *telemetry.Aggregator, rec middleware.Auditor, log *zap.Logger) *VpnNodeHandler {
	return &VpnNodeHandler{registry: registry, aggregator: agg, audit: rec, log: log}
}

// List returns all VPN nodes with their derived online flag
func (h *VpnNodeHandler) List(c *fiber.Ctx) error {
	nodes, err := h.registry.ListNodes(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, nodes)
}

func (h *VpnNodeHandler) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	node, err := h.registry.GetNode(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, node)
}

// Create registers a node. The agent token is returned only in this response.
func (h *VpnNodeHandler) Create(c *fiber.Ctx) error {
	var req fleet.NodeInput
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	node, token, err := h.registry.CreateNode(c.UserContext(), req)
	if err != nil {
		return fail(c, h.log, err)
	}

	h.record(c, models.AuditActionNodeCreate, node.ID, map[string]interface{}{"name": node.Name, "hostname": node.Hostname})
	return created(c, fiber.Map{"node": node, "agentToken": token})
}

func (h *VpnNodeHandler) Update(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	var req fleet.NodeInput
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	node, err := h.registry.UpdateNode(c.UserContext(), id, req)
	if err != nil {
		return fail(c, h.log, err)
	}

	h.record(c, models.AuditActionNodeUpdate, id, map[string]interface{}{"name": node.Name, "hostname": node.Hostname, "isActive": node.IsActive})
	return success(c, node)
}

func (h *VpnNodeHandler) Delete(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	if err := h.registry.DeleteNode(c.UserContext(), id); err != nil {
		return fail(c, h.log, err)
	}

	h.record(c, models.AuditActionNodeDelete, id, nil)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "VPN node deleted",
	})
}

// Stats returns the node's recent telemetry samples, oldest first
func (h *VpnNodeHandler) Stats(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	node, err := h.registry.GetNode(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	history := []telemetry.Sample{}
	if h.aggregator != nil {
		history = h.aggregator.NodeHistory(id)
	}
	return success(c, fiber.Map{
		"nodeId":  node.ID,
		"online":  node.Online,
		"history": history,
	})
}

// RotateToken issues a new agent token; the old one stops working at once.
func (h *VpnNodeHandler) RotateToken(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	token, err := h.registry.RotateAgentToken(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}

	h.record(c, models.AuditActionNodeUpdate, id, map[string]interface{}{"agentToken": "rotated"})
	return success(c, fiber.Map{"nodeId": id, "agentToken": token})
}

func (h *VpnNodeHandler) record(c *fiber.Ctx, action string, id uint, meta map[string]interface{}) {
	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     action,
		TargetType: "vpn_node",
		TargetID:   uintString(id),
		Metadata:   meta,
	}))
}
