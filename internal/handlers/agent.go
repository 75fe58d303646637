package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/fleet"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/sessions"
)

// AgentHandler serves the node agents. Every route runs behind AgentAuth, so
// the calling node is known and events may only be reported for it.
type AgentHandler struct {
	registry *fleet.Registry
	tracker  *sessions.Tracker
	log      *zap.Logger
}

func NewAgentHandler(registry *fleet.Registry, tracker *sessions.Tracker, log *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, tracker: tracker, log: log}
}

// ownNode fills in the calling node's ID and rejects events claiming another node.
func ownNode(c *fiber.Ctx, id *uint) error {
	node := middleware.GetAgentNode(c)
	if node == nil {
		return apperr.ErrForbidden
	}
	if *id == 0 {
		*id = node.ID
	}
	if *id != node.ID {
		return apperr.ErrForbidden
	}
	return nil
}

// Heartbeat records node liveness and telemetry
func (h *AgentHandler) Heartbeat(c *fiber.Ctx) error {
	var hb fleet.Heartbeat
	if err := parseBody(c, &hb); err != nil {
		return fail(c, h.log, err)
	}
	var nodeID uint
	if err := ownNode(c, &nodeID); err != nil {
		return fail(c, h.log, err)
	}
	ack, err := h.registry.RegisterHeartbeat(c.UserContext(), nodeID, hb)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, ack)
}

func (h *AgentHandler) Connect(c *fiber.Ctx) error {
	var ev sessions.ConnectEvent
	if err := parseBody(c, &ev); err != nil {
		return fail(c, h.log, err)
	}
	if err := ownNode(c, &ev.VpnNodeID); err != nil {
		return fail(c, h.log, err)
	}
	sess, err := h.tracker.OnConnect(c.UserContext(), ev)
	if err != nil {
		return fail(c, h.log, err)
	}
	return created(c, sess)
}

func (h *AgentHandler) Disconnect(c *fiber.Ctx) error {
	var ev sessions.DisconnectEvent
	if err := parseBody(c, &ev); err != nil {
		return fail(c, h.log, err)
	}
	if err := ownNode(c, &ev.VpnNodeID); err != nil {
		return fail(c, h.log, err)
	}
	sess, err := h.tracker.OnDisconnect(c.UserContext(), ev)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, sess)
}

// Report updates byte counters of an active session
func (h *AgentHandler) Report(c *fiber.Ctx) error {
	var ev sessions.ReportEvent
	if err := parseBody(c, &ev); err != nil {
		return fail(c, h.log, err)
	}
	if err := ownNode(c, &ev.VpnNodeID); err != nil {
		return fail(c, h.log, err)
	}
	if err := h.tracker.Report(c.UserContext(), ev); err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// Crl lets a node pull the current CRL after a failed push
func (h *AgentHandler) Crl(c *fiber.Ctx) error {
	crl, err := h.registry.CurrentCrl(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.Map{"crlVersion": crl.Version, "crlPem": crl.Pem})
}
