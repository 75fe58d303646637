package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/sessions"
)

type SessionHandler struct {
	tracker *sessions.Tracker
	audit   middleware.Auditor
	log     *zap.Logger
}

func NewSessionHandler(tracker *sessions.Tracker, rec middleware.Auditor, log *zap.Logger) *SessionHandler {
	return &SessionHandler{tracker: tracker, audit: rec, log: log}
}

type KickRequest struct {
	Reason models.KickReason `json:"reason"`
}

// List returns sessions, newest first. Non-admins only see their own.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	f := sessions.Filter{Limit: limit, Offset: offset}

	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return fail(c, h.log, apperr.Invalid("active", "must be true or false"))
		}
		f.Active = &active
	}
	var err error
	if f.VpnNodeID, err = queryUint(c, "vpnNodeId"); err != nil {
		return fail(c, h.log, err)
	}
	if f.UserID, err = queryUint(c, "userId"); err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) != models.UserRoleAdmin {
		own := middleware.GetCurrentUserID(c)
		f.UserID = &own
	}

	list, total, err := h.tracker.List(c.UserContext(), f)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, list, total, limit, offset)
}

func (h *SessionHandler) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	sess, err := h.tracker.Get(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) != models.UserRoleAdmin && sess.UserID != middleware.GetCurrentUserID(c) {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	return success(c, sess)
}

// Kick disconnects a session. The reason defaults to manual.
func (h *SessionHandler) Kick(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	req := KickRequest{Reason: models.KickReasonManual}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return fail(c, h.log, err)
		}
		if req.Reason == "" {
			req.Reason = models.KickReasonManual
		}
	}

	sess, kicked, err := h.tracker.Kick(c.UserContext(), id, req.Reason)
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	if !kicked {
		return success(c, sess)
	}
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionSessionKick,
		TargetType: "session",
		TargetID:   uintString(sess.ID),
		Metadata: map[string]interface{}{
			"reason":     req.Reason,
			"commonName": sess.CommonName,
			"userId":     sess.UserID,
			"vpnNodeId":  sess.VpnNodeID,
		},
	}))
	return success(c, sess)
}
