package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
)

type AuditHandler struct {
	recorder *audit.Recorder
	log      *zap.Logger
}

func NewAuditHandler(rec *audit.Recorder, log *zap.Logger) *AuditHandler {
	return &AuditHandler{recorder: rec, log: log}
}

// List returns audit logs, newest first
func (h *AuditHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	q := audit.Query{
		Limit:      limit,
		Offset:     offset,
		Action:     c.Query("action"),
		TargetType: c.Query("targetType"),
	}
	var err error
	if q.ActorID, err = queryUint(c, "actorId"); err != nil {
		return fail(c, h.log, err)
	}
	if q.From, err = queryTime(c, "from", false); err != nil {
		return fail(c, h.log, err)
	}
	if q.To, err = queryTime(c, "to", true); err != nil {
		return fail(c, h.log, err)
	}

	logs, total, err := h.recorder.Query(c.UserContext(), q)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, logs, total, limit, offset)
}

// UserLogs returns end-user activity for admins, own activity for others
func (h *AuditHandler) UserLogs(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	logs, total, err := h.recorder.UserLogs(c.UserContext(),
		middleware.GetCurrentUserID(c), middleware.GetCurrentRole(c), limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, logs, total, limit, offset)
}

// Actions returns the distinct action names for the filter dropdown
func (h *AuditHandler) Actions(c *fiber.Ctx) error {
	actions, err := h.recorder.Actions(c.UserContext())
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, actions)
}

// Clear deletes all audit logs, keeping a record of the clear itself
func (h *AuditHandler) Clear(c *fiber.Ctx) error {
	res, err := h.recorder.ClearAll(c.UserContext(), middleware.ActorRecord(c, audit.Record{}))
	if err != nil {
		return fail(c, h.log, err)
	}
	middleware.MarkAudited(c)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Audit logs cleared",
		"data":    res,
	})
}
