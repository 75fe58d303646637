package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/sessions"
)

// EntitlementHandler manages user packages and the certificates that bind
// common names to users.
type EntitlementHandler struct {
	entitlements *sessions.Entitlements
	audit        middleware.Auditor
	log          *zap.Logger
}

func NewEntitlementHandler(e *sessions.Entitlements, rec middleware.Auditor, log *zap.Logger) *EntitlementHandler {
	return &EntitlementHandler{entitlements: e, audit: rec, log: log}
}

type IssueCertificateRequest struct {
	CommonName string `json:"commonName"`
	UserID     uint   `json:"userId"`
}

func (h *EntitlementHandler) Get(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) == models.UserRoleUser && middleware.GetCurrentUserID(c) != userID {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	ent, err := h.entitlements.Get(c.UserContext(), userID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, ent)
}

// Upsert creates or changes a user's entitlement. Lowering the limit does
// not kick existing sessions.
func (h *EntitlementHandler) Upsert(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return fail(c, h.log, err)
	}
	var req sessions.EntitlementInput
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	ent, err := h.entitlements.Upsert(c.UserContext(), userID, req)
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionEntitlementUpdate,
		TargetType: "user",
		TargetID:   uintString(userID),
		Metadata: map[string]interface{}{
			"maxConnections": ent.MaxConnections,
			"maxDevices":     ent.MaxDevices,
			"expiresAt":      ent.ExpiresAt,
			"isActive":       ent.IsActive,
		},
	}))
	return success(c, ent)
}

// Deactivate disables the entitlement and kicks the user's sessions
func (h *EntitlementHandler) Deactivate(c *fiber.Ctx) error {
	userID, err := paramID(c, "userId")
	if err != nil {
		return fail(c, h.log, err)
	}
	ent, kicked, err := h.entitlements.Deactivate(c.UserContext(), userID)
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionEntitlementOff,
		TargetType: "user",
		TargetID:   uintString(userID),
		Metadata:   map[string]interface{}{"kicked": kicked},
	}))
	return success(c, fiber.Map{"entitlement": ent, "kicked": kicked})
}

func (h *EntitlementHandler) ListCertificates(c *fiber.Ctx) error {
	userID, err := queryUint(c, "userId")
	if err != nil {
		return fail(c, h.log, err)
	}
	certs, err := h.entitlements.ListCertificates(c.UserContext(), userID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, certs)
}

func (h *EntitlementHandler) IssueCertificate(c *fiber.Ctx) error {
	var req IssueCertificateRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	cert, err := h.entitlements.IssueCertificate(c.UserContext(), req.CommonName, req.UserID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return created(c, cert)
}

// RevokeCertificate revokes a common name and kicks its active session
func (h *EntitlementHandler) RevokeCertificate(c *fiber.Ctx) error {
	cn := c.Params("commonName")
	cert, sess, err := h.entitlements.RevokeCertificate(c.UserContext(), cn)
	if err != nil {
		return fail(c, h.log, err)
	}

	meta := map[string]interface{}{"userId": cert.UserID}
	if sess != nil {
		meta["sessionId"] = sess.ID
	}
	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionCertRevoke,
		TargetType: "certificate",
		TargetID:   cert.CommonName,
		Metadata:   meta,
	}))
	return success(c, fiber.Map{"certificate": cert, "kickedSession": sess})
}
