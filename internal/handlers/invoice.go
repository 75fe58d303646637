package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

type InvoiceHandler struct {
	billing *billing.Service
	audit   middleware.Auditor
	log     *zap.Logger
}

func NewInvoiceHandler(b *billing.Service, rec middleware.Auditor, log *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{billing: b, audit: rec, log: log}
}

type CreateInvoiceRequest struct {
	ResellerID  uint  `json:"resellerId"`
	AmountCents int64 `json:"amountCents"`
}

// List returns invoices; resellers only see their own
func (h *InvoiceHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	resellerID, err := queryUint(c, "resellerId")
	if err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) != models.UserRoleAdmin {
		resellerID = middleware.GetCurrentResellerID(c)
		if resellerID == nil {
			return fail(c, h.log, apperr.ErrForbidden)
		}
	}
	status := models.InvoiceStatus(strings.ToUpper(c.Query("status")))

	invoices, total, err := h.billing.ListInvoices(c.UserContext(), resellerID, status, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, invoices, total, limit, offset)
}

func (h *InvoiceHandler) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	inv, err := h.billing.GetInvoice(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	if !canReadLedger(c, inv.ResellerID) {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	return success(c, inv)
}

// Create issues a PENDING invoice (admin)
func (h *InvoiceHandler) Create(c *fiber.Ctx) error {
	var req CreateInvoiceRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	inv, err := h.billing.CreateInvoice(c.UserContext(), req.ResellerID, req.AmountCents)
	if err != nil {
		return fail(c, h.log, err)
	}
	h.recordInvoice(c, models.AuditActionInvoiceCreate, inv, nil)
	return created(c, inv)
}

// Pay marks the invoice PAID and credits the reseller
func (h *InvoiceHandler) Pay(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	actor := middleware.GetCurrentUserID(c)
	inv, balance, err := h.billing.PayInvoice(c.UserContext(), id, &actor)
	if err != nil {
		return fail(c, h.log, err)
	}
	h.recordInvoice(c, models.AuditActionInvoicePay, inv, map[string]interface{}{"balance": balance})
	return success(c, fiber.Map{"invoice": inv, "balance": balance})
}

func (h *InvoiceHandler) Cancel(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	inv, err := h.billing.CancelInvoice(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	h.recordInvoice(c, models.AuditActionInvoiceCancel, inv, nil)
	return success(c, inv)
}

func (h *InvoiceHandler) recordInvoice(c *fiber.Ctx, action string, inv *models.Invoice, extra map[string]interface{}) {
	meta := map[string]interface{}{
		"resellerId":  inv.ResellerID,
		"amountCents": inv.AmountCents,
		"status":      inv.Status,
	}
	for k, v := range extra {
		meta[k] = v
	}
	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     action,
		TargetType: "invoice",
		TargetID:   uintString(inv.ID),
		Metadata:   meta,
	}))
}
