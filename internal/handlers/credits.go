package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

type CreditHandler struct {
	ledger  *ledger.Service
	billing *billing.Service
	audit   middleware.Auditor
	log     *zap.Logger
}

func NewCreditHandler(l *ledger.Service, b *billing.Service, rec middleware.Auditor, log *zap.Logger) *CreditHandler {
	return &CreditHandler{ledger: l, billing: b, audit: rec, log: log}
}

type CreditRequest struct {
	ResellerID  uint   `json:"resellerId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type TransferRequest struct {
	FromResellerID uint   `json:"fromResellerId"`
	ToResellerID   uint   `json:"toResellerId"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
}

// canReadLedger lets admins read any ledger and resellers only their own.
func canReadLedger(c *fiber.Ctx, resellerID uint) bool {
	if middleware.GetCurrentRole(c) == models.UserRoleAdmin {
		return true
	}
	own := middleware.GetCurrentResellerID(c)
	return middleware.GetCurrentRole(c) == models.UserRoleReseller && own != nil && *own == resellerID
}

func (h *CreditHandler) post(c *fiber.Ctx, action string, fn func(p ledger.Posting) (int64, error)) error {
	var req CreditRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	actor := middleware.GetCurrentUserID(c)
	balance, err := fn(ledger.Posting{
		ResellerID:  req.ResellerID,
		Amount:      req.Amount,
		Description: req.Description,
		ActorID:     &actor,
	})
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     action,
		TargetType: "reseller",
		TargetID:   uintString(req.ResellerID),
		Metadata: map[string]interface{}{
			"amount":      req.Amount,
			"balance":     balance,
			"description": req.Description,
		},
	}))

	return success(c, fiber.Map{"resellerId": req.ResellerID, "balance": balance})
}

// Add credits a reseller
func (h *CreditHandler) Add(c *fiber.Ctx) error {
	return h.post(c, models.AuditActionCreditsAdd, func(p ledger.Posting) (int64, error) {
		return h.ledger.AddCredits(c.UserContext(), p)
	})
}

// Deduct debits a reseller; rejected when the balance would go negative
func (h *CreditHandler) Deduct(c *fiber.Ctx) error {
	return h.post(c, models.AuditActionCreditsDeduct, func(p ledger.Posting) (int64, error) {
		return h.ledger.DeductCredits(c.UserContext(), p)
	})
}

func (h *CreditHandler) Refund(c *fiber.Ctx) error {
	return h.post(c, models.AuditActionCreditsRefund, func(p ledger.Posting) (int64, error) {
		return h.ledger.Refund(c.UserContext(), p)
	})
}

// Transfer moves credits between resellers. Resellers may only send from
// their own account to one of their sub-resellers.
func (h *CreditHandler) Transfer(c *fiber.Ctx) error {
	var req TransferRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}

	if middleware.GetCurrentRole(c) != models.UserRoleAdmin {
		own := middleware.GetCurrentResellerID(c)
		if own == nil || *own != req.FromResellerID {
			return fail(c, h.log, apperr.ErrForbidden)
		}
		ok, err := h.billing.IsDescendant(c.UserContext(), req.FromResellerID, req.ToResellerID)
		if err != nil {
			return fail(c, h.log, err)
		}
		if !ok {
			return fail(c, h.log, apperr.ErrForbidden)
		}
	}

	actor := middleware.GetCurrentUserID(c)
	res, err := h.ledger.Transfer(c.UserContext(), ledger.TransferRequest{
		FromResellerID: req.FromResellerID,
		ToResellerID:   req.ToResellerID,
		Amount:         req.Amount,
		Description:    req.Description,
		ActorID:        &actor,
	})
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionCreditsTransfer,
		TargetType: "reseller",
		TargetID:   uintString(req.ToResellerID),
		Metadata: map[string]interface{}{
			"from":      req.FromResellerID,
			"to":        req.ToResellerID,
			"amount":    req.Amount,
			"reference": res.Reference,
		},
	}))

	return success(c, res)
}

// Balance returns the current balance of a reseller
func (h *CreditHandler) Balance(c *fiber.Ctx) error {
	id, err := paramID(c, "resellerId")
	if err != nil {
		return fail(c, h.log, err)
	}
	if !canReadLedger(c, id) {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	balance, err := h.ledger.Balance(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, fiber.Map{"resellerId": id, "balance": balance})
}

// History returns a reseller's ledger, newest first
func (h *CreditHandler) History(c *fiber.Ctx) error {
	id, err := paramID(c, "resellerId")
	if err != nil {
		return fail(c, h.log, err)
	}
	if !canReadLedger(c, id) {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	limit, offset := pageParams(c)
	entries, total, err := h.ledger.History(c.UserContext(), id, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, entries, total, limit, offset)
}

// Logs returns the ledger across all resellers (admin)
func (h *CreditHandler) Logs(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	filter := ledger.Filter{Type: models.LedgerEntryType(c.Query("type"))}
	if rid, err := queryUint(c, "resellerId"); err != nil {
		return fail(c, h.log, err)
	} else if rid != nil {
		filter.ResellerID = *rid
	}
	entries, total, err := h.ledger.Logs(c.UserContext(), filter, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, entries, total, limit, offset)
}
