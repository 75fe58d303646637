package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/middleware"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

type ResellerHandler struct {
	billing *billing.Service
	audit   middleware.Auditor
	log     *zap.Logger
}

func NewResellerHandler(b *billing.Service, rec middleware.Auditor, log *zap.Logger) *ResellerHandler {
	return &ResellerHandler{billing: b, audit: rec, log: log}
}

// canSeeReseller allows admins everything and resellers their own node and
// anything below it.
func (h *ResellerHandler) canSeeReseller(c *fiber.Ctx, id uint) (bool, error) {
	if middleware.GetCurrentRole(c) == models.UserRoleAdmin {
		return true, nil
	}
	own := middleware.GetCurrentResellerID(c)
	if own == nil {
		return false, nil
	}
	if *own == id {
		return true, nil
	}
	return h.billing.IsDescendant(c.UserContext(), *own, id)
}

// List returns resellers. Resellers see their direct sub-resellers.
func (h *ResellerHandler) List(c *fiber.Ctx) error {
	limit, offset := pageParams(c)
	parentID, err := queryUint(c, "parentId")
	if err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) != models.UserRoleAdmin {
		own := middleware.GetCurrentResellerID(c)
		if own == nil {
			return fail(c, h.log, apperr.ErrForbidden)
		}
		if parentID == nil {
			parentID = own
		} else if ok, err := h.canSeeReseller(c, *parentID); err != nil {
			return fail(c, h.log, err)
		} else if !ok {
			return fail(c, h.log, apperr.ErrForbidden)
		}
	}

	resellers, total, err := h.billing.ListResellers(c.UserContext(), parentID, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return paginated(c, resellers, total, limit, offset)
}

// Get returns a single reseller including its cached balance
func (h *ResellerHandler) Get(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return fail(c, h.log, err)
	}
	ok, err := h.canSeeReseller(c, id)
	if err != nil {
		return fail(c, h.log, err)
	}
	if !ok {
		return fail(c, h.log, apperr.ErrForbidden)
	}
	r, err := h.billing.GetReseller(c.UserContext(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	return success(c, r)
}

// Create adds a reseller. Resellers always create below themselves.
func (h *ResellerHandler) Create(c *fiber.Ctx) error {
	var req billing.CreateResellerRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, h.log, err)
	}
	if middleware.GetCurrentRole(c) != models.UserRoleAdmin {
		own := middleware.GetCurrentResellerID(c)
		if own == nil {
			return fail(c, h.log, apperr.ErrForbidden)
		}
		req.ParentID = own
	}

	r, err := h.billing.CreateReseller(c.UserContext(), req)
	if err != nil {
		return fail(c, h.log, err)
	}

	middleware.MarkAudited(c)
	h.audit.Record(middleware.ActorRecord(c, audit.Record{
		Action:     models.AuditActionResellerCreate,
		TargetType: "reseller",
		TargetID:   uintString(r.ID),
		Metadata:   map[string]interface{}{"companyName": r.CompanyName, "parentId": r.ParentID, "depth": r.Depth},
	}))
	return created(c, r)
}
