package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/billing"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// InsufficientBalanceMessage is shown inline by the panel when a deduction
// or transfer would overdraw a reseller.
const InsufficientBalanceMessage = "Insufficient balance for this deduction"

func success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func paginated(c *fiber.Ctx, data interface{}, total int64, limit, offset int) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"meta": fiber.Map{
			"limit":  limit,
			"offset": offset,
			"total":  total,
		},
	})
}

func message(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": msg,
	})
}

// fail maps service errors onto HTTP statuses. Unexpected errors are logged
// and reported without detail.
func fail(c *fiber.Ctx, log *zap.Logger, err error) error {
	var verr *apperr.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": verr.Error(),
			"field":   verr.Field,
		})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return message(c, fiber.StatusUnprocessableEntity, InsufficientBalanceMessage)
	case errors.Is(err, apperr.ErrNotFound):
		return message(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, apperr.ErrForbidden):
		return message(c, fiber.StatusForbidden, "Access denied")
	case errors.Is(err, apperr.ErrConflict), errors.Is(err, billing.ErrInvalidTransition):
		return message(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrLockTimeout):
		return message(c, fiber.StatusServiceUnavailable, "Ledger busy, please retry")
	}

	log.Error("request failed",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Error(err))
	return message(c, fiber.StatusInternalServerError, "Internal server error")
}

// pageParams reads limit/offset, accepting page as an alternative to offset.
func pageParams(c *fiber.Ctx) (int, int) {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := c.QueryInt("offset", 0)
	if page := c.QueryInt("page", 0); page > 0 && c.Query("offset") == "" {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.Invalid(name, "must be a positive integer")
	}
	return uint(id), nil
}

// queryUint returns nil when the parameter is absent.
func queryUint(c *fiber.Ctx, name string) (*uint, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, apperr.Invalid(name, "must be a positive integer")
	}
	id := uint(v)
	return &id, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func queryTime(c *fiber.Ctx, name string, endOfDay bool) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, apperr.Invalid(name, "must be a date or RFC 3339 timestamp")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseBody(c *fiber.Ctx, dest interface{}) error {
	if err := c.BodyParser(dest); err != nil {
		return apperr.Invalid("body", "invalid request body")
	}
	return nil
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
