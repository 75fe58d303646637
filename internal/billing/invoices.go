package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

var ErrInvalidTransition = errors.New("invalid invoice transition")

func (s *Service) CreateInvoice(ctx context.Context, resellerID uint, amountCents int64) (*models.Invoice, error) {
	if amountCents <= 0 {
		return nil, apperr.Invalid("amountCents", "must be a positive integer")
	}
	if _, err := s.GetReseller(ctx, resellerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	inv := &models.Invoice{
		ResellerID:  resellerID,
		AmountCents: amountCents,
		Status:      models.InvoiceStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uint) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).First(&inv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("invoice %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	return &inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, resellerID *uint, status models.InvoiceStatus, limit, offset int) ([]models.Invoice, int64, error) {
	limit, offset = normalizePage(limit, offset)
	query := s.db.WithContext(ctx).Model(&models.Invoice{})
	if resellerID != nil {
		query = query.Where("reseller_id = ?", *resellerID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}
	invoices := []models.Invoice{}
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&invoices).Error; err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, total, nil
}

// PayInvoice marks a PENDING invoice PAID and credits the reseller with
// amountCents in the same transaction. Returns the reseller's new balance.
func (s *Service) PayInvoice(ctx context.Context, id uint, actorID *uint) (*models.Invoice, int64, error) {
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if inv.Status != models.InvoiceStatusPending {
		return nil, 0, fmt.Errorf("pay %s invoice: %w", inv.Status, ErrInvalidTransition)
	}

	now := s.clock.Now()
	balance, err := s.ledger.AddCredits(ctx, ledger.Posting{
		ResellerID:  inv.ResellerID,
		Amount:      inv.AmountCents,
		Description: fmt.Sprintf("invoice #%d paid", inv.ID),
		ActorID:     actorID,
		Guard: func(tx *gorm.DB) error {
			return transition(tx, inv.ID, models.InvoiceStatusPaid, map[string]interface{}{
				"status":     models.InvoiceStatusPaid,
				"paid_at":    now,
				"updated_at": now,
			})
		},
	})
	if err != nil {
		return nil, 0, err
	}

	inv.Status = models.InvoiceStatusPaid
	inv.PaidAt = &now
	inv.UpdatedAt = now
	s.logger.Info("invoice paid", zap.Uint("invoice_id", inv.ID), zap.Uint("reseller_id", inv.ResellerID), zap.Int64("balance", balance))
	return inv, balance, nil
}

func (s *Service) CancelInvoice(ctx context.Context, id uint) (*models.Invoice, error) {
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return transition(tx, id, models.InvoiceStatusCancelled, map[string]interface{}{
			"status":       models.InvoiceStatusCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		})
	})
	if err != nil {
		return nil, err
	}

	inv.Status = models.InvoiceStatusCancelled
	inv.CancelledAt = &now
	inv.UpdatedAt = now
	return inv, nil
}

// transition applies a conditional PENDING -> target update so concurrent
// pay/cancel calls cannot both win.
func transition(tx *gorm.DB, id uint, target models.InvoiceStatus, updates map[string]interface{}) error {
	res := tx.Model(&models.Invoice{}).
		Where("id = ? AND status = ?", id, models.InvoiceStatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update invoice: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("move invoice to %s: %w", target, ErrInvalidTransition)
	}
	return nil
}
