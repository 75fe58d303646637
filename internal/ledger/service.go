// Package ledger keeps the append-only credit ledger of each reseller. Every
// mutation appends entries and updates the cached balance in one transaction
// while holding the reseller's write lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Guard runs inside the posting transaction before the entry is written.
// Returning an error aborts the posting.
type Guard func(tx *gorm.DB) error

// Posting describes a single-reseller mutation.
type Posting struct {
	ResellerID  uint
	Amount      int64
	Description string
	ActorID     *uint
	Guard       Guard
}

// TransferRequest moves credits between two resellers.
type TransferRequest struct {
	FromResellerID uint
	ToResellerID   uint
	Amount         int64
	Description    string
	ActorID        *uint
}

type TransferResult struct {
	FromBalance int64  `json:"fromBalance"`
	ToBalance   int64  `json:"toBalance"`
	Reference   string `json:"reference"`
}

// Filter narrows the global ledger view.
type Filter struct {
	Type       models.LedgerEntryType
	ResellerID uint
}

type Service struct {
	db      *gorm.DB
	locker  Locker
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(db *gorm.DB, locker Locker, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:      db,
		locker:  locker,
		clock:   clk,
		logger:  logger.Named("ledger"),
		metrics: m,
	}
}

func (s *Service) AddCredits(ctx context.Context, p Posting) (int64, error) {
	return s.post(ctx, p, models.LedgerEntryAdd, p.Amount)
}

// DeductCredits fails with ErrInsufficientBalance, writing nothing, when the
// balance would go negative.
func (s *Service) DeductCredits(ctx context.Context, p Posting) (int64, error) {
	return s.post(ctx, p, models.LedgerEntryDeduct, -p.Amount)
}

func (s *Service) Refund(ctx context.Context, p Posting) (int64, error) {
	return s.post(ctx, p, models.LedgerEntryRefund, p.Amount)
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return apperr.Invalid("amount", "must be a positive integer")
	}
	return nil
}

func (s *Service) post(ctx context.Context, p Posting, entryType models.LedgerEntryType, delta int64) (int64, error) {
	if err := validateAmount(p.Amount); err != nil {
		return 0, err
	}
	if p.ResellerID == 0 {
		return 0, apperr.Invalid("resellerId", "is required")
	}

	unlock, err := s.locker.Lock(ctx, p.ResellerID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var balance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.Guard != nil {
			if err := p.Guard(tx); err != nil {
				return err
			}
		}
		entry, err := s.appendEntry(tx, p.ResellerID, entryType, p.Amount, delta, p.Description, "", p.ActorID)
		if err != nil {
			return err
		}
		balance = entry.BalanceAfter
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.LedgerRejection()
			s.logger.Info("deduction rejected",
				zap.Uint("reseller_id", p.ResellerID),
				zap.Int64("amount", p.Amount))
		}
		return 0, err
	}

	s.metrics.LedgerPosting(string(entryType))
	s.logger.Debug("ledger posting",
		zap.Uint("reseller_id", p.ResellerID),
		zap.String("type", string(entryType)),
		zap.Int64("delta", delta),
		zap.Int64("balance", balance))
	return balance, nil
}

// Transfer appends a TRANSFER-out entry on the source and a TRANSFER-in entry
// on the destination sharing one reference. Locks are taken in id order.
// Both entries have type TRANSFER; readers of history get the direction from
// the sign of Delta, not from Type.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromResellerID == 0 || req.ToResellerID == 0 {
		return nil, apperr.Invalid("resellerId", "source and destination are required")
	}
	if req.FromResellerID == req.ToResellerID {
		return nil, apperr.Invalid("toResellerId", "must differ from source")
	}

	first, second := req.FromResellerID, req.ToResellerID
	if second < first {
		first, second = second, first
	}
	unlockFirst, err := s.locker.Lock(ctx, first)
	if err != nil {
		return nil, err
	}
	defer unlockFirst()
	unlockSecond, err := s.locker.Lock(ctx, second)
	if err != nil {
		return nil, err
	}
	defer unlockSecond()

	result := &TransferResult{Reference: uuid.NewString()}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = fmt.Sprintf("transfer %d -> %d", req.FromResellerID, req.ToResellerID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, err := s.appendEntry(tx, req.FromResellerID, models.LedgerEntryTransfer, req.Amount, -req.Amount, desc, result.Reference, req.ActorID)
		if err != nil {
			return err
		}
		in, err := s.appendEntry(tx, req.ToResellerID, models.LedgerEntryTransfer, req.Amount, req.Amount, desc, result.Reference, req.ActorID)
		if err != nil {
			return err
		}
		result.FromBalance = out.BalanceAfter
		result.ToBalance = in.BalanceAfter
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.LedgerRejection()
		}
		return nil, err
	}

	s.metrics.LedgerPosting(string(models.LedgerEntryTransfer))
	s.logger.Info("credits transferred",
		zap.Uint("from", req.FromResellerID),
		zap.Uint("to", req.ToResellerID),
		zap.Int64("amount", req.Amount),
		zap.String("reference", result.Reference))
	return result, nil
}

// appendEntry must run inside a transaction while the reseller lock is held.
func (s *Service) appendEntry(tx *gorm.DB, resellerID uint, entryType models.LedgerEntryType, amount, delta int64, description, reference string, actorID *uint) (*models.CreditLedgerEntry, error) {
	var reseller models.Reseller
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "credit_balance").
		First(&reseller, resellerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("reseller %d", resellerID))
	}
	if err != nil {
		return nil, fmt.Errorf("load reseller: %w", err)
	}

	balance := reseller.CreditBalance + delta
	if balance < 0 {
		return nil, ErrInsufficientBalance
	}

	entry := &models.CreditLedgerEntry{
		ResellerID:   resellerID,
		Type:         entryType,
		Amount:       amount,
		Delta:        delta,
		BalanceAfter: balance,
		Description:  description,
		Reference:    reference,
		CreatedBy:    actorID,
		CreatedAt:    s.clock.Now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	if err := tx.Model(&models.Reseller{}).
		Where("id = ?", resellerID).
		Update("credit_balance", balance).Error; err != nil {
		return nil, fmt.Errorf("update cached balance: %w", err)
	}
	return entry, nil
}

// Balance returns balanceAfter of the newest entry, or zero without entries.
func (s *Service) Balance(ctx context.Context, resellerID uint) (int64, error) {
	if err := s.ensureReseller(ctx, resellerID); err != nil {
		return 0, err
	}

	var entry models.CreditLedgerEntry
	err := s.db.WithContext(ctx).
		Where("reseller_id = ?", resellerID).
		Order("id DESC").
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return 0, fmt.Errorf("load latest entry: %w", err)
	}
	if entry.ID == 0 {
		return 0, nil
	}
	return entry.BalanceAfter, nil
}

// Fold recomputes the balance from the sum of signed deltas.
func (s *Service) Fold(ctx context.Context, resellerID uint) (int64, error) {
	var sum int64
	err := s.db.WithContext(ctx).
		Model(&models.CreditLedgerEntry{}).
		Where("reseller_id = ?", resellerID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("fold ledger: %w", err)
	}
	return sum, nil
}

// History returns a page of the reseller's entries, newest first.
func (s *Service) History(ctx context.Context, resellerID uint, limit, offset int) ([]models.CreditLedgerEntry, int64, error) {
	if err := s.ensureReseller(ctx, resellerID); err != nil {
		return nil, 0, err
	}
	return s.page(ctx, Filter{ResellerID: resellerID}, limit, offset)
}

// Logs returns a page across all resellers, newest first.
func (s *Service) Logs(ctx context.Context, filter Filter, limit, offset int) ([]models.CreditLedgerEntry, int64, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, 0, apperr.Invalid("type", "must be one of ADD, DEDUCT, REFUND, TRANSFER")
	}
	return s.page(ctx, filter, limit, offset)
}

func (s *Service) page(ctx context.Context, filter Filter, limit, offset int) ([]models.CreditLedgerEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&models.CreditLedgerEntry{})
	if filter.ResellerID != 0 {
		query = query.Where("reseller_id = ?", filter.ResellerID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count ledger entries: %w", err)
	}

	entries := []models.CreditLedgerEntry{}
	err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, total, nil
}

func (s *Service) ensureReseller(ctx context.Context, resellerID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Reseller{}).Where("id = ?", resellerID).Count(&count).Error; err != nil {
		return fmt.Errorf("load reseller: %w", err)
	}
	if count == 0 {
		return apperr.NotFound(fmt.Sprintf("reseller %d", resellerID))
	}
	return nil
}
