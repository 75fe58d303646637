// Package billing owns the reseller tree and invoices. Credit movements go
// through the ledger.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/ledger"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

const defaultMaxDepth = 3

type Service struct {
	db     *gorm.DB
	ledger *ledger.Service
	clock  clock.Clock
	logger *zap.Logger
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, ledger: ledgerSvc, clock: clk, logger: logger.Named("billing")}
}

type CreateResellerRequest struct {
	CompanyName string `json:"companyName"`
	ParentID    *uint  `json:"parentId"`
	MaxDepth    int    `json:"maxDepth"`
}

// CreateReseller adds a reseller under ParentID. The depth of the new node
// (root = 1) may not exceed the root's MaxDepth.
func (s *Service) CreateReseller(ctx context.Context, req CreateResellerRequest) (*models.Reseller, error) {
	name := strings.TrimSpace(req.CompanyName)
	if name == "" {
		return nil, apperr.Invalid("companyName", "is required")
	}
	if req.MaxDepth < 0 {
		return nil, apperr.Invalid("maxDepth", "must not be negative")
	}

	reseller := &models.Reseller{
		CompanyName: name,
		ParentID:    req.ParentID,
		MaxDepth:    req.MaxDepth,
		Depth:       1,
		IsActive:    true,
	}
	if reseller.MaxDepth == 0 {
		reseller.MaxDepth = defaultMaxDepth
	}

	if req.ParentID != nil {
		parent, err := s.GetReseller(ctx, *req.ParentID)
		if err != nil {
			return nil, err
		}
		root, err := s.root(ctx, parent)
		if err != nil {
			return nil, err
		}
		reseller.Depth = parent.Depth + 1
		if reseller.Depth > root.MaxDepth {
			return nil, apperr.Invalid("parentId", fmt.Sprintf("maximum reseller depth of %d reached", root.MaxDepth))
		}
		// Sub-resellers inherit the root's bound.
		reseller.MaxDepth = root.MaxDepth
	}

	if err := s.db.WithContext(ctx).Create(reseller).Error; err != nil {
		return nil, fmt.Errorf("create reseller: %w", err)
	}
	s.logger.Info("reseller created", zap.Uint("reseller_id", reseller.ID), zap.Int("depth", reseller.Depth))
	return reseller, nil
}

func (s *Service) root(ctx context.Context, r *models.Reseller) (*models.Reseller, error) {
	current := r
	// Bounded walk: a corrupted cycle must not spin forever.
	for i := 0; current.ParentID != nil && i < 64; i++ {
		parent, err := s.GetReseller(ctx, *current.ParentID)
		if err != nil {
			return nil, err
		}
		current = parent
	}
	return current, nil
}

func (s *Service) GetReseller(ctx context.Context, id uint) (*models.Reseller, error) {
	var r models.Reseller
	err := s.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("reseller %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load reseller: %w", err)
	}
	return &r, nil
}

// ListResellers returns direct children of parentID, or every reseller when
// parentID is nil.
func (s *Service) ListResellers(ctx context.Context, parentID *uint, limit, offset int) ([]models.Reseller, int64, error) {
	limit, offset = normalizePage(limit, offset)
	query := s.db.WithContext(ctx).Model(&models.Reseller{})
	if parentID != nil {
		query = query.Where("parent_id = ?", *parentID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count resellers: %w", err)
	}
	resellers := []models.Reseller{}
	if err := query.Order("id").Limit(limit).Offset(offset).Find(&resellers).Error; err != nil {
		return nil, 0, fmt.Errorf("list resellers: %w", err)
	}
	return resellers, total, nil
}

// IsDescendant reports whether child sits anywhere below ancestor.
func (s *Service) IsDescendant(ctx context.Context, ancestor, child uint) (bool, error) {
	current, err := s.GetReseller(ctx, child)
	if err != nil {
		return false, err
	}
	for i := 0; current.ParentID != nil && i < 64; i++ {
		if *current.ParentID == ancestor {
			return true, nil
		}
		current, err = s.GetReseller(ctx, *current.ParentID)
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
