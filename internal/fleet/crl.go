package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/agent"
	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

const crlStateID = 1

func (r *Registry) currentCrl(ctx context.Context) (*models.CrlState, error) {
	var state models.CrlState
	err := r.db.WithContext(ctx).First(&state, crlStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CrlState{ID: crlStateID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load crl: %w", err)
	}
	return &state, nil
}

// CurrentCrlVersion returns the platform CRL version, zero before the first
// publish.
func (r *Registry) CurrentCrlVersion(ctx context.Context) (int64, error) {
	state, err := r.currentCrl(ctx)
	if err != nil {
		return 0, err
	}
	return state.Version, nil
}

func (r *Registry) CurrentCrl(ctx context.Context) (*models.CrlState, error) {
	return r.currentCrl(ctx)
}

// PublishCrl stores a new CRL and pushes it to every online node. The version
// must strictly increase.
func (r *Registry) PublishCrl(ctx context.Context, pem string, version int64) (int, error) {
	if strings.TrimSpace(pem) == "" {
		return 0, apperr.Invalid("crlPem", "is required")
	}
	if version <= 0 {
		return 0, apperr.Invalid("crlVersion", "must be positive")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.CrlState
		err := tx.First(&state, crlStateID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&models.CrlState{ID: crlStateID, Version: version, Pem: pem, UpdatedAt: r.clock.Now()}).Error
		case err != nil:
			return fmt.Errorf("load crl: %w", err)
		}

		res := tx.Model(&models.CrlState{}).
			Where("id = ? AND version < ?", crlStateID, version).
			Updates(map[string]interface{}{"version": version, "pem": pem, "updated_at": r.clock.Now()})
		if res.Error != nil {
			return fmt.Errorf("store crl: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("crl version %d is not newer than %d: %w", version, state.Version, apperr.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	nodes, err := r.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, node := range nodes {
		if !node.Online || r.dispatch == nil {
			continue
		}
		r.dispatch.PushCrl(node, agent.CrlCommand{CrlPem: pem, CrlVersion: version})
		pushed++
	}

	r.logger.Info("crl published", zap.Int64("version", version), zap.Int("pushed", pushed))
	return pushed, nil
}
