package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// EntitlementInput updates a user's package. Nil fields keep their current
// value, or the column default on first write.
type EntitlementInput struct {
	MaxConnections *int       `json:"maxConnections"`
	MaxDevices     *int       `json:"maxDevices"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	IsActive       *bool      `json:"isActive"`
}

// Entitlements manages certificates and packages. Revocation and
// deactivation kick the affected sessions through the tracker.
type Entitlements struct {
	db      *gorm.DB
	clock   clock.Clock
	tracker *Tracker
	logger  *zap.Logger
}

func NewEntitlements(db *gorm.DB, clk clock.Clock, tracker *Tracker, logger *zap.Logger) *Entitlements {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Entitlements{db: db, clock: clk, tracker: tracker, logger: logger.Named("entitlements")}
}

func (e *Entitlements) requireUser(ctx context.Context, userID uint) error {
	var count int64
	if err := e.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if count == 0 {
		return apperr.NotFound("user")
	}
	return nil
}

func (e *Entitlements) Get(ctx context.Context, userID uint) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := e.db.WithContext(ctx).Where("user_id = ?", userID).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("entitlement")
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	return &ent, nil
}

// Upsert creates or updates the entitlement of userID. Lowering
// maxConnections does not kick anyone; the limit applies on the next connect.
func (e *Entitlements) Upsert(ctx context.Context, userID uint, in EntitlementInput) (*models.Entitlement, error) {
	if in.MaxConnections != nil && *in.MaxConnections < 0 {
		return nil, apperr.Invalid("maxConnections", "must not be negative")
	}
	if in.MaxDevices != nil && *in.MaxDevices < 0 {
		return nil, apperr.Invalid("maxDevices", "must not be negative")
	}
	if err := e.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{"updated_at": e.clock.Now()}
	if in.MaxConnections != nil {
		updates["max_connections"] = *in.MaxConnections
	}
	if in.MaxDevices != nil {
		updates["max_devices"] = *in.MaxDevices
	}
	if in.ExpiresAt != nil {
		updates["expires_at"] = *in.ExpiresAt
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}

	var ent models.Entitlement
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&ent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ent = models.Entitlement{UserID: userID, MaxConnections: 1, MaxDevices: 1, IsActive: true}
			if err := tx.Create(&ent).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		// Map updates so zero values (unlimited, inactive) are written.
		if err := tx.Model(&models.Entitlement{}).Where("id = ?", ent.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&ent, ent.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save entitlement: %w", err)
	}

	e.logger.Info("entitlement saved", zap.Uint("user_id", userID), zap.Int("max_connections", ent.MaxConnections), zap.Bool("active", ent.IsActive))
	return &ent, nil
}

// Deactivate turns the entitlement off and kicks every active session of the
// user.
func (e *Entitlements) Deactivate(ctx context.Context, userID uint) (*models.Entitlement, int, error) {
	res := e.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"is_active": false, "updated_at": e.clock.Now()})
	if res.Error != nil {
		return nil, 0, fmt.Errorf("deactivate entitlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, 0, apperr.NotFound("entitlement")
	}

	kicked, err := e.tracker.KickUser(ctx, userID, models.KickReasonEntitlementDeactivated)
	if err != nil {
		return nil, kicked, err
	}
	ent, err := e.Get(ctx, userID)
	if err != nil {
		return nil, kicked, err
	}

	e.logger.Info("entitlement deactivated", zap.Uint("user_id", userID), zap.Int("kicked", kicked))
	return ent, kicked, nil
}

// IssueCertificate binds commonName to userID.
func (e *Entitlements) IssueCertificate(ctx context.Context, commonName string, userID uint) (*models.Certificate, error) {
	commonName = strings.TrimSpace(commonName)
	if commonName == "" {
		return nil, apperr.Invalid("commonName", "is required")
	}
	if err := e.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	var existing int64
	if err := e.db.WithContext(ctx).Model(&models.Certificate{}).Where("common_name = ?", commonName).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("check certificate: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("certificate %s already exists: %w", commonName, apperr.ErrConflict)
	}

	cert := &models.Certificate{CommonName: commonName, UserID: userID, CreatedAt: e.clock.Now()}
	if err := e.db.WithContext(ctx).Create(cert).Error; err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return cert, nil
}

func (e *Entitlements) ListCertificates(ctx context.Context, userID *uint) ([]models.Certificate, error) {
	q := e.db.WithContext(ctx).Order("id")
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	certs := []models.Certificate{}
	if err := q.Find(&certs).Error; err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

// RevokeCertificate marks commonName revoked and kicks its active session.
// Revoking twice is a no-op.
func (e *Entitlements) RevokeCertificate(ctx context.Context, commonName string) (*models.Certificate, *models.Session, error) {
	var cert models.Certificate
	err := e.db.WithContext(ctx).Where("common_name = ?", commonName).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, apperr.NotFound("certificate")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load certificate: %w", err)
	}

	if !cert.Revoked() {
		now := e.clock.Now()
		err := e.db.WithContext(ctx).Model(&models.Certificate{}).
			Where("id = ? AND revoked_at IS NULL", cert.ID).
			Update("revoked_at", now).Error
		if err != nil {
			return nil, nil, fmt.Errorf("revoke certificate: %w", err)
		}
		cert.RevokedAt = &now
		e.logger.Info("certificate revoked", zap.String("common_name", commonName), zap.Uint("user_id", cert.UserID))
	}

	sess, err := e.tracker.KickCommonName(ctx, commonName, models.KickReasonCertRevoked)
	if err != nil {
		return &cert, nil, err
	}
	return &cert, sess, nil
}
