package sessions

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// Identity is who a certificate common name belongs to and how many
// concurrent connections they may hold. MaxConnections 0 is unlimited.
type Identity struct {
	UserID         uint
	MaxConnections int
}

// Resolver maps a connecting common name to its owner, rejecting revoked
// certificates and unusable entitlements.
type Resolver interface {
	Resolve(ctx context.Context, commonName string) (*Identity, error)
}

type DBResolver struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewDBResolver(db *gorm.DB, clk clock.Clock) *DBResolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DBResolver{db: db, clock: clk}
}

func (r *DBResolver) Resolve(ctx context.Context, commonName string) (*Identity, error) {
	var cert models.Certificate
	err := r.db.WithContext(ctx).Where("common_name = ?", commonName).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("certificate")
	}
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	if cert.Revoked() {
		return nil, fmt.Errorf("certificate %s is revoked: %w", commonName, apperr.ErrForbidden)
	}

	var ent models.Entitlement
	err = r.db.WithContext(ctx).Where("user_id = ?", cert.UserID).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %d has no entitlement: %w", cert.UserID, apperr.ErrForbidden)
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}
	if !ent.Usable(r.clock.Now()) {
		return nil, fmt.Errorf("entitlement of user %d is inactive or expired: %w", cert.UserID, apperr.ErrForbidden)
	}

	return &Identity{UserID: cert.UserID, MaxConnections: ent.MaxConnections}, nil
}
