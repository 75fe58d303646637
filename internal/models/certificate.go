package models

import (
	"time"
)

// Certificate maps a client certificate common name to its owner
type Certificate struct {
	ID         uint       `gorm:"column:id;primaryKey" json:"id"`
	CommonName string     `gorm:"column:common_name;size:255;not null;uniqueIndex" json:"commonName"`
	UserID     uint       `gorm:"column:user_id;not null;index" json:"userId"`
	RevokedAt  *time.Time `gorm:"column:revoked_at" json:"revokedAt"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"createdAt"`
}

func (c *Certificate) Revoked() bool {
	return c.RevokedAt != nil
}

// Entitlement is a user's package: connection limits and expiry.
// MaxConnections 0 means unlimited.
type Entitlement struct {
	ID             uint       `gorm:"column:id;primaryKey" json:"id"`
	UserID         uint       `gorm:"column:user_id;not null;uniqueIndex" json:"userId"`
	MaxConnections int        `gorm:"column:max_connections;default:1" json:"maxConnections"`
	MaxDevices     int        `gorm:"column:max_devices;default:1" json:"maxDevices"`
	ExpiresAt      *time.Time `gorm:"column:expires_at" json:"expiresAt"`
	IsActive       bool       `gorm:"column:is_active;default:true" json:"isActive"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

// Usable reports whether the entitlement admits new connections at now.
func (e *Entitlement) Usable(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// CrlState holds the platform CRL. There is a single row with ID 1.
type CrlState struct {
	ID        uint      `gorm:"column:id;primaryKey" json:"id"`
	Version   int64     `gorm:"column:version;not null;default:0" json:"version"`
	Pem       string    `gorm:"column:pem;type:text" json:"pem"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Certificate) TableName() string {
	return "certificates"
}

func (Entitlement) TableName() string {
	return "entitlements"
}

func (CrlState) TableName() string {
	return "crl_state"
}
