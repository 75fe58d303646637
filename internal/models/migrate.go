package models

import (
	"fmt"

	"gorm.io/gorm"
)

// All lists every persisted model in dependency order.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Reseller{},
		&CreditLedgerEntry{},
		&Invoice{},
		&VpnNode{},
		&Certificate{},
		&Entitlement{},
		&Session{},
		&CrlState{},
		&AuditLogEntry{},
	}
}

// AutoMigrate creates or updates the schema for all models
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Older schemas kept deleted hostnames reserved.
	if db.Migrator().HasIndex(&VpnNode{}, "idx_vpn_nodes_hostname") {
		if err := db.Migrator().DropIndex(&VpnNode{}, "idx_vpn_nodes_hostname"); err != nil {
			return fmt.Errorf("drop hostname index: %w", err)
		}
	}
	return nil
}
