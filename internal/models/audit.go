package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit actions recorded by the control plane. Action is free-form; these are
// the verbs the services emit themselves.
const (
	AuditActionCreditsAdd        = "credits.add"
	AuditActionCreditsDeduct     = "credits.deduct"
	AuditActionCreditsRefund     = "credits.refund"
	AuditActionCreditsTransfer   = "credits.transfer"
	AuditActionSessionKick       = "session.kick"
	AuditActionNodeCreate        = "vpn_node.create"
	AuditActionNodeUpdate        = "vpn_node.update"
	AuditActionNodeDelete        = "vpn_node.delete"
	AuditActionInvoiceCreate     = "invoice.create"
	AuditActionInvoicePay        = "invoice.pay"
	AuditActionInvoiceCancel     = "invoice.cancel"
	AuditActionResellerCreate    = "reseller.create"
	AuditActionCrlPublish        = "crl.publish"
	AuditActionCertRevoke        = "certificate.revoke"
	AuditActionEntitlementUpdate = "entitlement.update"
	AuditActionEntitlementOff    = "entitlement.deactivate"
	AuditActionLogin             = "auth.login"
	AuditActionLogout            = "auth.logout"
	AuditActionAuditClear        = "audit.clear"
)

// AuditLogEntry represents one privileged action. ActorID nil means system.
type AuditLogEntry struct {
	ID         uint           `gorm:"column:id;primaryKey" json:"id"`
	ActorID    *uint          `gorm:"column:actor_id;index" json:"actorId"`
	ActorRole  *UserRole      `gorm:"column:actor_role;index" json:"actorRole,omitempty"`
	Action     string         `gorm:"column:action;size:100;not null;index" json:"action"`
	TargetType string         `gorm:"column:target_type;size:50;index" json:"targetType"`
	TargetID   string         `gorm:"column:target_id;size:100" json:"targetId"`
	IPAddress  string         `gorm:"column:ip_address;size:50" json:"ipAddress"`
	Metadata   datatypes.JSON `gorm:"column:metadata" json:"metadata"`
	CreatedAt  time.Time      `gorm:"column:created_at;index" json:"createdAt"`
}

func (AuditLogEntry) TableName() string {
	return "audit_log_entries"
}
