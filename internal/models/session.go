package models

import (
	"time"
)

// KickReason is why a session was forcibly terminated
type KickReason string

const (
	KickReasonConcurrency            KickReason = "concurrency"
	KickReasonManual                 KickReason = "manual"
	KickReasonCertRevoked            KickReason = "cert_revoked"
	KickReasonEntitlementDeactivated KickReason = "entitlement_deactivated"
)

func (r KickReason) Valid() bool {
	switch r {
	case KickReasonConcurrency, KickReasonManual, KickReasonCertRevoked, KickReasonEntitlementDeactivated:
		return true
	}
	return false
}

// CloseReason records how a session left the active state
type CloseReason string

const (
	CloseReasonDisconnect         CloseReason = "disconnect"
	CloseReasonKick               CloseReason = "kick"
	CloseReasonImplicitDisconnect CloseReason = "implicit_disconnect"
)

// Session represents one VPN client connection. DisconnectedAt nil means active.
type Session struct {
	ID             uint         `gorm:"column:id;primaryKey" json:"id"`
	CommonName     string       `gorm:"column:common_name;size:255;not null;index" json:"commonName"`
	UserID         uint         `gorm:"column:user_id;not null;index" json:"userId"`
	VpnNodeID      uint         `gorm:"column:vpn_node_id;not null;index" json:"vpnNodeId"`
	RealAddress    string       `gorm:"column:real_address;size:100" json:"realAddress"`
	ConnectedAt    time.Time    `gorm:"column:connected_at;not null;index" json:"connectedAt"`
	DisconnectedAt *time.Time   `gorm:"column:disconnected_at;index" json:"disconnectedAt"`
	BytesReceived  int64        `gorm:"column:bytes_received;default:0" json:"bytesReceived"`
	BytesSent      int64        `gorm:"column:bytes_sent;default:0" json:"bytesSent"`
	KickedReason   *KickReason  `gorm:"column:kicked_reason;size:40" json:"kickedReason"`
	CloseReason    *CloseReason `gorm:"column:close_reason;size:40" json:"closeReason"`
}

func (Session) TableName() string {
	return "vpn_sessions"
}

func (s *Session) Active() bool {
	return s.DisconnectedAt == nil
}
