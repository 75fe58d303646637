package models

import (
	"time"

	"gorm.io/gorm"
)

// OnlineThreshold is how long a node stays online after its last heartbeat
// (3x the agent heartbeat interval).
const OnlineThreshold = 90 * time.Second

// VpnNode represents a VPN server running a node agent
type VpnNode struct {
	ID       uint   `gorm:"column:id;primaryKey" json:"id"`
	Name     string `gorm:"column:name;size:100;not null" json:"name"`
	Hostname string `gorm:"column:hostname;size:255;not null;uniqueIndex:idx_vpn_nodes_live_hostname,where:deleted_at IS NULL" json:"hostname"`

	// Ports
	Port      int `gorm:"column:port;default:1194" json:"port"`
	AgentPort int `gorm:"column:agent_port;default:8443" json:"agentPort"`
	MgmtPort  int `gorm:"column:mgmt_port;default:7505" json:"mgmtPort"`

	// Agent credentials
	AgentToken    string `gorm:"column:agent_token;size:64;uniqueIndex" json:"-"`
	HasAgentToken bool   `gorm:"-" json:"hasAgentToken"`

	// Status. LastHeartbeatAt is the server receive time; LastHeartbeatSentAt
	// is the agent's own timestamp and only orders reports.
	IsActive            bool       `gorm:"column:is_active;default:true" json:"isActive"`
	LastHeartbeatAt     *time.Time `gorm:"column:last_heartbeat_at" json:"lastHeartbeatAt"`
	LastHeartbeatSentAt *time.Time `gorm:"column:last_heartbeat_sent_at" json:"-"`
	CrlVersion          int64      `gorm:"column:crl_version;default:0" json:"crlVersion"`
	ActiveConnections   int        `gorm:"column:active_connections;default:0" json:"activeConnections"`
	Online              bool       `gorm:"-" json:"online"`

	// Timestamps
	CreatedAt time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (VpnNode) TableName() string {
	return "vpn_nodes"
}

// IsOnline reports whether the last heartbeat is strictly inside the online
// window at now. A node that never heartbeated is offline.
func (n *VpnNode) IsOnline(now time.Time) bool {
	if n.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*n.LastHeartbeatAt) < OnlineThreshold
}
