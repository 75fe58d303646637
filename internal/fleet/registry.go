// Package fleet tracks VPN nodes and their liveness. Online is never stored:
// it is derived from lastHeartbeatAt at read time.
package fleet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/agent"
	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/telemetry"
)

// Heartbeat is the body a node agent pushes on every interval.
type Heartbeat struct {
	CrlVersion        int64      `json:"crlVersion"`
	ActiveConnections int        `json:"activeConnections"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	CPUPercent        float64    `json:"cpuPercent"`
	MemPercent        float64    `json:"memPercent"`
	NetRxBps          float64    `json:"netRxBps"`
	NetTxBps          float64    `json:"netTxBps"`
	VpnRxBps          float64    `json:"vpnRxBps"`
	VpnTxBps          float64    `json:"vpnTxBps"`
}

type HeartbeatAck struct {
	ServerTime        time.Time `json:"serverTime"`
	CurrentCrlVersion int64     `json:"currentCrlVersion"`
	CrlPushQueued     bool      `json:"crlPushQueued"`
}

// NodeInput carries the admin-editable identity fields. Nil pointers are
// left unchanged on update.
type NodeInput struct {
	Name      *string `json:"name"`
	Hostname  *string `json:"hostname"`
	Port      *int    `json:"port"`
	AgentPort *int    `json:"agentPort"`
	MgmtPort  *int    `json:"mgmtPort"`
	IsActive  *bool   `json:"isActive"`
}

type Registry struct {
	db         *gorm.DB
	clock      clock.Clock
	aggregator *telemetry.Aggregator
	dispatch   *agent.Async
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type RegistryParams struct {
	DB         *gorm.DB
	Clock      clock.Clock
	Aggregator *telemetry.Aggregator
	Dispatch   *agent.Async
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func NewRegistry(p RegistryParams) *Registry {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Registry{
		db:         p.DB,
		clock:      p.Clock,
		aggregator: p.Aggregator,
		dispatch:   p.Dispatch,
		logger:     p.Logger.Named("fleet"),
		metrics:    p.Metrics,
	}
}

func generateAgentToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validatePort(field string, p *int) error {
	if p != nil && (*p < 1 || *p > 65535) {
		return apperr.Invalid(field, "must be between 1 and 65535")
	}
	return nil
}

func (in NodeInput) validate(create bool) error {
	if create || in.Name != nil {
		if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
			return apperr.Invalid("name", "is required")
		}
	}
	if create || in.Hostname != nil {
		if in.Hostname == nil || strings.TrimSpace(*in.Hostname) == "" {
			return apperr.Invalid("hostname", "is required")
		}
	}
	for field, p := range map[string]*int{"port": in.Port, "agentPort": in.AgentPort, "mgmtPort": in.MgmtPort} {
		if err := validatePort(field, p); err != nil {
			return err
		}
	}
	return nil
}

// CreateNode registers a node and returns it with its agent token. The token
// is only ever returned here.
func (r *Registry) CreateNode(ctx context.Context, in NodeInput) (*models.VpnNode, string, error) {
	if err := in.validate(true); err != nil {
		return nil, "", err
	}

	token, err := generateAgentToken()
	if err != nil {
		return nil, "", fmt.Errorf("generate agent token: %w", err)
	}

	node := &models.VpnNode{
		Name:       strings.TrimSpace(*in.Name),
		Hostname:   strings.TrimSpace(*in.Hostname),
		Port:       1194,
		AgentPort:  8443,
		MgmtPort:   7505,
		IsActive:   true,
		AgentToken: token,
	}
	if in.Port != nil {
		node.Port = *in.Port
	}
	if in.AgentPort != nil {
		node.AgentPort = *in.AgentPort
	}
	if in.MgmtPort != nil {
		node.MgmtPort = *in.MgmtPort
	}

	if err := r.ensureHostnameFree(ctx, node.Hostname, 0); err != nil {
		return nil, "", err
	}
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return nil, "", fmt.Errorf("create node: %w", err)
	}
	// IsActive false must be written explicitly; gorm skips zero values that
	// carry a column default.
	if in.IsActive != nil && !*in.IsActive {
		if err := r.db.WithContext(ctx).Model(node).Update("is_active", false).Error; err != nil {
			return nil, "", fmt.Errorf("create node: %w", err)
		}
		node.IsActive = false
	}

	r.decorate(node, r.clock.Now())
	r.logger.Info("node created", zap.Uint("node_id", node.ID), zap.String("hostname", node.Hostname))
	return node, token, nil
}

// UpdateNode changes identity fields only; liveness is owned by heartbeats.
func (r *Registry) UpdateNode(ctx context.Context, id uint, in NodeInput) (*models.VpnNode, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	if _, err := r.GetNode(ctx, id); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		updates["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Hostname != nil {
		hostname := strings.TrimSpace(*in.Hostname)
		if err := r.ensureHostnameFree(ctx, hostname, id); err != nil {
			return nil, err
		}
		updates["hostname"] = hostname
	}
	if in.Port != nil {
		updates["port"] = *in.Port
	}
	if in.AgentPort != nil {
		updates["agent_port"] = *in.AgentPort
	}
	if in.MgmtPort != nil {
		updates["mgmt_port"] = *in.MgmtPort
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
	}

	if len(updates) > 0 {
		if err := r.db.WithContext(ctx).Model(&models.VpnNode{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
	}
	return r.GetNode(ctx, id)
}

// ensureHostnameFree rejects a hostname held by another live node. Deleted
// nodes release their hostname.
func (r *Registry) ensureHostnameFree(ctx context.Context, hostname string, exceptID uint) error {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.VpnNode{}).
		Where("hostname = ? AND id <> ?", hostname, exceptID).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check hostname: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("hostname %q already registered: %w", hostname, apperr.ErrConflict)
	}
	return nil
}

func (r *Registry) DeleteNode(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&models.VpnNode{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete node: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound(fmt.Sprintf("vpn node %d", id))
	}
	if r.aggregator != nil {
		r.aggregator.Forget(id)
	}
	r.logger.Info("node deleted", zap.Uint("node_id", id))
	return nil
}

func (r *Registry) GetNode(ctx context.Context, id uint) (*models.VpnNode, error) {
	var node models.VpnNode
	err := r.db.WithContext(ctx).First(&node, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("vpn node %d", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	r.decorate(&node, r.clock.Now())
	return &node, nil
}

// ListNodes returns every node with Online computed against the current clock.
func (r *Registry) ListNodes(ctx context.Context) ([]models.VpnNode, error) {
	nodes := []models.VpnNode{}
	if err := r.db.WithContext(ctx).Order("id").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	now := r.clock.Now()
	online := 0
	for i := range nodes {
		r.decorate(&nodes[i], now)
		if nodes[i].Online {
			online++
		}
	}
	r.metrics.SetOnlineNodes(online)
	return nodes, nil
}

// IsOnline reports now - lastHeartbeatAt < 90s for the node.
func (r *Registry) IsOnline(ctx context.Context, id uint) (bool, error) {
	node, err := r.GetNode(ctx, id)
	if err != nil {
		return false, err
	}
	return node.Online, nil
}

func (r *Registry) decorate(node *models.VpnNode, now time.Time) {
	node.Online = node.IsOnline(now)
	node.HasAgentToken = node.AgentToken != ""
}

// AuthenticateAgent resolves the node owning an agent token.
func (r *Registry) AuthenticateAgent(ctx context.Context, token string) (*models.VpnNode, error) {
	if token == "" {
		return nil, apperr.ErrForbidden
	}
	var node models.VpnNode
	err := r.db.WithContext(ctx).Where("agent_token = ?", token).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate agent: %w", err)
	}
	return &node, nil
}

// RotateAgentToken issues a new agent token, invalidating the old one.
func (r *Registry) RotateAgentToken(ctx context.Context, id uint) (string, error) {
	if _, err := r.GetNode(ctx, id); err != nil {
		return "", err
	}
	token, err := generateAgentToken()
	if err != nil {
		return "", fmt.Errorf("generate agent token: %w", err)
	}
	if err := r.db.WithContext(ctx).Model(&models.VpnNode{}).Where("id = ?", id).Update("agent_token", token).Error; err != nil {
		return "", fmt.Errorf("rotate agent token: %w", err)
	}
	return token, nil
}

// RegisterHeartbeat records liveness last-write-wins by timestamp, samples
// telemetry and queues a CRL push when the node reports a stale version.
// Duplicate or out-of-order heartbeats are accepted without error.
func (r *Registry) RegisterHeartbeat(ctx context.Context, nodeID uint, hb Heartbeat) (*HeartbeatAck, error) {
	if hb.ActiveConnections < 0 {
		return nil, apperr.Invalid("activeConnections", "must not be negative")
	}
	if hb.CrlVersion < 0 {
		return nil, apperr.Invalid("crlVersion", "must not be negative")
	}

	node, err := r.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	sentAt := now
	if hb.SentAt != nil && hb.SentAt.Before(now) {
		sentAt = hb.SentAt.UTC()
	}

	// The agent clock only orders reports. Liveness is the receive time, so
	// a node with a slow clock still gets the full online window.
	res := r.db.WithContext(ctx).Model(&models.VpnNode{}).
		Where("id = ? AND (last_heartbeat_sent_at IS NULL OR last_heartbeat_sent_at < ?)", nodeID, sentAt).
		Updates(map[string]interface{}{
			"last_heartbeat_at":      now,
			"last_heartbeat_sent_at": sentAt,
			"crl_version":            hb.CrlVersion,
			"active_connections":     hb.ActiveConnections,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("record heartbeat: %w", res.Error)
	}
	fresh := res.RowsAffected > 0
	if !fresh {
		// An out-of-order report still proves the node is alive.
		err := r.db.WithContext(ctx).Model(&models.VpnNode{}).
			Where("id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", nodeID, now).
			Update("last_heartbeat_at", now).Error
		if err != nil {
			return nil, fmt.Errorf("record heartbeat: %w", err)
		}
	}
	r.metrics.Heartbeat()

	if fresh && r.aggregator != nil {
		r.aggregator.Record(telemetry.Sample{
			NodeID:            nodeID,
			Timestamp:         now,
			CPUPercent:        hb.CPUPercent,
			MemPercent:        hb.MemPercent,
			NetRxBps:          hb.NetRxBps,
			NetTxBps:          hb.NetTxBps,
			VpnRxBps:          hb.VpnRxBps,
			VpnTxBps:          hb.VpnTxBps,
			ActiveConnections: hb.ActiveConnections,
		})
	}

	crl, err := r.currentCrl(ctx)
	if err != nil {
		return nil, err
	}
	ack := &HeartbeatAck{ServerTime: now, CurrentCrlVersion: crl.Version}
	if fresh && crl.Version > 0 && hb.CrlVersion < crl.Version && r.dispatch != nil {
		node.LastHeartbeatAt = &now
		r.dispatch.PushCrl(*node, agent.CrlCommand{CrlPem: crl.Pem, CrlVersion: crl.Version})
		ack.CrlPushQueued = true
		r.logger.Info("stale crl on node, push queued",
			zap.Uint("node_id", nodeID),
			zap.Int64("node_version", hb.CrlVersion),
			zap.Int64("current_version", crl.Version))
	}
	return ack, nil
}
