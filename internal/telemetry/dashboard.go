package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// NodeLister returns nodes with their online flag derived at read time.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]models.VpnNode, error)
}

// UserCounter reports distinct users with at least one active session.
type UserCounter interface {
	OnlineUsers() int
}

// SnapshotCache is an optional short-lived cache shared across API replicas.
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

const snapshotCacheKey = "vpnpanel:dashboard:snapshot"

type NodeSummary struct {
	ID                uint       `json:"id"`
	Name              string     `json:"name"`
	Hostname          string     `json:"hostname"`
	IsActive          bool       `json:"isActive"`
	Online            bool       `json:"online"`
	LastHeartbeatAt   *time.Time `json:"lastHeartbeatAt"`
	ActiveConnections int        `json:"activeConnections"`
	Latest            *Sample    `json:"latest,omitempty"`
}

type Snapshot struct {
	OnlineUsers      int              `json:"onlineUsers"`
	OnlineNodes      int              `json:"onlineNodes"`
	TotalNodes       int              `json:"totalNodes"`
	BandwidthHistory []BandwidthPoint `json:"bandwidthHistory"`
	Nodes            []NodeSummary    `json:"nodes"`
	Server           HostStats        `json:"server"`
	GeneratedAt      time.Time        `json:"generatedAt"`
}

type Dashboard struct {
	agg      *Aggregator
	nodes    NodeLister
	users    UserCounter
	host     *HostSampler
	cache    SnapshotCache
	cacheTTL time.Duration
	clock    clock.Clock
	logger   *zap.Logger
}

type DashboardParams struct {
	Aggregator *Aggregator
	Nodes      NodeLister
	Users      UserCounter
	Host       *HostSampler
	Cache      SnapshotCache
	CacheTTL   time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

func NewDashboard(p DashboardParams) *Dashboard {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Dashboard{
		agg:      p.Aggregator,
		nodes:    p.Nodes,
		users:    p.Users,
		host:     p.Host,
		cache:    p.Cache,
		cacheTTL: p.CacheTTL,
		clock:    p.Clock,
		logger:   p.Logger.Named("telemetry"),
	}
}

// Snapshot reads current buffer state only; no history is recomputed.
func (d *Dashboard) Snapshot(ctx context.Context) (*Snapshot, error) {
	if d.cache != nil && d.cacheTTL > 0 {
		var cached Snapshot
		if err := d.cache.Get(ctx, snapshotCacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	nodes, err := d.nodes.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	snap := &Snapshot{
		BandwidthHistory: d.agg.BandwidthHistory(),
		Nodes:            make([]NodeSummary, 0, len(nodes)),
		TotalNodes:       len(nodes),
		GeneratedAt:      now,
	}
	if d.users != nil {
		snap.OnlineUsers = d.users.OnlineUsers()
	}
	for _, n := range nodes {
		summary := NodeSummary{
			ID:                n.ID,
			Name:              n.Name,
			Hostname:          n.Hostname,
			IsActive:          n.IsActive,
			Online:            n.Online,
			LastHeartbeatAt:   n.LastHeartbeatAt,
			ActiveConnections: n.ActiveConnections,
		}
		if latest, ok := d.agg.Latest(n.ID); ok {
			summary.Latest = &latest
		}
		if n.Online {
			snap.OnlineNodes++
		}
		snap.Nodes = append(snap.Nodes, summary)
	}
	if d.host != nil {
		snap.Server = d.host.Sample(now)
	}

	if d.cache != nil && d.cacheTTL > 0 {
		if err := d.cache.Set(ctx, snapshotCacheKey, snap, d.cacheTTL); err != nil {
			d.logger.Debug("dashboard cache write failed", zap.Error(err))
		}
	}
	return snap, nil
}
