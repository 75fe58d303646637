// Package telemetry folds node stats samples into bounded rolling history and
// assembles the dashboard snapshot.
package telemetry

import (
	"sync"
	"time"

	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// Sample is one node stats reading taken on the heartbeat path.
type Sample struct {
	NodeID            uint      `json:"nodeId"`
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpuPercent"`
	MemPercent        float64   `json:"memPercent"`
	NetRxBps          float64   `json:"netRxBps"`
	NetTxBps          float64   `json:"netTxBps"`
	VpnRxBps          float64   `json:"vpnRxBps"`
	VpnTxBps          float64   `json:"vpnTxBps"`
	ActiveConnections int       `json:"activeConnections"`
}

// BandwidthPoint is one platform-wide point of the dashboard chart.
type BandwidthPoint struct {
	Time  time.Time `json:"time"`
	RxBps float64   `json:"rxBps"`
	TxBps float64   `json:"txBps"`
}

type Aggregator struct {
	mu       sync.RWMutex
	clock    clock.Clock
	nodeCap  int
	bucket   time.Duration
	nodes    map[uint]*Ring[Sample]
	platform *Ring[BandwidthPoint]
}

func NewAggregator(clk clock.Clock, nodeHistory, bandwidthHistory int, bucket time.Duration) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	if nodeHistory <= 0 {
		nodeHistory = 120
	}
	if bandwidthHistory <= 0 {
		bandwidthHistory = 120
	}
	if bucket <= 0 {
		bucket = 30 * time.Second
	}
	return &Aggregator{
		clock:    clk,
		nodeCap:  nodeHistory,
		bucket:   bucket,
		nodes:    make(map[uint]*Ring[Sample]),
		platform: NewRing[BandwidthPoint](bandwidthHistory),
	}
}

// Record appends s to its node's history and refreshes the platform point for
// the current bucket from every node whose latest sample is still fresh.
func (a *Aggregator) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = a.clock.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ring, ok := a.nodes[s.NodeID]
	if !ok {
		ring = NewRing[Sample](a.nodeCap)
		a.nodes[s.NodeID] = ring
	}
	ring.Push(s)

	point := BandwidthPoint{Time: s.Timestamp.Truncate(a.bucket)}
	for _, r := range a.nodes {
		latest, ok := r.Last()
		if !ok || s.Timestamp.Sub(latest.Timestamp) >= models.OnlineThreshold {
			continue
		}
		point.RxBps += latest.NetRxBps
		point.TxBps += latest.NetTxBps
	}

	last, ok := a.platform.Last()
	switch {
	case ok && last.Time.Equal(point.Time):
		a.platform.ReplaceLast(point)
	case ok && point.Time.Before(last.Time):
		// Late sample for a closed bucket; node history still keeps it.
	default:
		a.platform.Push(point)
	}
}

func (a *Aggregator) NodeHistory(nodeID uint) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.nodes[nodeID]; ok {
		return r.Snapshot()
	}
	return []Sample{}
}

func (a *Aggregator) Latest(nodeID uint) (Sample, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.nodes[nodeID]; ok {
		return r.Last()
	}
	return Sample{}, false
}

func (a *Aggregator) BandwidthHistory() []BandwidthPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.platform.Snapshot()
}

// Forget drops a deleted node's history.
func (a *Aggregator) Forget(nodeID uint) {
	a.mu.Lock()
	delete(a.nodes, nodeID)
	a.mu.Unlock()
}
