package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestAggregator_NodeHistoryBounded(t *testing.T) {
	agg := NewAggregator(clock.NewFake(t0), 3, 10, 30*time.Second)
	for i := 0; i < 5; i++ {
		agg.Record(Sample{NodeID: 1, Timestamp: t0.Add(time.Duration(i) * 30 * time.Second), CPUPercent: float64(i)})
	}

	hist := agg.NodeHistory(1)
	require.Len(t, hist, 3)
	assert.Equal(t, 2.0, hist[0].CPUPercent)
	assert.Equal(t, 4.0, hist[2].CPUPercent)
	assert.Empty(t, agg.NodeHistory(99))
}

func TestAggregator_PlatformBucketsAcrossNodes(t *testing.T) {
	agg := NewAggregator(clock.NewFake(t0), 10, 10, 30*time.Second)

	agg.Record(Sample{NodeID: 1, Timestamp: t0.Add(1 * time.Second), NetRxBps: 100, NetTxBps: 10})
	agg.Record(Sample{NodeID: 2, Timestamp: t0.Add(2 * time.Second), NetRxBps: 50, NetTxBps: 5})

	hist := agg.BandwidthHistory()
	require.Len(t, hist, 1, "same bucket overwrites")
	assert.Equal(t, t0, hist[0].Time)
	assert.Equal(t, 150.0, hist[0].RxBps)
	assert.Equal(t, 15.0, hist[0].TxBps)

	agg.Record(Sample{NodeID: 1, Timestamp: t0.Add(31 * time.Second), NetRxBps: 200, NetTxBps: 20})
	hist = agg.BandwidthHistory()
	require.Len(t, hist, 2)
	assert.Equal(t, 250.0, hist[1].RxBps)
}

func TestAggregator_StaleNodesExcludedFromPlatform(t *testing.T) {
	agg := NewAggregator(clock.NewFake(t0), 10, 10, 30*time.Second)

	agg.Record(Sample{NodeID: 1, Timestamp: t0, NetRxBps: 100})
	agg.Record(Sample{NodeID: 2, Timestamp: t0.Add(models.OnlineThreshold), NetRxBps: 40})

	hist := agg.BandwidthHistory()
	assert.Equal(t, 40.0, hist[len(hist)-1].RxBps)
}

func TestAggregator_Forget(t *testing.T) {
	agg := NewAggregator(clock.NewFake(t0), 10, 10, 30*time.Second)
	agg.Record(Sample{NodeID: 1, Timestamp: t0})
	agg.Forget(1)
	_, ok := agg.Latest(1)
	assert.False(t, ok)
}

type staticNodes []models.VpnNode

func (s staticNodes) ListNodes(context.Context) ([]models.VpnNode, error) { return s, nil }

type staticUsers int

func (s staticUsers) OnlineUsers() int { return int(s) }

func TestDashboard_Snapshot(t *testing.T) {
	clk := clock.NewFake(t0)
	agg := NewAggregator(clk, 10, 10, 30*time.Second)
	agg.Record(Sample{NodeID: 1, Timestamp: t0, NetRxBps: 80, ActiveConnections: 3})

	hb := t0
	nodes := staticNodes{
		{ID: 1, Name: "fra-1", LastHeartbeatAt: &hb, Online: true, ActiveConnections: 3},
		{ID: 2, Name: "ams-1"},
	}

	procRoot := writeFakeProc(t, "cpu  100 0 100 800 0 0 0 0\n", "eth0: 1000 0 0 0 0 0 0 0 2000 0 0 0 0 0 0 0\n")
	d := NewDashboard(DashboardParams{
		Aggregator: agg,
		Nodes:      nodes,
		Users:      staticUsers(4),
		Host:       NewHostSamplerAt(procRoot, procRoot),
		Clock:      clk,
	})

	snap, err := d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, snap.OnlineUsers)
	assert.Equal(t, 1, snap.OnlineNodes)
	assert.Equal(t, 2, snap.TotalNodes)
	require.Len(t, snap.Nodes, 2)
	require.NotNil(t, snap.Nodes[0].Latest)
	assert.Equal(t, 80.0, snap.Nodes[0].Latest.NetRxBps)
	assert.Nil(t, snap.Nodes[1].Latest)
	require.Len(t, snap.BandwidthHistory, 1)
	assert.Equal(t, 50.0, snap.Server.MemPercent)
}

func writeFakeProc(t *testing.T, stat, netdev string) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte(stat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "meminfo"), []byte("MemTotal: 1000 kB\nMemFree: 100 kB\nMemAvailable: 500 kB\n"), 0o644))
	netHeader := "Inter-|   Receive                                                |  Transmit\n face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "dev"), []byte(netHeader+"    lo: 999 0 0 0 0 0 0 0 999 0 0 0 0 0 0 0\n"+netdev), 0o644))
	return root
}

func TestHostSampler_Deltas(t *testing.T) {
	root := writeFakeProc(t, "cpu  100 0 100 800 0 0 0 0\n", "eth0: 1000 0 0 0 0 0 0 0 2000 0 0 0 0 0 0 0\n")
	h := NewHostSamplerAt(root, root)

	first := h.Sample(t0)
	assert.Zero(t, first.CPUPercent)
	assert.Zero(t, first.NetRxBps)
	assert.Equal(t, 50.0, first.MemPercent)

	require.NoError(t, os.WriteFile(filepath.Join(root, "stat"), []byte("cpu  150 0 150 900 0 0 0 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "dev"), []byte("eth0: 2000 0 0 0 0 0 0 0 2500 0 0 0 0 0 0 0\n"), 0o644))

	second := h.Sample(t0.Add(time.Second))
	// 100 busy jiffies out of 200.
	assert.Equal(t, 50.0, second.CPUPercent)
	assert.Equal(t, 8000.0, second.NetRxBps)
	assert.Equal(t, 4000.0, second.NetTxBps)
}
