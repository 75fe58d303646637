package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/agent"
	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/testutil"
)

var t0 = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

type dbNodes struct{ db *gorm.DB }

func (n dbNodes) GetNode(ctx context.Context, id uint) (*models.VpnNode, error) {
	var node models.VpnNode
	if err := n.db.WithContext(ctx).First(&node, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("vpn node")
		}
		return nil, err
	}
	return &node, nil
}

type kickRecorder struct {
	mu    sync.Mutex
	kicks []agent.KickCommand
}

func (k *kickRecorder) Kick(_ context.Context, _ *models.VpnNode, cmd agent.KickCommand) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicks = append(k.kicks, cmd)
	return nil
}

func (k *kickRecorder) PushCrl(context.Context, *models.VpnNode, agent.CrlCommand) error {
	return nil
}

type auditSink struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (a *auditSink) Record(rec audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
}

type fixture struct {
	db      *gorm.DB
	clk     *clock.Fake
	tracker *Tracker
	ents    *Entitlements
	async   *agent.Async
	agent   *kickRecorder
	audit   *auditSink
	node1   *models.VpnNode
	node2   *models.VpnNode
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFake(t0)
	rec := &kickRecorder{}
	async := agent.NewAsync(rec, time.Second, zap.NewNop(), nil)
	sink := &auditSink{}

	f := &fixture{db: db, clk: clk, async: async, agent: rec, audit: sink}
	f.tracker = f.newTracker()
	f.ents = NewEntitlements(db, clk, f.tracker, zap.NewNop())

	f.node1 = &models.VpnNode{Name: "fra-1", Hostname: "fra-1.vpn.example.net", AgentToken: "t1", IsActive: true}
	f.node2 = &models.VpnNode{Name: "ams-1", Hostname: "ams-1.vpn.example.net", AgentToken: "t2", IsActive: true}
	require.NoError(t, db.Create(f.node1).Error)
	require.NoError(t, db.Create(f.node2).Error)
	return f
}

func (f *fixture) newTracker() *Tracker {
	return NewTracker(TrackerParams{
		DB:       f.db,
		Clock:    f.clk,
		Nodes:    dbNodes{db: f.db},
		Dispatch: f.async,
		Auditor:  f.audit,
		Logger:   zap.NewNop(),
	})
}

// user creates an end user with the given connection limit and one
// certificate per common name.
func (f *fixture) user(t *testing.T, name string, maxConnections int, commonNames ...string) uint {
	t.Helper()
	ctx := context.Background()
	u := &models.User{Username: name, Password: "x", Role: models.UserRoleUser, IsActive: true}
	require.NoError(t, f.db.Create(u).Error)
	_, err := f.ents.Upsert(ctx, u.ID, EntitlementInput{MaxConnections: &maxConnections})
	require.NoError(t, err)
	for _, cn := range commonNames {
		_, err := f.ents.IssueCertificate(ctx, cn, u.ID)
		require.NoError(t, err)
	}
	return u.ID
}

func (f *fixture) connect(t *testing.T, cn string, node *models.VpnNode) *models.Session {
	t.Helper()
	sess, err := f.tracker.OnConnect(context.Background(), ConnectEvent{CommonName: cn, RealAddress: "203.0.113.7:51820", VpnNodeID: node.ID})
	require.NoError(t, err)
	return sess
}

func int64p(v int64) *int64 { return &v }

func TestTracker_ReconnectClosesPriorSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "alice", 0, "alice")

	s1 := f.connect(t, "alice", f.node1)
	f.clk.Advance(10 * time.Second)
	s2 := f.connect(t, "alice", f.node1)

	prev, err := f.tracker.Get(ctx, s1.ID)
	require.NoError(t, err)
	require.NotNil(t, prev.DisconnectedAt)
	assert.True(t, prev.DisconnectedAt.Equal(t0.Add(10*time.Second)))
	assert.Equal(t, models.CloseReasonImplicitDisconnect, *prev.CloseReason)
	assert.Nil(t, prev.KickedReason)

	active, err := f.tracker.ListActive(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, s2.ID, active[0].ID)
	assert.Equal(t, 1, f.tracker.OnlineUsers())
}

func TestTracker_ConcurrencyKicksOldest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "bob", 2, "bob-laptop", "bob-phone", "bob-tablet")

	laptop := f.connect(t, "bob-laptop", f.node1)
	f.clk.Advance(time.Second)
	f.connect(t, "bob-phone", f.node2)
	f.clk.Advance(time.Second)
	tablet := f.connect(t, "bob-tablet", f.node1)

	kicked, err := f.tracker.Get(ctx, laptop.ID)
	require.NoError(t, err)
	require.NotNil(t, kicked.KickedReason)
	assert.Equal(t, models.KickReasonConcurrency, *kicked.KickedReason)
	assert.Equal(t, models.CloseReasonKick, *kicked.CloseReason)

	active, err := f.tracker.ListActive(ctx, nil, &uid)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, tablet.ID, active[1].ID)

	f.async.Wait()
	require.Len(t, f.agent.kicks, 1)
	assert.Equal(t, laptop.ID, f.agent.kicks[0].SessionID)
	assert.Equal(t, "bob-laptop", f.agent.kicks[0].CommonName)

	require.Len(t, f.audit.recs, 1)
	assert.Equal(t, models.AuditActionSessionKick, f.audit.recs[0].Action)
	assert.Nil(t, f.audit.recs[0].ActorID, "system kick")
}

func TestTracker_ConcurrencyTieBreakByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "carol", 1, "carol-a", "carol-b")

	a := f.connect(t, "carol-a", f.node1)
	b := f.connect(t, "carol-b", f.node1)

	got, err := f.tracker.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Active())
	got, err = f.tracker.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Active())
}

func TestTracker_UnlimitedConnections(t *testing.T) {
	f := newFixture(t)
	uid := f.user(t, "dave", 0, "d1", "d2", "d3")

	for _, cn := range []string{"d1", "d2", "d3"} {
		f.connect(t, cn, f.node1)
	}
	active, err := f.tracker.ListActive(context.Background(), nil, &uid)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestTracker_KickIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "erin", 0, "erin")
	s := f.connect(t, "erin", f.node1)

	first, kicked, err := f.tracker.Kick(ctx, s.ID, models.KickReasonManual)
	require.NoError(t, err)
	assert.True(t, kicked)
	require.NotNil(t, first.DisconnectedAt)

	f.clk.Advance(time.Minute)
	second, kicked, err := f.tracker.Kick(ctx, s.ID, models.KickReasonCertRevoked)
	require.NoError(t, err)
	assert.False(t, kicked)
	assert.True(t, second.DisconnectedAt.Equal(*first.DisconnectedAt))
	assert.Equal(t, models.KickReasonManual, *second.KickedReason)

	f.async.Wait()
	assert.Len(t, f.agent.kicks, 1)
	assert.Equal(t, 0, f.tracker.OnlineUsers())

	_, _, err = f.tracker.Kick(ctx, 999, models.KickReasonManual)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, _, err = f.tracker.Kick(ctx, s.ID, models.KickReason("bored"))
	assert.True(t, apperr.IsValidation(err))
}

func TestTracker_LateDisconnectAfterKick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "frank", 0, "frank")
	s := f.connect(t, "frank", f.node1)

	_, _, err := f.tracker.Kick(ctx, s.ID, models.KickReasonManual)
	require.NoError(t, err)

	f.clk.Advance(5 * time.Second)
	got, err := f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "frank", VpnNodeID: f.node1.ID, BytesReceived: int64p(10)})
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, models.CloseReasonKick, *got.CloseReason)
	assert.Equal(t, int64(0), got.BytesReceived, "closed session is not touched")
}

func TestTracker_DisconnectRecordsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "gina", 0, "gina")
	s := f.connect(t, "gina", f.node1)

	require.NoError(t, f.tracker.Report(ctx, ReportEvent{CommonName: "gina", VpnNodeID: f.node1.ID, BytesReceived: 100, BytesSent: 50}))
	mid, err := f.tracker.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), mid.BytesReceived)

	f.clk.Advance(time.Minute)
	closed, err := f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "gina", VpnNodeID: f.node1.ID, BytesReceived: int64p(4096), BytesSent: int64p(2048)})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), closed.BytesReceived)
	assert.Equal(t, int64(2048), closed.BytesSent)
	assert.Equal(t, models.CloseReasonDisconnect, *closed.CloseReason)

	again, err := f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "gina", VpnNodeID: f.node1.ID})
	require.NoError(t, err)
	assert.Equal(t, closed.ID, again.ID)

	// Reports for closed sessions are dropped.
	require.NoError(t, f.tracker.Report(ctx, ReportEvent{CommonName: "gina", BytesReceived: 1}))

	_, err = f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "nobody"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTracker_DisconnectFromPreviousNodeIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "hank", 0, "hank")

	s1 := f.connect(t, "hank", f.node1)
	f.clk.Advance(time.Second)
	s2 := f.connect(t, "hank", f.node2)

	got, err := f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "hank", VpnNodeID: f.node1.ID})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, got.ID)

	still, err := f.tracker.Get(ctx, s2.ID)
	require.NoError(t, err)
	assert.True(t, still.Active())
}

func TestTracker_ConnectRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := f.user(t, "ivy", 1, "ivy", "ivy-old")

	_, err := f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "stranger", VpnNodeID: f.node1.ID})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "ivy", VpnNodeID: 4242})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.tracker.OnConnect(ctx, ConnectEvent{VpnNodeID: f.node1.ID})
	assert.True(t, apperr.IsValidation(err))

	_, _, err = f.ents.RevokeCertificate(ctx, "ivy-old")
	require.NoError(t, err)
	_, err = f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "ivy-old", VpnNodeID: f.node1.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	expired := t0.Add(-time.Hour)
	_, err = f.ents.Upsert(ctx, uid, EntitlementInput{ExpiresAt: &expired})
	require.NoError(t, err)
	_, err = f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "ivy", VpnNodeID: f.node1.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	orphan := &models.User{Username: "orphan", Password: "x", Role: models.UserRoleUser}
	require.NoError(t, f.db.Create(orphan).Error)
	require.NoError(t, f.db.Create(&models.Certificate{CommonName: "orphan", UserID: orphan.ID, CreatedAt: t0}).Error)
	_, err = f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "orphan", VpnNodeID: f.node1.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "no entitlement")
}

func TestTracker_ConcurrentConnectsKeepOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "jack", 0, "jack")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.tracker.OnConnect(ctx, ConnectEvent{CommonName: "jack", RealAddress: fmt.Sprintf("198.51.100.%d:1194", i), VpnNodeID: f.node1.ID})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var active int64
	require.NoError(t, f.db.Model(&models.Session{}).Where("common_name = ? AND disconnected_at IS NULL", "jack").Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

func TestTracker_RebuildRestoresIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "kate", 0, "kate")
	f.user(t, "liam", 0, "liam")
	f.connect(t, "kate", f.node1)
	liam := f.connect(t, "liam", f.node2)

	// A duplicate left behind by a crash.
	dup := &models.Session{CommonName: "liam", UserID: liam.UserID, VpnNodeID: f.node1.ID, ConnectedAt: t0.Add(-time.Hour)}
	require.NoError(t, f.db.Create(dup).Error)

	restarted := f.newTracker()
	require.NoError(t, restarted.Rebuild(ctx))
	assert.Equal(t, 2, restarted.OnlineUsers())

	closedDup, err := restarted.Get(ctx, dup.ID)
	require.NoError(t, err)
	assert.False(t, closedDup.Active())

	got, err := restarted.OnDisconnect(ctx, DisconnectEvent{CommonName: "liam", VpnNodeID: f.node2.ID})
	require.NoError(t, err)
	assert.Equal(t, liam.ID, got.ID)
	assert.False(t, got.Active())
	assert.Equal(t, 1, restarted.OnlineUsers())
}

func TestTracker_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "mia", 0, "mia-1", "mia-2")
	s1 := f.connect(t, "mia-1", f.node1)
	f.clk.Advance(time.Second)
	f.connect(t, "mia-2", f.node2)
	_, err := f.tracker.OnDisconnect(ctx, DisconnectEvent{CommonName: "mia-1", VpnNodeID: f.node1.ID})
	require.NoError(t, err)

	yes, no := true, false
	active, total, err := f.tracker.List(ctx, Filter{Active: &yes})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "mia-2", active[0].CommonName)

	closed, _, err := f.tracker.List(ctx, Filter{Active: &no})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, s1.ID, closed[0].ID)

	onNode, _, err := f.tracker.List(ctx, Filter{VpnNodeID: &f.node1.ID})
	require.NoError(t, err)
	assert.Len(t, onNode, 1)

	all, total, err := f.tracker.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, all, 1)
	assert.Equal(t, "mia-2", all[0].CommonName, "newest first")
}
