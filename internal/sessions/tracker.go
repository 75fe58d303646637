// Package sessions tracks VPN client connections reported by node agents.
//
// At most one session per common name is active at any time. The tracker
// keeps an index from common name to the active session id, checked and
// replaced under a per-common-name lock on every connect.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/agent"
	"github.com/wilson1442/vpn-platform-sub001/internal/apperr"
	"github.com/wilson1442/vpn-platform-sub001/internal/audit"
	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
	"github.com/wilson1442/vpn-platform-sub001/internal/syncx"
)

// NodeSource looks up the node a session runs on.
type NodeSource interface {
	GetNode(ctx context.Context, id uint) (*models.VpnNode, error)
}

// Auditor receives records for kicks the tracker performs on its own.
type Auditor interface {
	Record(rec audit.Record)
}

type ConnectEvent struct {
	CommonName  string `json:"commonName"`
	RealAddress string `json:"realAddress"`
	VpnNodeID   uint   `json:"vpnNodeId"`
}

type DisconnectEvent struct {
	CommonName    string `json:"commonName"`
	VpnNodeID     uint   `json:"vpnNodeId"`
	BytesReceived *int64 `json:"bytesReceived,omitempty"`
	BytesSent     *int64 `json:"bytesSent,omitempty"`
}

type ReportEvent struct {
	CommonName    string `json:"commonName"`
	VpnNodeID     uint   `json:"vpnNodeId"`
	BytesReceived int64  `json:"bytesReceived"`
	BytesSent     int64  `json:"bytesSent"`
}

// Filter selects sessions for List. Nil fields match everything.
type Filter struct {
	Active    *bool
	VpnNodeID *uint
	UserID    *uint
	Limit     int
	Offset    int
}

type Tracker struct {
	db       *gorm.DB
	clock    clock.Clock
	resolver Resolver
	nodes    NodeSource
	dispatch *agent.Async
	auditor  Auditor
	logger   *zap.Logger
	metrics  *metrics.Metrics

	cnLocks   *syncx.KeyedMutex
	userLocks *syncx.KeyedMutex

	mu           sync.RWMutex
	byCommonName map[string]uint
	users        map[uint]int
}

type TrackerParams struct {
	DB       *gorm.DB
	Clock    clock.Clock
	Resolver Resolver
	Nodes    NodeSource
	Dispatch *agent.Async
	Auditor  Auditor
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func NewTracker(p TrackerParams) *Tracker {
	if p.Clock == nil {
		p.Clock = clock.Real{}
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Resolver == nil {
		p.Resolver = NewDBResolver(p.DB, p.Clock)
	}
	return &Tracker{
		db:           p.DB,
		clock:        p.Clock,
		resolver:     p.Resolver,
		nodes:        p.Nodes,
		dispatch:     p.Dispatch,
		auditor:      p.Auditor,
		logger:       p.Logger.Named("sessions"),
		metrics:      p.Metrics,
		cnLocks:      syncx.NewKeyedMutex(),
		userLocks:    syncx.NewKeyedMutex(),
		byCommonName: make(map[string]uint),
		users:        make(map[uint]int),
	}
}

// Rebuild reloads the common name index from the active sessions in the
// database. Duplicate active sessions for one common name are closed, keeping
// the newest.
func (t *Tracker) Rebuild(ctx context.Context) error {
	var active []models.Session
	err := t.db.WithContext(ctx).
		Where("disconnected_at IS NULL").
		Order("connected_at DESC").Order("id DESC").
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("load active sessions: %w", err)
	}

	index := make(map[string]uint, len(active))
	users := make(map[uint]int)
	var stale []models.Session
	for _, s := range active {
		if _, seen := index[s.CommonName]; seen {
			stale = append(stale, s)
			continue
		}
		index[s.CommonName] = s.ID
		users[s.UserID]++
	}

	t.mu.Lock()
	t.byCommonName = index
	t.users = users
	t.mu.Unlock()

	if len(stale) > 0 {
		ids := make([]uint, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ID)
		}
		err := t.db.WithContext(ctx).Model(&models.Session{}).
			Where("id IN ? AND disconnected_at IS NULL", ids).
			Updates(map[string]interface{}{
				"disconnected_at": t.clock.Now(),
				"close_reason":    models.CloseReasonImplicitDisconnect,
			}).Error
		if err != nil {
			return fmt.Errorf("close duplicate sessions: %w", err)
		}
	}

	t.logger.Info("session index rebuilt", zap.Int("active", len(index)), zap.Int("duplicates_closed", len(stale)))
	return nil
}

// OnConnect admits a new session. A prior active session for the same common
// name is closed as an implicit disconnect. When the user is at their
// connection limit the oldest sessions are kicked for concurrency.
func (t *Tracker) OnConnect(ctx context.Context, ev ConnectEvent) (*models.Session, error) {
	ev.CommonName = strings.TrimSpace(ev.CommonName)
	if ev.CommonName == "" {
		return nil, apperr.Invalid("commonName", "is required")
	}
	if ev.VpnNodeID == 0 {
		return nil, apperr.Invalid("vpnNodeId", "is required")
	}
	if t.nodes != nil {
		if _, err := t.nodes.GetNode(ctx, ev.VpnNodeID); err != nil {
			return nil, err
		}
	}

	ident, err := t.resolver.Resolve(ctx, ev.CommonName)
	if err != nil {
		return nil, err
	}

	unlockCN := t.cnLocks.Lock(ev.CommonName)
	defer unlockCN()
	unlockUser := t.userLocks.Lock(strconv.FormatUint(uint64(ident.UserID), 10))
	defer unlockUser()

	now := t.clock.Now()

	if prevID, ok := t.activeID(ev.CommonName); ok {
		prev, err := t.load(ctx, prevID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if prev != nil {
			closed, err := t.closeSession(ctx, prev, now, models.CloseReasonImplicitDisconnect, nil, nil, nil)
			if err != nil {
				return nil, err
			}
			if closed {
				t.logger.Info("implicit disconnect on reconnect",
					zap.Uint("session_id", prev.ID),
					zap.String("common_name", prev.CommonName),
					zap.Uint("previous_node_id", prev.VpnNodeID),
					zap.Uint("node_id", ev.VpnNodeID))
			}
		} else {
			t.forget(ev.CommonName, prevID)
		}
	}

	if ident.MaxConnections > 0 {
		if err := t.enforceLimit(ctx, ident, now); err != nil {
			return nil, err
		}
	}

	sess := &models.Session{
		CommonName:  ev.CommonName,
		UserID:      ident.UserID,
		VpnNodeID:   ev.VpnNodeID,
		RealAddress: ev.RealAddress,
		ConnectedAt: now,
	}
	if err := t.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	t.mu.Lock()
	t.byCommonName[sess.CommonName] = sess.ID
	t.users[sess.UserID]++
	t.mu.Unlock()

	t.logger.Info("session connected",
		zap.Uint("session_id", sess.ID),
		zap.String("common_name", sess.CommonName),
		zap.Uint("user_id", sess.UserID),
		zap.Uint("node_id", sess.VpnNodeID))
	return sess, nil
}

// enforceLimit kicks the user's oldest sessions until one more fits. Ties on
// connectedAt are broken by id.
func (t *Tracker) enforceLimit(ctx context.Context, ident *Identity, now time.Time) error {
	var active []models.Session
	err := t.db.WithContext(ctx).
		Where("user_id = ? AND disconnected_at IS NULL", ident.UserID).
		Order("connected_at ASC").Order("id ASC").
		Find(&active).Error
	if err != nil {
		return fmt.Errorf("load user sessions: %w", err)
	}

	excess := len(active) - ident.MaxConnections + 1
	for i := 0; i < excess && i < len(active); i++ {
		victim := &active[i]
		reason := models.KickReasonConcurrency
		closed, err := t.closeSession(ctx, victim, now, models.CloseReasonKick, &reason, nil, nil)
		if err != nil {
			return err
		}
		if !closed {
			continue
		}
		t.afterKick(ctx, victim, reason)
		if t.auditor == nil {
			continue
		}
		t.auditor.Record(audit.Record{
			Action:     models.AuditActionSessionKick,
			TargetType: "session",
			TargetID:   strconv.FormatUint(uint64(victim.ID), 10),
			Metadata: map[string]interface{}{
				"reason":         string(reason),
				"commonName":     victim.CommonName,
				"userId":         victim.UserID,
				"maxConnections": ident.MaxConnections,
			},
		})
	}
	return nil
}

// OnDisconnect closes the active session of commonName on the reporting node.
// Late or duplicate disconnects return the already closed session.
func (t *Tracker) OnDisconnect(ctx context.Context, ev DisconnectEvent) (*models.Session, error) {
	ev.CommonName = strings.TrimSpace(ev.CommonName)
	if ev.CommonName == "" {
		return nil, apperr.Invalid("commonName", "is required")
	}
	if (ev.BytesReceived != nil && *ev.BytesReceived < 0) || (ev.BytesSent != nil && *ev.BytesSent < 0) {
		return nil, apperr.Invalid("bytes", "must not be negative")
	}

	unlock := t.cnLocks.Lock(ev.CommonName)
	defer unlock()

	if id, ok := t.activeID(ev.CommonName); ok {
		sess, err := t.load(ctx, id)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		if sess != nil && (ev.VpnNodeID == 0 || sess.VpnNodeID == ev.VpnNodeID) {
			closed, err := t.closeSession(ctx, sess, t.clock.Now(), models.CloseReasonDisconnect, nil, ev.BytesReceived, ev.BytesSent)
			if err != nil {
				return nil, err
			}
			if closed {
				t.logger.Info("session disconnected", zap.Uint("session_id", sess.ID), zap.String("common_name", sess.CommonName))
			}
			return t.load(ctx, sess.ID)
		}
		if sess == nil {
			t.forget(ev.CommonName, id)
		}
	}

	// Nothing active on that node: the event is stale.
	var last models.Session
	q := t.db.WithContext(ctx).Where("common_name = ?", ev.CommonName)
	if ev.VpnNodeID != 0 {
		q = q.Where("vpn_node_id = ?", ev.VpnNodeID)
	}
	err := q.Order("connected_at DESC").Order("id DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	t.logger.Debug("stale disconnect ignored", zap.Uint("session_id", last.ID), zap.String("common_name", last.CommonName))
	return &last, nil
}

// Kick closes a session with reason and asks its node to drop the tunnel.
// Kicking a closed session is a no-op and reports kicked as false.
func (t *Tracker) Kick(ctx context.Context, id uint, reason models.KickReason) (*models.Session, bool, error) {
	return t.kick(ctx, id, reason)
}

func (t *Tracker) kick(ctx context.Context, id uint, reason models.KickReason) (*models.Session, bool, error) {
	if !reason.Valid() {
		return nil, false, apperr.Invalid("reason", "unknown kick reason")
	}
	sess, err := t.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !sess.Active() {
		return sess, false, nil
	}

	unlock := t.cnLocks.Lock(sess.CommonName)
	defer unlock()

	closed, err := t.closeSession(ctx, sess, t.clock.Now(), models.CloseReasonKick, &reason, nil, nil)
	if err != nil {
		return nil, false, err
	}
	if !closed {
		sess, err = t.load(ctx, id)
		return sess, false, err
	}
	t.afterKick(ctx, sess, reason)
	return sess, true, nil
}

// KickUser kicks every active session of userID and returns how many closed.
func (t *Tracker) KickUser(ctx context.Context, userID uint, reason models.KickReason) (int, error) {
	if !reason.Valid() {
		return 0, apperr.Invalid("reason", "unknown kick reason")
	}
	sessions, err := t.ListActive(ctx, nil, &userID)
	if err != nil {
		return 0, err
	}
	kicked := 0
	for _, s := range sessions {
		_, closed, err := t.kick(ctx, s.ID, reason)
		if err != nil {
			return kicked, err
		}
		if closed {
			kicked++
		}
	}
	return kicked, nil
}

// KickCommonName kicks the active session of commonName, if any.
func (t *Tracker) KickCommonName(ctx context.Context, commonName string, reason models.KickReason) (*models.Session, error) {
	id, ok := t.activeID(commonName)
	if !ok {
		return nil, nil
	}
	sess, _, err := t.Kick(ctx, id, reason)
	return sess, err
}

// Report refreshes byte counters of the active session. Reports for sessions
// that are no longer active are dropped.
func (t *Tracker) Report(ctx context.Context, ev ReportEvent) error {
	if ev.CommonName == "" {
		return apperr.Invalid("commonName", "is required")
	}
	if ev.BytesReceived < 0 || ev.BytesSent < 0 {
		return apperr.Invalid("bytes", "must not be negative")
	}
	id, ok := t.activeID(ev.CommonName)
	if !ok {
		return nil
	}
	q := t.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND disconnected_at IS NULL", id)
	if ev.VpnNodeID != 0 {
		q = q.Where("vpn_node_id = ?", ev.VpnNodeID)
	}
	err := q.Updates(map[string]interface{}{
		"bytes_received": ev.BytesReceived,
		"bytes_sent":     ev.BytesSent,
	}).Error
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, id uint) (*models.Session, error) {
	return t.load(ctx, id)
}

// ListActive returns active sessions, optionally narrowed to a node or user.
func (t *Tracker) ListActive(ctx context.Context, vpnNodeID, userID *uint) ([]models.Session, error) {
	q := t.db.WithContext(ctx).Where("disconnected_at IS NULL")
	if vpnNodeID != nil {
		q = q.Where("vpn_node_id = ?", *vpnNodeID)
	}
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	sessions := []models.Session{}
	if err := q.Order("connected_at ASC").Order("id ASC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// List returns a page of sessions, newest first.
func (t *Tracker) List(ctx context.Context, f Filter) ([]models.Session, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := t.db.WithContext(ctx).Model(&models.Session{})
	if f.Active != nil {
		if *f.Active {
			q = q.Where("disconnected_at IS NULL")
		} else {
			q = q.Where("disconnected_at IS NOT NULL")
		}
	}
	if f.VpnNodeID != nil {
		q = q.Where("vpn_node_id = ?", *f.VpnNodeID)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	sessions := []models.Session{}
	if err := q.Order("connected_at DESC").Order("id DESC").Limit(f.Limit).Offset(f.Offset).Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// OnlineUsers counts distinct users with at least one active session.
func (t *Tracker) OnlineUsers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

func (t *Tracker) activeID(commonName string) (uint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byCommonName[commonName]
	return id, ok
}

// forget drops commonName from the index only if it still points at id.
func (t *Tracker) forget(commonName string, id uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byCommonName[commonName]; ok && cur == id {
		delete(t.byCommonName, commonName)
	}
}

func (t *Tracker) load(ctx context.Context, id uint) (*models.Session, error) {
	var sess models.Session
	err := t.db.WithContext(ctx).First(&sess, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// closeSession moves sess out of the active state. The update is conditional
// on the session still being active, so concurrent closers resolve to exactly
// one winner; it reports whether this call won.
func (t *Tracker) closeSession(ctx context.Context, sess *models.Session, now time.Time, closeReason models.CloseReason, kick *models.KickReason, rx, tx *int64) (bool, error) {
	updates := map[string]interface{}{
		"disconnected_at": now,
		"close_reason":    closeReason,
	}
	if kick != nil {
		updates["kicked_reason"] = *kick
	}
	if rx != nil {
		updates["bytes_received"] = *rx
	}
	if tx != nil {
		updates["bytes_sent"] = *tx
	}

	res := t.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND disconnected_at IS NULL", sess.ID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("close session %d: %w", sess.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		t.forget(sess.CommonName, sess.ID)
		return false, nil
	}

	t.mu.Lock()
	if cur, ok := t.byCommonName[sess.CommonName]; ok && cur == sess.ID {
		delete(t.byCommonName, sess.CommonName)
	}
	if n := t.users[sess.UserID]; n <= 1 {
		delete(t.users, sess.UserID)
	} else {
		t.users[sess.UserID] = n - 1
	}
	t.mu.Unlock()

	sess.DisconnectedAt = &now
	sess.CloseReason = &closeReason
	sess.KickedReason = kick
	return true, nil
}

// afterKick notifies the node agent. Delivery is asynchronous and never
// affects the tracker's state.
func (t *Tracker) afterKick(ctx context.Context, sess *models.Session, reason models.KickReason) {
	t.metrics.Kick(string(reason))
	t.logger.Info("session kicked",
		zap.Uint("session_id", sess.ID),
		zap.String("common_name", sess.CommonName),
		zap.Uint("node_id", sess.VpnNodeID),
		zap.String("reason", string(reason)))

	if t.dispatch == nil || t.nodes == nil {
		return
	}
	node, err := t.nodes.GetNode(ctx, sess.VpnNodeID)
	if err != nil {
		t.logger.Warn("kick not dispatched, node lookup failed", zap.Uint("node_id", sess.VpnNodeID), zap.Error(err))
		return
	}
	t.dispatch.Kick(*node, agent.KickCommand{SessionID: sess.ID, CommonName: sess.CommonName, Reason: reason})
}
