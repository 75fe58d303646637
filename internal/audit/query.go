package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// Query filters the audit log. Zero values are ignored.
type Query struct {
	Limit      int
	Offset     int
	Action     string
	TargetType string
	ActorID    *uint
	ActorRole  *models.UserRole
	From       *time.Time
	To         *time.Time
}

// Query returns a page of entries, newest first.
func (r *Recorder) Query(ctx context.Context, q Query) ([]models.AuditLogEntry, int64, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	query := r.db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if q.Action != "" {
		query = query.Where("action = ?", q.Action)
	}
	if q.TargetType != "" {
		query = query.Where("target_type = ?", q.TargetType)
	}
	if q.ActorID != nil {
		query = query.Where("actor_id = ?", *q.ActorID)
	}
	if q.ActorRole != nil {
		query = query.Where("actor_role = ?", *q.ActorRole)
	}
	if q.From != nil {
		query = query.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		query = query.Where("created_at <= ?", *q.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	entries := []models.AuditLogEntry{}
	if err := query.Order("created_at DESC").Order("id DESC").Limit(q.Limit).Offset(q.Offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, total, nil
}

// Actions lists the distinct action names present in the log.
func (r *Recorder) Actions(ctx context.Context) ([]string, error) {
	actions := []string{}
	err := r.db.WithContext(ctx).Model(&models.AuditLogEntry{}).
		Distinct("action").
		Order("action").
		Pluck("action", &actions).Error
	if err != nil {
		return nil, fmt.Errorf("list audit actions: %w", err)
	}
	return actions, nil
}

// UserLogs shows admins every entry made by end users; anyone else sees only
// their own entries.
func (r *Recorder) UserLogs(ctx context.Context, viewerID uint, viewerRole models.UserRole, limit, offset int) ([]models.AuditLogEntry, int64, error) {
	q := Query{Limit: limit, Offset: offset}
	if viewerRole == models.UserRoleAdmin {
		role := models.UserRoleUser
		q.ActorRole = &role
	} else {
		q.ActorID = &viewerID
	}
	return r.Query(ctx, q)
}

type ClearResult struct {
	Deleted     int64                 `json:"deleted"`
	ArchivedAs  string                `json:"archivedAs,omitempty"`
	ClearRecord *models.AuditLogEntry `json:"clearRecord"`
}

// ClearAll truncates the log. The clear record itself is written in the same
// transaction and survives as the first entry of the new log. When an
// archiver is configured the full log is exported first; an export failure
// leaves the log untouched.
func (r *Recorder) ClearAll(ctx context.Context, actor Record) (*ClearResult, error) {
	r.Flush()

	result := &ClearResult{}
	if r.archiver != nil {
		entries := []models.AuditLogEntry{}
		if err := r.db.WithContext(ctx).Order("id").Find(&entries).Error; err != nil {
			return nil, fmt.Errorf("export audit log: %w", err)
		}
		body, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("export audit log: %w", err)
		}
		name := fmt.Sprintf("audit-%s.json", r.clock.Now().Format("20060102-150405"))
		location, err := r.archiver.Archive(ctx, name, body)
		if err != nil {
			return nil, fmt.Errorf("archive audit log: %w", err)
		}
		result.ArchivedAs = location
	}

	actor.Action = models.AuditActionAuditClear
	actor.TargetType = "audit_log"
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.AuditLogEntry{}).Count(&count).Error; err != nil {
			return err
		}
		if actor.Metadata == nil {
			actor.Metadata = map[string]interface{}{}
		}
		actor.Metadata["deleted"] = count
		if result.ArchivedAs != "" {
			actor.Metadata["archivedAs"] = result.ArchivedAs
		}

		clearEntry := r.toEntry(actor)
		if err := tx.Create(&clearEntry).Error; err != nil {
			return err
		}
		res := tx.Where("id <> ?", clearEntry.ID).Delete(&models.AuditLogEntry{})
		if res.Error != nil {
			return res.Error
		}
		result.Deleted = res.RowsAffected
		result.ClearRecord = &clearEntry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear audit log: %w", err)
	}

	r.logger.Warn("audit log cleared", zap.Int64("deleted", result.Deleted), zap.String("archived_as", result.ArchivedAs))
	return result, nil
}
