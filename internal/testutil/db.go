// Package testutil builds throwaway databases for service tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// NewDB opens an isolated in-memory SQLite database with the full schema.
// A single connection keeps concurrent test writers from hitting SQLITE_BUSY.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.AutoMigrate(db))
	return db
}

// CreateReseller inserts a root reseller with a zero balance.
func CreateReseller(t testing.TB, db *gorm.DB, name string) *models.Reseller {
	t.Helper()
	r := &models.Reseller{CompanyName: name, MaxDepth: 3, Depth: 1, IsActive: true}
	require.NoError(t, db.Create(r).Error)
	return r
}
