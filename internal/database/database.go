package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilson1442/vpn-platform-sub001/internal/config"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

var (
	DB    *gorm.DB
	Redis *redis.Client
)

// Connect opens PostgreSQL, retrying while the database container starts,
// and Redis when configured. A Redis outage is not fatal: the caches and the
// token blacklist fall back to process memory.
func Connect(cfg *config.Config, log *zap.Logger) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)

	var err error
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err == nil {
			break
		}
		log.Warn("database connection failed, retrying",
			zap.Int("attempt", i+1), zap.Int("max_attempts", maxRetries), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("database connected", zap.String("host", cfg.DBHost), zap.String("name", cfg.DBName))

	if !cfg.RedisEnabled() {
		log.Info("redis disabled")
		return nil
	}

	Redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Redis.Ping(ctx).Result(); err != nil {
		log.Warn("redis unreachable, continuing without it", zap.Error(err))
		_ = Redis.Close()
		Redis = nil
		return nil
	}

	log.Info("redis connected", zap.String("host", cfg.RedisHost))
	return nil
}

// Migrate creates or updates every table the control plane owns.
func Migrate(db *gorm.DB) error {
	if err := models.AutoMigrate(db); err != nil {
		return err
	}
	return db.AutoMigrate(&SystemPreference{})
}

func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if Redis != nil {
		Redis.Close()
	}
}
