package database

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jwtSecretKey = "jwt_secret"

// SystemPreference is a key/value setting stored alongside the schema
type SystemPreference struct {
	ID        uint   `gorm:"column:id;primaryKey"`
	Key       string `gorm:"column:key;size:100;uniqueIndex;not null"`
	Value     string `gorm:"column:value;type:text"`
	ValueType string `gorm:"column:value_type;size:20;default:string"`
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}

// EnsureJWTSecret returns the persisted JWT secret, storing configured (or a
// freshly generated) one on first start so tokens survive restarts. A secret
// set explicitly in the environment always wins.
func EnsureJWTSecret(db *gorm.DB, configured string, explicit bool, log *zap.Logger) (string, error) {
	var pref SystemPreference
	err := db.Where("key = ?", jwtSecretKey).First(&pref).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("load jwt secret: %w", err)
	}

	if err == nil && pref.Value != "" && !explicit {
		log.Info("jwt secret loaded from database")
		return pref.Value, nil
	}

	secret := configured
	if secret == "" {
		secret = generateSecureSecret(32)
	}

	if err == nil {
		if err := db.Model(&SystemPreference{}).Where("id = ?", pref.ID).Update("value", secret).Error; err != nil {
			return "", fmt.Errorf("store jwt secret: %w", err)
		}
		return secret, nil
	}

	pref = SystemPreference{Key: jwtSecretKey, Value: secret, ValueType: "string"}
	if err := db.Create(&pref).Error; err != nil {
		// Another replica stored one first.
		var existing SystemPreference
		if lookup := db.Where("key = ?", jwtSecretKey).First(&existing).Error; lookup == nil && existing.Value != "" {
			return existing.Value, nil
		}
		return "", fmt.Errorf("store jwt secret: %w", err)
	}

	log.Info("jwt secret generated and persisted")
	return secret, nil
}

// generateSecureSecret generates a cryptographically secure random secret
func generateSecureSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte("fallback-secret-change-me"))
	}
	return hex.EncodeToString(bytes)
}
