package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsEntry is one row of the settings_entries table.
type SettingsEntry struct {
	Namespace string    `gorm:"column:namespace;primaryKey;size:64"`
	Key       string    `gorm:"column:entry_key;primaryKey;size:255"`
	Value     []byte    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName returns the table name for GORM
func (SettingsEntry) TableName() string {
	return "settings_entries"
}

// GormKV stores settings entries in a SQL table, isolated by namespace.
type GormKV struct {
	db        *gorm.DB
	namespace string
}

// NewGormKV creates a backend over db
func NewGormKV(db *gorm.DB, namespace string) *GormKV {
	return &GormKV{db: db, namespace: namespace}
}

// Get implements LocalKV
func (g *GormKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry SettingsEntry
	err := g.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", g.namespace, key).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value, true, nil
}

// Set implements LocalKV
func (g *GormKV) Set(ctx context.Context, key string, value []byte) error {
	if err := checkSize(key, value); err != nil {
		return err
	}
	entry := SettingsEntry{
		Namespace: g.namespace,
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove implements LocalKV
func (g *GormKV) Remove(ctx context.Context, key string) error {
	err := g.db.WithContext(ctx).
		Where("namespace = ? AND entry_key = ?", g.namespace, key).
		Delete(&SettingsEntry{}).Error
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Keys implements LocalKV
func (g *GormKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := g.db.WithContext(ctx).
		Model(&SettingsEntry{}).
		Where("namespace = ? AND entry_key LIKE ? ESCAPE '\\'", g.namespace, escapeLike(prefix)+"%").
		Order("entry_key").
		Pluck("entry_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
