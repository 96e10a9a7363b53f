package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tokmz/relay/pkg/snapshot"
)

// ContextRecord 上下文表，LogVersion 为该上下文已分配的最大日志版本
// 上下文软删除，重新创建时版本继续递增
type ContextRecord struct {
	ID         string `gorm:"primaryKey;size:64"`
	Kind       string `gorm:"size:16;index"`
	Title      string `gorm:"size:255"`
	Status     string `gorm:"size:32"`
	LogVersion uint64
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// LogRecord 日志表
type LogRecord struct {
	ID        uint64 `gorm:"primaryKey"`
	ContextID string `gorm:"size:64;uniqueIndex:idx_log_context_version"`
	Version   uint64 `gorm:"uniqueIndex:idx_log_context_version"`
	Level     string `gorm:"size:16"`
	Message   string `gorm:"type:text"`
	Time      time.Time
}

// NotificationRecord 通知表，Version 即主键
type NotificationRecord struct {
	Version   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Level     string `gorm:"size:16"`
	Title     string `gorm:"size:255"`
	Body      string `gorm:"type:text"`
	ContextID string `gorm:"size:64;index"`
	Time      time.Time
}

// GormStore 基于 gorm 的持久化存储
// 上下文常驻内存以满足无 ctx 的 Get/List，写入先落库再更新内存
type GormStore struct {
	notifier

	db  *gorm.DB
	now func() time.Time

	mu       sync.RWMutex
	contexts map[string]snapshot.Context
}

// NewGormStore 迁移表结构并加载现存上下文
func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("activity: db is nil")
	}
	if err := db.WithContext(ctx).AutoMigrate(&ContextRecord{}, &LogRecord{}, &NotificationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate activity tables: %w", err)
	}

	var recs []ContextRecord
	if err := db.WithContext(ctx).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}

	s := &GormStore{
		db:       db,
		now:      time.Now,
		contexts: make(map[string]snapshot.Context, len(recs)),
	}
	for _, rec := range recs {
		s.contexts[rec.ID] = rec.toContext()
	}
	return s, nil
}

func (r ContextRecord) toContext() snapshot.Context {
	return snapshot.Context{
		ID:        r.ID,
		Kind:      snapshot.Kind(r.Kind),
		Title:     r.Title,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *GormStore) Get(id string) (snapshot.Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	return c, ok
}

func (s *GormStore) List() []snapshot.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]snapshot.Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		out = append(out, c)
	}
	return out
}

func (s *GormStore) PutContext(ctx context.Context, c snapshot.Context) error {
	if err := validContext(c); err != nil {
		return err
	}

	now := s.now()
	if c.CreatedAt.IsZero() {
		if prev, ok := s.Get(c.ID); ok {
			c.CreatedAt = prev.CreatedAt
		} else {
			c.CreatedAt = now
		}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	rec := ContextRecord{
		ID:        c.ID,
		Kind:      string(c.Kind),
		Title:     c.Title,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "title", "status", "updated_at", "deleted_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save context %s: %w", c.ID, err)
	}

	s.mu.Lock()
	s.contexts[c.ID] = c
	s.mu.Unlock()

	s.notify("")
	return nil
}

func (s *GormStore) RemoveContext(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("context_id = ?", id).Delete(&LogRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&ContextRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("remove context %s: %w", id, err)
	}

	s.mu.Lock()
	_, ok := s.contexts[id]
	delete(s.contexts, id)
	s.mu.Unlock()

	if ok {
		s.notify("")
	}
	return nil
}

func (s *GormStore) AppendLog(ctx context.Context, e snapshot.Entry) (uint64, error) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}

	var version uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ContextRecord{}).
			Where("id = ?", e.ContextID).
			UpdateColumn("log_version", gorm.Expr("log_version + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUnknownContext
		}
		if err := tx.Model(&ContextRecord{}).Where("id = ?", e.ContextID).Select("log_version").Scan(&version).Error; err != nil {
			return err
		}
		return tx.Create(&LogRecord{
			ContextID: e.ContextID,
			Version:   version,
			Level:     e.Level,
			Message:   e.Message,
			Time:      e.Time,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrUnknownContext) {
			return 0, err
		}
		return 0, fmt.Errorf("append log to %s: %w", e.ContextID, err)
	}

	s.notify(e.ContextID)
	return version, nil
}

func (s *GormStore) Notify(ctx context.Context, n snapshot.Notification) (uint64, error) {
	if n.Time.IsZero() {
		n.Time = s.now()
	}

	// 并发写入时版本冲突由主键约束拒绝
	var version uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current uint64
		if err := tx.Model(&NotificationRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&current).Error; err != nil {
			return err
		}
		version = current + 1
		return tx.Create(&NotificationRecord{
			Version:   version,
			Level:     n.Level,
			Title:     n.Title,
			Body:      n.Body,
			ContextID: n.ContextID,
			Time:      n.Time,
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("save notification: %w", err)
	}

	s.notify("")
	return version, nil
}

func (s *GormStore) All(ctx context.Context, contextID string) ([]snapshot.Entry, uint64, error) {
	return s.Since(ctx, contextID, 0)
}

// Since 先读版本再读条目，返回的版本不会超过已读到的条目
func (s *GormStore) Since(ctx context.Context, contextID string, v uint64) ([]snapshot.Entry, uint64, error) {
	db := s.db.WithContext(ctx)

	var rec ContextRecord
	err := db.Unscoped().Select("id", "log_version").First(&rec, "id = ?", contextID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if rec.LogVersion <= v {
		return nil, rec.LogVersion, nil
	}

	var recs []LogRecord
	err = db.Where("context_id = ? AND version > ? AND version <= ?", contextID, v, rec.LogVersion).
		Order("version").
		Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]snapshot.Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, snapshot.Entry{
			ContextID: r.ContextID,
			Version:   r.Version,
			Level:     r.Level,
			Message:   r.Message,
			Time:      r.Time,
		})
	}
	return out, rec.LogVersion, nil
}

func (s *GormStore) Notifications() snapshot.NotificationStore {
	return gormNotes{s.db}
}

type gormNotes struct{ db *gorm.DB }

func (n gormNotes) All(ctx context.Context) ([]snapshot.Notification, uint64, error) {
	return n.Since(ctx, 0)
}

func (n gormNotes) Since(ctx context.Context, v uint64) ([]snapshot.Notification, uint64, error) {
	db := n.db.WithContext(ctx)

	var current uint64
	if err := db.Model(&NotificationRecord{}).Select("COALESCE(MAX(version), 0)").Scan(&current).Error; err != nil {
		return nil, 0, err
	}
	if current <= v {
		return nil, current, nil
	}

	var recs []NotificationRecord
	err := db.Where("version > ? AND version <= ?", v, current).Order("version").Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]snapshot.Notification, 0, len(recs))
	for _, r := range recs {
		out = append(out, snapshot.Notification{
			Version:   r.Version,
			Level:     r.Level,
			Title:     r.Title,
			Body:      r.Body,
			ContextID: r.ContextID,
			Time:      r.Time,
		})
	}
	return out, current, nil
}
