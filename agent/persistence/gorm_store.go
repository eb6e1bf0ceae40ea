package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RecordRow GORM 模型，所有集合共用一张表
type RecordRow struct {
	Collection string `gorm:"primaryKey;size:32;index:idx_agentjobs_records_parent,priority:1"`
	ID         string `gorm:"primaryKey;size:191"`
	Parent     string `gorm:"size:191;index:idx_agentjobs_records_parent,priority:2"`
	Tag        string `gorm:"size:32"`
	Seq        int64  `gorm:"index:idx_agentjobs_records_parent,priority:3"`
	Version    int64  `gorm:"not null;default:1"`
	Data       []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 指定表名
func (RecordRow) TableName() string { return "agentjobs_records" }

type gormBackend struct {
	db *gorm.DB
}

// NewGormStore creates a relational store, optionally migrating its table.
// Works with any GORM dialector (postgres, mysql, sqlite).
func NewGormStore(db *gorm.DB, autoMigrate bool) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if autoMigrate {
		if err := db.AutoMigrate(&RecordRow{}); err != nil {
			return nil, fmt.Errorf("failed to auto migrate: %w", err)
		}
	}
	return newRecordStore(&gormBackend{db: db}), nil
}

func toRow(rec *record) *RecordRow {
	return &RecordRow{
		Collection: rec.Collection,
		ID:         rec.ID,
		Parent:     rec.Parent,
		Tag:        rec.Tag,
		Seq:        rec.Seq,
		Version:    rec.Version,
		Data:       rec.Data,
	}
}

func fromRow(row *RecordRow) *record {
	return &record{
		Collection: row.Collection,
		ID:         row.ID,
		Parent:     row.Parent,
		Tag:        row.Tag,
		Seq:        row.Seq,
		Version:    row.Version,
		Data:       row.Data,
	}
}

func (g *gormBackend) find(tx *gorm.DB, coll, id string) (*RecordRow, error) {
	var row RecordRow
	err := tx.Where("collection = ? AND id = ?", coll, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (g *gormBackend) create(ctx context.Context, rec *record) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := g.find(tx, rec.Collection, rec.ID); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		rec.Version = 1
		return tx.Create(toRow(rec)).Error
	})
}

func (g *gormBackend) get(ctx context.Context, coll, id string) (*record, error) {
	row, err := g.find(g.db.WithContext(ctx), coll, id)
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

func (g *gormBackend) put(ctx context.Context, rec *record, expected int64) error {
	db := g.db.WithContext(ctx)
	if expected > 0 {
		res := db.Model(&RecordRow{}).
			Where("collection = ? AND id = ? AND version = ?", rec.Collection, rec.ID, expected).
			Updates(map[string]any{
				"parent":     rec.Parent,
				"tag":        rec.Tag,
				"seq":        rec.Seq,
				"data":       rec.Data,
				"version":    expected + 1,
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := g.find(db, rec.Collection, rec.ID); err != nil {
				return err
			}
			return ErrConflict
		}
		rec.Version = expected + 1
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		cur, err := g.find(tx, rec.Collection, rec.ID)
		if errors.Is(err, ErrNotFound) {
			rec.Version = 1
			return tx.Create(toRow(rec)).Error
		}
		if err != nil {
			return err
		}
		rec.Version = cur.Version + 1
		row := toRow(rec)
		row.CreatedAt = cur.CreatedAt
		return tx.Save(row).Error
	})
}

func (g *gormBackend) list(ctx context.Context, coll, parent string) ([]*record, error) {
	var rows []RecordRow
	err := g.db.WithContext(ctx).
		Where("collection = ? AND parent = ?", coll, parent).
		Order("seq ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*record, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func (g *gormBackend) count(ctx context.Context, coll, parent string) (int, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&RecordRow{}).
		Where("collection = ? AND parent = ?", coll, parent).
		Count(&n).Error
	return int(n), err
}

func (g *gormBackend) deleteAll(ctx context.Context, coll, parent string) error {
	return g.db.WithContext(ctx).
		Where("collection = ? AND parent = ?", coll, parent).
		Delete(&RecordRow{}).Error
}

func (g *gormBackend) ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// 连接由 internal/database 管理
func (g *gormBackend) close() error { return nil }
