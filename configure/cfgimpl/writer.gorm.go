package cfgimpl

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/meidoworks/nekoq-config/configure/configapi"
)

// GormWriter writes configurations into the config_info table.
// Startup migrates the schema so that PgStore can read from the same database.
type GormWriter struct {
	dsn string

	db *gorm.DB
}

func NewGormWriter(dsn string) *GormWriter {
	return &GormWriter{
		dsn: dsn,
	}
}

func openGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ConfigInfo{}); err != nil {
		return nil, err
	}
	return db, nil
}

// MigrateSchema creates or updates the config_info table
func MigrateSchema(dsn string) error {
	db, err := openGorm(dsn)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormWriter) Startup() error {
	db, err := openGorm(g.dsn)
	if err != nil {
		return err
	}
	g.db = db
	return nil
}

func (g *GormWriter) Stop() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// lockRow selects the row of the key for update. A nil row means the key never existed.
func lockRow(tx *gorm.DB, gk configapi.GroupKey, tag string) (*ConfigInfo, error) {
	row := new(ConfigInfo)
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("data_id = ? AND group_id = ? AND tenant_id = ? AND tag = ?", gk.DataId, gk.Group, gk.Tenant, tag).
		Take(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return row, nil
}

func nextRowModified(row *ConfigInfo) int64 {
	now := time.Now().UnixMilli()
	if row != nil && row.TimeUpdated >= now {
		return row.TimeUpdated + 1
	}
	return now
}

// saveAttempts lets the loser of two concurrent first saves of one key retry as an update
const saveAttempts = 2

// retryOnDuplicate runs fn again while it fails on the unique key of config_info
func retryOnDuplicate(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		log.Warnw("concurrent creation of configuration, retry", "attempt", i+1, "error", err)
	}
	return err
}

func (g *GormWriter) Save(ctx context.Context, item configapi.ConfigItem) (int64, error) {
	var ts int64
	err := retryOnDuplicate(saveAttempts, func() error {
		return g.save(ctx, item, &ts)
	})
	if err != nil {
		return 0, err
	}
	return ts, nil
}

func (g *GormWriter) save(ctx context.Context, item configapi.ConfigItem, ts *int64) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, item.GroupKey, item.Tag)
		if err != nil {
			return err
		}
		*ts = nextRowModified(row)
		if row == nil {
			return tx.Create(&ConfigInfo{
				DataId:      item.GroupKey.DataId,
				GroupId:     item.GroupKey.Group,
				TenantId:    item.GroupKey.Tenant,
				Tag:         item.Tag,
				Content:     item.Content,
				Md5:         item.Fingerprint(),
				CfgStatus:   configStatusNormal,
				SrcUser:     item.SrcUser,
				SrcIp:       item.SrcIp,
				TimeCreated: *ts,
				TimeUpdated: *ts,
			}).Error
		}
		return tx.Model(row).Updates(map[string]any{
			"content":      item.Content,
			"md5":          item.Fingerprint(),
			"cfg_status":   configStatusNormal,
			"src_user":     item.SrcUser,
			"src_ip":       item.SrcIp,
			"time_updated": *ts,
		}).Error
	})
}

func (g *GormWriter) Delete(ctx context.Context, gk configapi.GroupKey, tag string) (int64, bool, error) {
	var ts int64
	var deleted bool
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRow(tx, gk, tag)
		if err != nil {
			return err
		}
		if row == nil || row.CfgStatus == configStatusDeleted {
			return nil
		}
		ts = nextRowModified(row)
		deleted = true
		return tx.Model(row).Updates(map[string]any{
			"content":      []byte{},
			"md5":          configapi.Fingerprint(nil),
			"cfg_status":   configStatusDeleted,
			"time_updated": ts,
		}).Error
	})
	if err != nil {
		return 0, false, err
	}
	return ts, deleted, nil
}

var _ configapi.DataWriter = new(GormWriter)
