package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	errs "dexadapter/internal/errors"
	"dexadapter/internal/model"
	"dexadapter/pkg/exception"
)

// Cache keeps a rebuildable copy of the registry across restarts.
// Load returns exception.ErrRegistryCacheMiss when nothing is stored.
type Cache interface {
	Load(ctx context.Context) ([]model.Instrument, error)
	Save(ctx context.Context, insts []model.Instrument) error
}

// NopCache stores nothing.
type NopCache struct{}

func (NopCache) Load(context.Context) ([]model.Instrument, error) {
	return nil, exception.ErrRegistryCacheMiss
}

func (NopCache) Save(context.Context, []model.Instrument) error { return nil }

// FileCache writes the registry document to a JSON file.
type FileCache struct {
	path string
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Load(ctx context.Context) ([]model.Instrument, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, exception.ErrRegistryCacheMiss
	}
	if err != nil {
		return nil, errs.Wrap(err, "read registry cache")
	}
	return DecodeDocument(data)
}

func (c *FileCache) Save(ctx context.Context, insts []model.Instrument) error {
	data, err := EncodeDocument(insts, time.Now().UTC().UnixNano())
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// RedisCache keeps the document under one key.
type RedisCache struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

const defaultRedisKey = "dexadapter:registry"

func NewRedisCache(client redis.Cmdable, key string, ttl time.Duration) *RedisCache {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (c *RedisCache) Load(ctx context.Context) ([]model.Instrument, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, exception.ErrRegistryCacheMiss
	}
	if err != nil {
		return nil, errs.Wrap(err, "redis get "+c.key)
	}
	return DecodeDocument(data)
}

func (c *RedisCache) Save(ctx context.Context, insts []model.Instrument) error {
	data, err := EncodeDocument(insts, time.Now().UTC().UnixNano())
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, c.ttl).Err()
}

// instrumentRow is one cached instrument in PostgreSQL.
type instrumentRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Pool      string `gorm:"column:pool;index"`
	Payload   []byte `gorm:"column:payload"`
	UpdatedAt time.Time
}

func (instrumentRow) TableName() string {
	return "dex_instruments"
}

// PostgresCache keeps one row per instrument.
type PostgresCache struct {
	db *gorm.DB
}

func NewPostgresCache(ctx context.Context, db *gorm.DB) (*PostgresCache, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.WithContext(ctx).AutoMigrate(&instrumentRow{}); err != nil {
		return nil, errs.Wrap(err, "migrate registry cache")
	}
	return &PostgresCache{db: db}, nil
}

func (c *PostgresCache) Load(ctx context.Context) ([]model.Instrument, error) {
	var rows []instrumentRow
	if err := c.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query registry cache")
	}
	if len(rows) == 0 {
		return nil, exception.ErrRegistryCacheMiss
	}
	out := make([]model.Instrument, 0, len(rows))
	for _, row := range rows {
		inst, err := DecodeRecord(row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (c *PostgresCache) Save(ctx context.Context, insts []model.Instrument) error {
	rows := make([]instrumentRow, 0, len(insts))
	now := time.Now().UTC()
	for _, inst := range insts {
		payload, err := EncodeRecord(inst)
		if err != nil {
			return err
		}
		rows = append(rows, instrumentRow{ID: inst.ID.String(), Pool: inst.Pool.Hex(), Payload: payload, UpdatedAt: now})
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&instrumentRow{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 100).Error
	})
}
