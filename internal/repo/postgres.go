package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresRepository persists strategy records in Postgres via GORM.
type PostgresRepository struct {
	db *gorm.DB
}

// NewPostgres connects and migrates the strategy_records table.
func NewPostgres(dsn string) (*PostgresRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&StrategyRecord{}); err != nil {
		return nil, fmt.Errorf("migrate strategy records: %w", err)
	}

	log.Info().Msg("postgres strategy repository ready")
	return &PostgresRepository{db: db}, nil
}

// FindBy returns records matching every filter key.
func (r *PostgresRepository) FindBy(ctx context.Context, filter map[string]any) ([]StrategyRecord, error) {
	var out []StrategyRecord
	q := r.db.WithContext(ctx).Order("id")
	if len(filter) > 0 {
		q = q.Where(filter)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find strategies: %w", err)
	}
	return out, nil
}

// Create inserts a record.
func (r *PostgresRepository) Create(ctx context.Context, rec StrategyRecord) (StrategyRecord, error) {
	if rec.ID == "" {
		return StrategyRecord{}, fmt.Errorf("record must have an id")
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return StrategyRecord{}, fmt.Errorf("create strategy %q: %w", rec.ID, err)
	}
	return rec, nil
}

// Update applies a patch and returns the updated record.
func (r *PostgresRepository) Update(ctx context.Context, id string, patch map[string]any) (StrategyRecord, error) {
	res := r.db.WithContext(ctx).Model(&StrategyRecord{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return StrategyRecord{}, fmt.Errorf("update strategy %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return StrategyRecord{}, fmt.Errorf("record %q not found", id)
	}

	var rec StrategyRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return StrategyRecord{}, fmt.Errorf("reload strategy %q: %w", id, err)
	}
	return rec, nil
}

// FindByID returns a record or nil when absent.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*StrategyRecord, error) {
	var rec StrategyRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find strategy %q: %w", id, err)
	}
	return &rec, nil
}
