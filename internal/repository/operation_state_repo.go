package repository

import (
	"context"
	"fmt"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// operationStateRepo implements OperationStateRepository using GORM.
type operationStateRepo struct {
	db *gorm.DB
}

// NewOperationStateRepository creates a new OperationStateRepository.
func NewOperationStateRepository(db *gorm.DB) OperationStateRepository {
	return &operationStateRepo{db: db}
}

// Save creates or replaces the record for the given key.
func (r *operationStateRepo) Save(ctx context.Context, record *models.OperationStateRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "status", "message", "data_blob", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("saving operation state: %w", err)
	}
	return nil
}

// Get retrieves a record by key.
func (r *operationStateRepo) Get(ctx context.Context, key string) (*models.OperationStateRecord, error) {
	var record models.OperationStateRecord
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting operation state: %w", err)
	}
	return &record, nil
}

// Delete removes a record by key.
func (r *operationStateRepo) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("key = ?", key).Delete(&models.OperationStateRecord{}).Error; err != nil {
		return fmt.Errorf("deleting operation state: %w", err)
	}
	return nil
}

// GetAll retrieves every record.
func (r *operationStateRepo) GetAll(ctx context.Context) ([]*models.OperationStateRecord, error) {
	var records []*models.OperationStateRecord
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting all operation states: %w", err)
	}
	return records, nil
}

// GetByType retrieves records of a given operation type.
func (r *operationStateRepo) GetByType(ctx context.Context, opType string) ([]*models.OperationStateRecord, error) {
	var records []*models.OperationStateRecord
	if err := r.db.WithContext(ctx).Where("type = ?", opType).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("getting operation states by type: %w", err)
	}
	return records, nil
}

var _ OperationStateRepository = (*operationStateRepo)(nil)
