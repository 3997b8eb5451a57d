package repository

import (
	"context"
	"fmt"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gameDetectionRepo implements GameDetectionRepository using GORM.
type gameDetectionRepo struct {
	db *gorm.DB
}

// NewGameDetectionRepository creates a new GameDetectionRepository.
func NewGameDetectionRepository(db *gorm.DB) GameDetectionRepository {
	return &gameDetectionRepo{db: db}
}

func (r *gameDetectionRepo) Upsert(ctx context.Context, detection *models.CachedGameDetection) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "game_app_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"game_name", "cache_files_found", "total_size_bytes",
			"depot_ids", "sample_urls", "cache_file_paths", "datasources",
			"last_detected_utc",
		}),
	}).Create(detection).Error
	if err != nil {
		return fmt.Errorf("upserting game detection: %w", err)
	}
	return nil
}

func (r *gameDetectionRepo) GetByAppID(ctx context.Context, appID int64) (*models.CachedGameDetection, error) {
	var detection models.CachedGameDetection
	if err := r.db.WithContext(ctx).Where("game_app_id = ?", appID).First(&detection).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting game detection: %w", err)
	}
	return &detection, nil
}

func (r *gameDetectionRepo) GetAll(ctx context.Context) ([]*models.CachedGameDetection, error) {
	var detections []*models.CachedGameDetection
	if err := r.db.WithContext(ctx).Order("game_name ASC").Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("getting all game detections: %w", err)
	}
	return detections, nil
}

func (r *gameDetectionRepo) GetUnknown(ctx context.Context) ([]*models.CachedGameDetection, error) {
	var detections []*models.CachedGameDetection
	if err := r.db.WithContext(ctx).Where("game_name LIKE ?", "Unknown Game (Depot %").Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("getting unknown game detections: %w", err)
	}
	return detections, nil
}

func (r *gameDetectionRepo) Delete(ctx context.Context, appID int64) error {
	if err := r.db.WithContext(ctx).Where("game_app_id = ?", appID).Delete(&models.CachedGameDetection{}).Error; err != nil {
		return fmt.Errorf("deleting game detection: %w", err)
	}
	return nil
}

func (r *gameDetectionRepo) DeleteAll(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.CachedGameDetection{}).Error; err != nil {
		return fmt.Errorf("deleting all game detections: %w", err)
	}
	return nil
}

var _ GameDetectionRepository = (*gameDetectionRepo)(nil)

// serviceDetectionRepo implements ServiceDetectionRepository using GORM.
type serviceDetectionRepo struct {
	db *gorm.DB
}

// NewServiceDetectionRepository creates a new ServiceDetectionRepository.
func NewServiceDetectionRepository(db *gorm.DB) ServiceDetectionRepository {
	return &serviceDetectionRepo{db: db}
}

func (r *serviceDetectionRepo) Upsert(ctx context.Context, detection *models.CachedServiceDetection) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cache_files_found", "total_size_bytes", "datasources", "last_detected_utc",
		}),
	}).Create(detection).Error
	if err != nil {
		return fmt.Errorf("upserting service detection: %w", err)
	}
	return nil
}

func (r *serviceDetectionRepo) GetByName(ctx context.Context, serviceName string) (*models.CachedServiceDetection, error) {
	var detection models.CachedServiceDetection
	if err := r.db.WithContext(ctx).Where("service_name = ?", serviceName).First(&detection).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting service detection: %w", err)
	}
	return &detection, nil
}

func (r *serviceDetectionRepo) GetAll(ctx context.Context) ([]*models.CachedServiceDetection, error) {
	var detections []*models.CachedServiceDetection
	if err := r.db.WithContext(ctx).Order("service_name ASC").Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("getting all service detections: %w", err)
	}
	return detections, nil
}

func (r *serviceDetectionRepo) Delete(ctx context.Context, serviceName string) error {
	if err := r.db.WithContext(ctx).Where("service_name = ?", serviceName).Delete(&models.CachedServiceDetection{}).Error; err != nil {
		return fmt.Errorf("deleting service detection: %w", err)
	}
	return nil
}

func (r *serviceDetectionRepo) DeleteAll(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.CachedServiceDetection{}).Error; err != nil {
		return fmt.Errorf("deleting all service detections: %w", err)
	}
	return nil
}

var _ ServiceDetectionRepository = (*serviceDetectionRepo)(nil)

// corruptionDetectionRepo implements CorruptionDetectionRepository using GORM.
type corruptionDetectionRepo struct {
	db *gorm.DB
}

// NewCorruptionDetectionRepository creates a new CorruptionDetectionRepository.
func NewCorruptionDetectionRepository(db *gorm.DB) CorruptionDetectionRepository {
	return &corruptionDetectionRepo{db: db}
}

func (r *corruptionDetectionRepo) Upsert(ctx context.Context, detection *models.CachedCorruptionDetection) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "service_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"corrupted_chunk_count", "last_detected_utc"}),
	}).Create(detection).Error
	if err != nil {
		return fmt.Errorf("upserting corruption detection: %w", err)
	}
	return nil
}

func (r *corruptionDetectionRepo) GetByName(ctx context.Context, serviceName string) (*models.CachedCorruptionDetection, error) {
	var detection models.CachedCorruptionDetection
	if err := r.db.WithContext(ctx).Where("service_name = ?", serviceName).First(&detection).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting corruption detection: %w", err)
	}
	return &detection, nil
}

func (r *corruptionDetectionRepo) GetAll(ctx context.Context) ([]*models.CachedCorruptionDetection, error) {
	var detections []*models.CachedCorruptionDetection
	if err := r.db.WithContext(ctx).Order("service_name ASC").Find(&detections).Error; err != nil {
		return nil, fmt.Errorf("getting all corruption detections: %w", err)
	}
	return detections, nil
}

func (r *corruptionDetectionRepo) Delete(ctx context.Context, serviceName string) error {
	if err := r.db.WithContext(ctx).Where("service_name = ?", serviceName).Delete(&models.CachedCorruptionDetection{}).Error; err != nil {
		return fmt.Errorf("deleting corruption detection: %w", err)
	}
	return nil
}

func (r *corruptionDetectionRepo) DeleteAll(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&models.CachedCorruptionDetection{}).Error; err != nil {
		return fmt.Errorf("deleting all corruption detections: %w", err)
	}
	return nil
}

var _ CorruptionDetectionRepository = (*corruptionDetectionRepo)(nil)
