package repository

import (
	"context"
	"fmt"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// depotMappingRepo implements DepotMappingRepository using GORM.
type depotMappingRepo struct {
	db *gorm.DB
}

// NewDepotMappingRepository creates a new DepotMappingRepository.
func NewDepotMappingRepository(db *gorm.DB) DepotMappingRepository {
	return &depotMappingRepo{db: db}
}

func (r *depotMappingRepo) Create(ctx context.Context, mapping *models.SteamDepotMapping) error {
	if err := r.db.WithContext(ctx).Create(mapping).Error; err != nil {
		return fmt.Errorf("creating depot mapping: %w", err)
	}
	return nil
}

func (r *depotMappingRepo) Upsert(ctx context.Context, mapping *models.SteamDepotMapping) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "depot_id"}, {Name: "app_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"app_name", "is_owner", "source", "discovered_at", "updated_at"}),
	}).Create(mapping).Error
	if err != nil {
		return fmt.Errorf("upserting depot mapping: %w", err)
	}
	return nil
}

func (r *depotMappingRepo) GetByDepotID(ctx context.Context, depotID int64) ([]*models.SteamDepotMapping, error) {
	var mappings []*models.SteamDepotMapping
	if err := r.db.WithContext(ctx).Where("depot_id = ?", depotID).Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("getting depot mappings: %w", err)
	}
	return mappings, nil
}

func (r *depotMappingRepo) GetOwningApp(ctx context.Context, depotID int64) (*models.SteamDepotMapping, error) {
	var mapping models.SteamDepotMapping
	err := r.db.WithContext(ctx).Where("depot_id = ? AND is_owner = ?", depotID, true).First(&mapping).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting owning depot mapping: %w", err)
	}
	return &mapping, nil
}

func (r *depotMappingRepo) GetAll(ctx context.Context) ([]*models.SteamDepotMapping, error) {
	var mappings []*models.SteamDepotMapping
	if err := r.db.WithContext(ctx).Order("depot_id ASC").Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("getting all depot mappings: %w", err)
	}
	return mappings, nil
}

func (r *depotMappingRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.SteamDepotMapping{}).Error; err != nil {
		return fmt.Errorf("deleting depot mapping: %w", err)
	}
	return nil
}

var _ DepotMappingRepository = (*depotMappingRepo)(nil)

// downloadRepo implements DownloadRepository using GORM.
type downloadRepo struct {
	db *gorm.DB
}

// NewDownloadRepository creates a new DownloadRepository.
func NewDownloadRepository(db *gorm.DB) DownloadRepository {
	return &downloadRepo{db: db}
}

func (r *downloadRepo) Create(ctx context.Context, download *models.Download) error {
	if err := r.db.WithContext(ctx).Create(download).Error; err != nil {
		return fmt.Errorf("creating download: %w", err)
	}
	return nil
}

func (r *downloadRepo) CreateBatch(ctx context.Context, downloads []*models.Download) error {
	if len(downloads) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(downloads, 200).Error; err != nil {
		return fmt.Errorf("creating download batch: %w", err)
	}
	return nil
}

func (r *downloadRepo) GetByID(ctx context.Context, id models.ULID) (*models.Download, error) {
	var download models.Download
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&download).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting download: %w", err)
	}
	return &download, nil
}

// GetNeedingDepotResolution retrieves Steam downloads with a depot id but
// no resolved game app id yet, oldest first so the backfill drains the
// longest-waiting rows first.
func (r *downloadRepo) GetNeedingDepotResolution(ctx context.Context, limit int) ([]*models.Download, error) {
	var downloads []*models.Download
	err := r.db.WithContext(ctx).
		Where("service = ? AND depot_id IS NOT NULL AND game_app_id IS NULL", "steam").
		Order("start_time_utc ASC").
		Limit(limit).
		Find(&downloads).Error
	if err != nil {
		return nil, fmt.Errorf("getting downloads needing depot resolution: %w", err)
	}
	return downloads, nil
}

func (r *downloadRepo) ResolveGameInfo(ctx context.Context, id models.ULID, gameAppID int64, gameName string, gameImageURL *string) error {
	result := r.db.WithContext(ctx).Model(&models.Download{}).Where("id = ?", id).
		UpdateColumns(map[string]any{
			"game_app_id":    gameAppID,
			"game_name":      gameName,
			"game_image_url": gameImageURL,
		})
	if result.Error != nil {
		return fmt.Errorf("resolving download game info: %w", result.Error)
	}
	return nil
}

// ResolveBatch attaches resolved game identity to many rows in a single
// transaction, so a mid-batch failure leaves no row half-resolved
// (spec.md §4.L).
func (r *downloadRepo) ResolveBatch(ctx context.Context, resolutions []DownloadResolution) error {
	if len(resolutions) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, res := range resolutions {
			result := tx.Model(&models.Download{}).Where("id = ?", res.ID).
				UpdateColumns(map[string]any{
					"game_app_id":    res.GameAppID,
					"game_name":      res.GameName,
					"game_image_url": res.GameImageURL,
				})
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolving download batch: %w", err)
	}
	return nil
}

func (r *downloadRepo) GetRecent(ctx context.Context, limit int) ([]*models.Download, error) {
	var downloads []*models.Download
	if err := r.db.WithContext(ctx).Order("start_time_utc DESC").Limit(limit).Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("getting recent downloads: %w", err)
	}
	return downloads, nil
}

func (r *downloadRepo) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Download{}).
		Where("service = ? AND depot_id IS NOT NULL AND game_app_id IS NULL", "steam").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting unresolved downloads: %w", err)
	}
	return count, nil
}

var _ DownloadRepository = (*downloadRepo)(nil)
