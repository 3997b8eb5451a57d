package repository

import (
	"context"
	"fmt"

	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// cachedDepotManifestRepo implements CachedDepotManifestRepository using
// GORM.
type cachedDepotManifestRepo struct {
	db *gorm.DB
}

// NewCachedDepotManifestRepository creates a new CachedDepotManifestRepository.
func NewCachedDepotManifestRepository(db *gorm.DB) CachedDepotManifestRepository {
	return &cachedDepotManifestRepo{db: db}
}

func (r *cachedDepotManifestRepo) Upsert(ctx context.Context, entry *models.CachedDepotManifest) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "depot_id"}, {Name: "manifest_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"app_id", "total_bytes", "cached_at_utc", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("upserting cached depot manifest: %w", err)
	}
	return nil
}

func (r *cachedDepotManifestRepo) GetAll(ctx context.Context) ([]*models.CachedDepotManifest, error) {
	var entries []*models.CachedDepotManifest
	if err := r.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting cached depot manifests: %w", err)
	}
	return entries, nil
}

func (r *cachedDepotManifestRepo) GetByAppID(ctx context.Context, appID int64) ([]*models.CachedDepotManifest, error) {
	var entries []*models.CachedDepotManifest
	if err := r.db.WithContext(ctx).Where("app_id = ?", appID).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting cached depot manifests for app: %w", err)
	}
	return entries, nil
}

var _ CachedDepotManifestRepository = (*cachedDepotManifestRepo)(nil)
