// Package migrations provides database migration management for
// lancache-opsd.
package migrations

import (
	"github.com/lancache-ops/lancache-opsd/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates all database tables using GORM AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create all database tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				// Operation state store (spec.md §4.C)
				&models.OperationStateRecord{},

				// Detection caches (spec.md §4.H/§4.I)
				&models.CachedGameDetection{},
				&models.CachedServiceDetection{},
				&models.CachedCorruptionDetection{},

				// Depot mapping and ingested downloads (spec.md §4.L)
				&models.SteamDepotMapping{},
				&models.Download{},

				// Prefill sessions (spec.md §4.M)
				&models.PrefillSession{},
				&models.PrefillHistoryEntry{},
				&models.BannedSteamUser{},
				&models.CachedDepotManifest{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{
				"cached_depot_manifests",
				"banned_steam_users",
				"prefill_history_entries",
				"prefill_sessions",
				"downloads",
				"steam_depot_mappings",
				"cached_corruption_detections",
				"cached_service_detections",
				"cached_game_detections",
				"operation_states",
			}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
