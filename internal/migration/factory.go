package migration

import (
	"fmt"

	"gorm.io/gorm"

	appconfig "github.com/BaSui01/agentjobs/config"
)

// NewMigratorFromGorm creates a migrator that shares the record store's pool.
func NewMigratorFromGorm(db *gorm.DB, dbCfg appconfig.DatabaseConfig) (*DefaultMigrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return NewMigrator(sqlDB, Config{DatabaseType: dbType})
}
