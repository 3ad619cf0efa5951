package docflow

import (
	"gorm.io/gorm"

	"github.com/docflow-io/docflow/pkg/storage"
)

// GormStorage is the GORM-backed core.Storage implementation.
type GormStorage = storage.GormStorage

// PoolConfig holds connection pool configuration for the workflow store.
type PoolConfig = storage.PoolConfig

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return storage.NewGormStorage(db)
}

// NewGormStorageWithPool creates a GORM-backed storage with connection
// pooling configured.
func NewGormStorageWithPool(db *gorm.DB, opts ...storage.PoolOption) (*GormStorage, error) {
	return storage.NewGormStorageWithPool(db, opts...)
}
