// Package storage provides storage implementations for workflow persistence.
//
// This package includes:
//   - GormStorage: A GORM-based implementation supporting sqlite and postgres
//
// The Storage interface is defined in pkg/core and must be implemented
// by any custom storage backend.
//
// Most users should import the root package github.com/docflow-io/docflow
// which provides NewGormStorage() to create storage instances.
package storage
