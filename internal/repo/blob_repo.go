// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores path-addressed blobs for the SQL blob
// backend.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// PutBlob inserts or replaces the blob at path.
func PutBlob(ctx context.Context, db *gorm.DB, path string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	b := &domain.Blob{Path: path, Data: data, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(b).Error
}

// GetBlob returns the data stored at path, or ErrNotFound.
func GetBlob(ctx context.Context, db *gorm.DB, path string) ([]byte, error) {
	var b domain.Blob
	if err := db.WithContext(ctx).Where("path = ?", path).First(&b).Error; err != nil {
		return nil, err
	}
	return b.Data, nil
}
