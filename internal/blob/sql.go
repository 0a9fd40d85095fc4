package blob

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/repo"
)

// SQL stores blobs in the blobs table of the application database.
type SQL struct {
	DB *gorm.DB
}

// NewSQL returns a store on db. The blobs table must be migrated.
func NewSQL(db *gorm.DB) *SQL { return &SQL{DB: db} }

// Read implements Store.
func (s *SQL) Read(ctx context.Context, p string) ([]byte, error) {
	c, err := Clean(p)
	if err != nil {
		return nil, err
	}
	b, err := repo.GetBlob(ctx, s.DB, c)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// Write implements Store.
func (s *SQL) Write(ctx context.Context, p string, data []byte) error {
	c, err := Clean(p)
	if err != nil {
		return err
	}
	return repo.PutBlob(ctx, s.DB, c, data)
}
