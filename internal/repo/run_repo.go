// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Run audit
// model written by the pipeline at every state transition.
//
// Error semantics:
//   - When a run is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateRun inserts a new Run in state INIT. An empty id gets a fresh UUID.
func CreateRun(ctx context.Context, db *gorm.DB, id string, reportID int64) (*domain.Run, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	r := &domain.Run{
		ID:        id,
		ReportID:  reportID,
		State:     domain.RunInit,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// SaveRun writes every column of r. FinishedAt is stamped the first time
// the run is saved in a terminal state.
func SaveRun(ctx context.Context, db *gorm.DB, r *domain.Run) error {
	now := time.Now().UTC()
	if r.Terminal() && r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	r.UpdatedAt = now
	res := db.WithContext(ctx).Model(&domain.Run{}).Where("id = ?", r.ID).Select("*").Updates(r)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun fetches a run by id.
func GetRun(ctx context.Context, db *gorm.DB, id string) (*domain.Run, error) {
	var r domain.Run
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// CountRuns returns the number of recorded runs.
func CountRuns(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Run{}).Count(&total).Error
	return total, err
}

// ListRunsPage returns runs newest first (StartedAt DESC, ID DESC).
func ListRunsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Run, error) {
	var out []domain.Run
	err := db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RunsStats returns the run count and the newest UpdatedAt, used to build
// list ETags. maxUpdatedAt is nil when no runs exist.
func RunsStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if count, err = CountRuns(ctx, db); err != nil || count == 0 {
		return 0, nil, err
	}
	// ORDER BY instead of MAX(): SQLite returns MAX over datetimes as TEXT.
	var latest domain.Run
	err = db.WithContext(ctx).Select("updated_at").Order("updated_at DESC").Limit(1).Take(&latest).Error
	if err != nil {
		return 0, nil, err
	}
	return count, &latest.UpdatedAt, nil
}
