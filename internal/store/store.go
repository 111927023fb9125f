// Package store persists job records.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"storf/internal/apperrors"
	"storf/internal/database"
	"storf/internal/models"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, job *models.Job) error {
	if job.State == "" {
		job.State = models.JobPending
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return apperrors.Storage("create job", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("job %s", id)
	}
	if err != nil {
		return nil, apperrors.Storage("get job", err)
	}
	return &job, nil
}

// Update loads the job under a row lock, applies fn and saves the result.
// If fn returns an error nothing is written and that error is returned.
func (s *Store) Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := database.ForUpdate(tx, false).Where("id = ?", id).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("job %s", id)
		}
		if err != nil {
			return apperrors.Storage("load job", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		if err := tx.Save(&job).Error; err != nil {
			return apperrors.Storage("save job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

type Filter struct {
	States        []models.JobState
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// List returns the jobs matching f, newest first, and the total match count.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Job, int64, error) {
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&models.Job{})
		if len(f.States) > 0 {
			q = q.Where("state IN ?", f.States)
		}
		if !f.CreatedBefore.IsZero() {
			q = q.Where("created_at < ?", f.CreatedBefore.UTC())
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, apperrors.Storage("count jobs", err)
	}

	var jobs []models.Job
	q := scoped().Omit("input_content").Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, 0, apperrors.Storage("list jobs", err)
	}
	return jobs, total, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Job{})
	if res.Error != nil {
		return apperrors.Storage("delete job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("job %s", id)
	}
	return nil
}
