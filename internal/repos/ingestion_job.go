package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/voxlore/audio-ingest/internal/platform/logger"
	"github.com/voxlore/audio-ingest/internal/types"
)

type IngestionJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.IngestionJob) (*types.IngestionJob, error)
	GetByExternalEventID(ctx context.Context, tx *gorm.DB, externalEventID string) (*types.IngestionJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.IngestionJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	CountByStatus(ctx context.Context, tx *gorm.DB) (map[string]int64, error)
}

type ingestionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIngestionJobRepo(db *gorm.DB, baseLog *logger.Logger) IngestionJobRepo {
	return &ingestionJobRepo{
		db:  db,
		log: baseLog.With("repo", "IngestionJobRepo"),
	}
}

func (r *ingestionJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.IngestionJob) (*types.IngestionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *ingestionJobRepo) GetByExternalEventID(ctx context.Context, tx *gorm.DB, externalEventID string) (*types.IngestionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if externalEventID == "" {
		return nil, nil
	}
	var job types.IngestionJob
	err := transaction.WithContext(ctx).
		Where("external_event_id = ?", externalEventID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *ingestionJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.IngestionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.IngestionJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *ingestionJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	return transaction.WithContext(ctx).
		Model(&types.IngestionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *ingestionJobRepo) CountByStatus(ctx context.Context, tx *gorm.DB) (map[string]int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rows []struct {
		Status string
		Count  int64
	}
	if err := transaction.WithContext(ctx).
		Model(&types.IngestionJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// ClaimForAttempt creates the job row for a first delivery or re-activates
// an existing non-terminal row for a retry. The unique index on
// external_event_id makes concurrent claims of the same event collapse to
// one row; a completed row short-circuits as a duplicate.
func ClaimForAttempt(ctx context.Context, db *gorm.DB, repo IngestionJobRepo, candidate *types.IngestionJob) (*types.IngestionJob, bool, error) {
	var (
		claimed   *types.IngestionJob
		duplicate bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing types.IngestionJob
		qErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_event_id = ?", candidate.ExternalEventID).
			Limit(1).
			Find(&existing).Error
		if qErr != nil {
			return qErr
		}
		if existing.ID != uuid.Nil {
			if existing.Status == types.JobStatusCompleted {
				claimed = &existing
				duplicate = true
				return nil
			}
			now := time.Now().UTC()
			// A re-delivery of a known event is attempt N+1; the producer's
			// retry_count wins when it is ahead of ours.
			retry := existing.RetryCount + 1
			if candidate.RetryCount > retry {
				retry = candidate.RetryCount
			}
			updates := map[string]interface{}{
				"status":      types.JobStatusDownloading,
				"retry_count": retry,
				"trace_id":    candidate.TraceID,
				"started_at":  now,
			}
			if uErr := tx.Model(&types.IngestionJob{}).
				Where("id = ?", existing.ID).
				Updates(updates).Error; uErr != nil {
				return uErr
			}
			existing.Status = types.JobStatusDownloading
			existing.RetryCount = retry
			existing.TraceID = candidate.TraceID
			existing.StartedAt = &now
			claimed = &existing
			return nil
		}
		now := time.Now().UTC()
		candidate.Status = types.JobStatusDownloading
		candidate.StartedAt = &now
		if cErr := tx.Create(candidate).Error; cErr != nil {
			return cErr
		}
		claimed = candidate
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, duplicate, nil
}
