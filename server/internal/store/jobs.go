package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// --- Jobs ---

// retryBackoff is the delay before a failed job's next attempt, scaled by
// the number of attempts so far.
const retryBackoff = 30 * time.Second

// CreateJob creates a new job in the queue.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return wrap(s.db.WithContext(ctx).Create(job).Error)
}

// GetJobByID retrieves a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap(err)
	}
	return &job, nil
}

// ListJobsByResource returns a resource's jobs, newest first.
func (s *Store) ListJobsByResource(ctx context.Context, resourceType, resourceID string) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, wrap(err)
}

// HasActiveJobForResource reports whether a pending or running job exists
// for the resource.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobStatusPending), string(model.JobStatusRunning)}).
		Count(&count).Error
	return count > 0, wrap(err)
}

// ClaimJobOfTypes atomically claims a pending job of any of the given types.
// Jobs are taken by priority, then schedule time. A job tied to a resource
// is skipped while another job for that resource is running.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var claimed *model.Job
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var candidates []model.Job
		if err := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobStatusPending, time.Now().UTC()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			c := &candidates[i]
			if c.ResourceType != nil && c.ResourceID != nil {
				var running int64
				if err := tx.Model(&model.Job{}).
					Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
						*c.ResourceType, *c.ResourceID, model.JobStatusRunning, c.ID).
					Count(&running).Error; err != nil {
					return err
				}
				if running > 0 {
					continue
				}
			}
			claimed = c
			break
		}
		if claimed == nil {
			return nil
		}

		now := time.Now().UTC()
		claimed.Status = string(model.JobStatusRunning)
		claimed.WorkerID = &workerID
		claimed.StartedAt = &now
		claimed.Attempts++
		return tx.Save(claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return wrap(s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       model.JobStatusCompleted,
			"completed_at": time.Now().UTC(),
		}).Error)
}

// FailJob records a failed attempt. Jobs with attempts left go back to
// pending after a linear backoff; the rest are marked failed.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if job.Attempts < job.MaxAttempts {
			return tx.Model(&job).Updates(map[string]any{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": now.Add(time.Duration(job.Attempts) * retryBackoff),
				"error":        errMsg,
			}).Error
		}
		return tx.Model(&job).Updates(map[string]any{
			"status":       model.JobStatusFailed,
			"completed_at": now,
			"error":        errMsg,
		}).Error
	})
}

// CleanupStaleJobs resets jobs that have been running longer than
// staleAfter (the worker died). Returns the number of jobs reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]any{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, wrap(result.Error)
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership takes or renews the singleton leader row. A row whose
// heartbeat is older than heartbeatTimeout can be taken over.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTimeout)

	var acquired bool
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var leader model.DispatcherLeader
		err := forUpdate(tx).First(&leader, "id = ?", model.LeaderRowID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.DispatcherLeader{
				ID:          model.LeaderRowID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			})
			if res.Error != nil {
				return res.Error
			}
			// Zero rows means another server won the race.
			acquired = res.RowsAffected == 1
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case leader.ServerID == serverID:
			leader.HeartbeatAt = now
		case leader.HeartbeatAt.Before(cutoff):
			leader.ServerID = serverID
			leader.HeartbeatAt = now
			leader.AcquiredAt = now
		default:
			return nil
		}
		if err := tx.Save(&leader).Error; err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// ReleaseLeadership releases leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return wrap(s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.LeaderRowID, serverID).
		Delete(&model.DispatcherLeader{}).Error)
}
