// Package storage provides the GORM-backed implementation of core.Storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docflow-io/docflow/pkg/core"
)

// GormStorage implements core.Storage using GORM. It works against sqlite
// for tests and local use, and postgres in deployment.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.JobInstance{},
		&core.TransitionEvent{},
		&core.GateItem{},
		&core.GateDecision{},
		&core.BatchInstance{},
		&core.BatchJob{},
		&core.TenantSettings{},
	)
}

// CreateJob persists a new job. Missing fields get their submission-time
// defaults: a fresh id, the initial state, and the current time as StartedAt.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.JobInstance) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CurrentState == "" {
		job.CurrentState = core.StateUploadReceived
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob fetches one job by id.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.JobInstance, error) {
	var job core.JobInstance
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobsByIDs fetches the subset of ids owned by the tenant. Missing ids are
// simply absent from the result; callers decide whether that is an error.
func (s *GormStorage) GetJobsByIDs(ctx context.Context, tenantID string, ids []string) ([]*core.JobInstance, error) {
	var jobs []*core.JobInstance
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Where("id IN ?", ids).
		Find(&jobs).Error
	return jobs, err
}

// GetJobsByState lists jobs in one state, oldest first.
func (s *GormStorage) GetJobsByState(ctx context.Context, state core.State, limit int) ([]*core.JobInstance, error) {
	var jobs []*core.JobInstance
	q := s.db.WithContext(ctx).
		Where("current_state = ?", state).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return jobs, q.Find(&jobs).Error
}

// ListStaleJobs returns jobs sitting in one of the given states since before
// the cutoff, oldest first.
func (s *GormStorage) ListStaleJobs(ctx context.Context, states []core.State, cutoff time.Time) ([]*core.JobInstance, error) {
	var jobs []*core.JobInstance
	err := s.db.WithContext(ctx).
		Where("current_state IN ?", states).
		Where("started_at < ?", cutoff).
		Order("started_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ApplyTransition persists the job's new state and appends the audit event in
// one transaction. The update is conditioned on the row still holding from;
// zero rows affected means either the job vanished (ErrNotFound) or another
// transition won the race (ErrTransitionConflict). A crash can never leave
// the state update without its event, or vice versa.
func (s *GormStorage) ApplyTransition(ctx context.Context, job *core.JobInstance, from core.State, ev *core.TransitionEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&core.JobInstance{}).
			Where("id = ? AND current_state = ?", job.ID, from).
			Updates(map[string]any{
				"current_state": job.CurrentState,
				"state_data":    job.StateData,
				"retry_count":   job.RetryCount,
				"loop_count":    job.LoopCount,
				"error_message": job.ErrorMessage,
				"started_at":    job.StartedAt,
				"completed_at":  job.CompletedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&core.JobInstance{}).Where("id = ?", job.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return core.ErrNotFound
			}
			return core.ErrTransitionConflict
		}
		return tx.Create(ev).Error
	})
}

// ListEvents returns the job's transition history in order.
func (s *GormStorage) ListEvents(ctx context.Context, jobID string) ([]core.TransitionEvent, error) {
	var events []core.TransitionEvent
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC").
		Find(&events).Error
	return events, err
}

// ReplaceGateItems swaps the pending item set for (job, gate) atomically.
func (s *GormStorage) ReplaceGateItems(ctx context.Context, jobID string, gate core.Gate, items []core.GateItem) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ? AND gate = ?", jobID, gate).Delete(&core.GateItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
}

// GetGateItems lists the pending items for (job, gate).
func (s *GormStorage) GetGateItems(ctx context.Context, jobID string, gate core.Gate) ([]core.GateItem, error) {
	var items []core.GateItem
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND gate = ?", jobID, gate).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// RecordDecision removes the pending item and inserts the decision in one
// transaction. ErrItemNotFound when the item row no longer exists, so a
// decision is persisted exactly once per item.
func (s *GormStorage) RecordDecision(ctx context.Context, d *core.GateDecision) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("job_id = ? AND gate = ? AND item_id = ?", d.JobID, d.Gate, d.ItemID).
			Delete(&core.GateItem{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrItemNotFound
		}
		return tx.Create(d).Error
	})
}

// GetDecisions returns the compliance trail for (job, gate).
func (s *GormStorage) GetDecisions(ctx context.Context, jobID string, gate core.Gate) ([]core.GateDecision, error) {
	var decisions []core.GateDecision
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND gate = ?", jobID, gate).
		Order("decided_at ASC").
		Find(&decisions).Error
	return decisions, err
}

// CountDecisions counts persisted decisions for (job, gate).
func (s *GormStorage) CountDecisions(ctx context.Context, jobID string, gate core.Gate) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&core.GateDecision{}).
		Where("job_id = ? AND gate = ?", jobID, gate).
		Count(&count).Error
	return count, err
}

// ClearGate removes any remaining pending items for (job, gate). Decisions
// are never deleted.
func (s *GormStorage) ClearGate(ctx context.Context, jobID string, gate core.Gate) error {
	return s.db.WithContext(ctx).
		Where("job_id = ? AND gate = ?", jobID, gate).
		Delete(&core.GateItem{}).Error
}

// GetTenantSettings fetches a tenant's stored settings; nil when the tenant
// has none.
func (s *GormStorage) GetTenantSettings(ctx context.Context, tenantID string) (*core.TenantSettings, error) {
	var ts core.TenantSettings
	err := s.db.WithContext(ctx).First(&ts, "tenant_id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ts, nil
}

// UpdateTenantSettings upserts a tenant's settings document.
func (s *GormStorage) UpdateTenantSettings(ctx context.Context, ts *core.TenantSettings) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			UpdateAll: true,
		}).
		Create(ts).Error
}

// CreateBatch persists the batch, its member rows, and stamps batch_id onto
// the member jobs, all in one transaction.
func (s *GormStorage) CreateBatch(ctx context.Context, batch *core.BatchInstance, members []core.BatchJob) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batch).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if err := tx.Create(&members).Error; err != nil {
			return err
		}
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.JobID
		}
		return tx.Model(&core.JobInstance{}).
			Where("id IN ?", ids).
			Update("batch_id", batch.ID).Error
	})
}

// GetBatch fetches one batch by id.
func (s *GormStorage) GetBatch(ctx context.Context, batchID string) (*core.BatchInstance, error) {
	var batch core.BatchInstance
	err := s.db.WithContext(ctx).First(&batch, "id = ?", batchID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// GetBatchJobs lists the member rows of a batch in creation order.
func (s *GormStorage) GetBatchJobs(ctx context.Context, batchID string) ([]core.BatchJob, error) {
	var members []core.BatchJob
	err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Find(&members).Error
	return members, err
}

// UpdateBatchStatus conditionally moves the batch out of one of the from
// statuses. StartedAt is stamped on entering PROCESSING and CompletedAt on
// entering a terminal status.
func (s *GormStorage) UpdateBatchStatus(ctx context.Context, batchID string, from []core.BatchStatus, to core.BatchStatus) (bool, error) {
	updates := map[string]any{"status": to}
	now := time.Now()
	switch to {
	case core.BatchProcessing:
		updates["started_at"] = now
	case core.BatchCompleted, core.BatchFailed, core.BatchCancelled:
		updates["completed_at"] = now
	}

	result := s.db.WithContext(ctx).Model(&core.BatchInstance{}).
		Where("id = ? AND status IN ?", batchID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// IncrementBatchCompleted bumps the completed counter and returns the fresh row.
func (s *GormStorage) IncrementBatchCompleted(ctx context.Context, batchID string) (*core.BatchInstance, error) {
	return s.incrementBatchCounter(ctx, batchID, "completed_jobs")
}

// IncrementBatchFailed bumps the failed counter and returns the fresh row.
func (s *GormStorage) IncrementBatchFailed(ctx context.Context, batchID string) (*core.BatchInstance, error) {
	return s.incrementBatchCounter(ctx, batchID, "failed_jobs")
}

func (s *GormStorage) incrementBatchCounter(ctx context.Context, batchID string, column string) (*core.BatchInstance, error) {
	result := s.db.WithContext(ctx).Model(&core.BatchInstance{}).
		Where("id = ?", batchID).
		UpdateColumn(column, gorm.Expr(column+" + 1"))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, core.ErrBatchNotFound
	}
	return s.GetBatch(ctx, batchID)
}

// RecalculateBatchCounters recounts completed and failed members from the
// job table and stores the result. Used after retries resolve, when the
// incremental counters may have drifted.
func (s *GormStorage) RecalculateBatchCounters(ctx context.Context, batchID string) (*core.BatchInstance, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var completed, failed int64
		base := func() *gorm.DB {
			return tx.Model(&core.JobInstance{}).
				Joins("JOIN batch_jobs ON batch_jobs.job_id = job_instances.id").
				Where("batch_jobs.batch_id = ?", batchID)
		}
		if err := base().Where("job_instances.current_state = ?", core.StateCompleted).Count(&completed).Error; err != nil {
			return err
		}
		if err := base().Where("job_instances.current_state = ?", core.StateFailed).Count(&failed).Error; err != nil {
			return err
		}
		result := tx.Model(&core.BatchInstance{}).
			Where("id = ?", batchID).
			Updates(map[string]any{
				"completed_jobs": completed,
				"failed_jobs":    failed,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.ErrBatchNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batchID)
}

// ListBatchMemberStates counts member jobs per current state.
func (s *GormStorage) ListBatchMemberStates(ctx context.Context, batchID string) (map[core.State]int, error) {
	type row struct {
		State core.State
		Cnt   int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&core.JobInstance{}).
		Joins("JOIN batch_jobs ON batch_jobs.job_id = job_instances.id").
		Where("batch_jobs.batch_id = ?", batchID).
		Select("job_instances.current_state AS state, COUNT(*) AS cnt").
		Group("job_instances.current_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[core.State]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Cnt
	}
	return counts, nil
}
