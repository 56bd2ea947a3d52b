package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InsertJob appends a new job audit record.
func (ds *DataStore) InsertJob(job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if err := ds.DB.Create(job).Error; err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// MarkJobRunning transitions a job to running.
func (ds *DataStore) MarkJobRunning(id string, at time.Time) error {
	err := ds.DB.Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     JobStatusRunning,
		"started_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("marking job %s running: %w", id, err)
	}
	return nil
}

// FinishJob records a terminal done status with the handler's result.
func (ds *DataStore) FinishJob(id string, result ResultMap, at time.Time) error {
	err := ds.DB.Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":      JobStatusDone,
		"result":      result,
		"finished_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", id, err)
	}
	return nil
}

// FailJob records a terminal error status with the handler's error text.
func (ds *DataStore) FailJob(id string, errMsg string, at time.Time) error {
	err := ds.DB.Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":      JobStatusError,
		"error":       errMsg,
		"finished_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (ds *DataStore) GetJob(id string) (*Job, error) {
	var job Job
	if err := ds.DB.First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return &job, nil
}

// GetRecentJobs returns the newest jobs, most recent first.
func (ds *DataStore) GetRecentJobs(limit int) ([]Job, error) {
	var jobs []Job
	if err := ds.DB.Order("created_at desc").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("getting recent jobs: %w", err)
	}
	return jobs, nil
}

// PruneJobs deletes all but the newest keep job records, returning how many
// were removed.
func (ds *DataStore) PruneJobs(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var cutoff Job
	err := ds.DB.Order("created_at desc").Offset(keep - 1).First(&cutoff).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("finding prune cutoff: %w", err)
	}
	res := ds.DB.Where("created_at < ?", cutoff.CreatedAt).Delete(&Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
