package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SyncJobState is the persisted state of one job family. LastRunAt is the
// watermark: the snapshot time of the last successful run.
type SyncJobState struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	Family           string     `gorm:"uniqueIndex;size:64;not null" json:"family"`
	Schedule         string     `gorm:"size:100" json:"schedule"`
	FullSchedule     string     `gorm:"size:100" json:"full_schedule"`
	Enabled          bool       `gorm:"not null;default:false" json:"enabled"`
	// ScheduledAt is set once an administrator changed the schedule at
	// runtime; from then on the stored schedule wins over the environment.
	ScheduledAt      *time.Time `json:"scheduled_at"`
	LastRunAt        *time.Time `json:"last_run_at"`
	LastFullRunAt    *time.Time `json:"last_full_run_at"`
	LastAttemptAt    *time.Time `json:"last_attempt_at"`
	LastKind         string     `gorm:"size:20" json:"last_kind"`
	LastStatus       string     `gorm:"size:20" json:"last_status"`
	LastError        string     `gorm:"type:text" json:"last_error"`
	LastTotal        int        `json:"last_total"`
	LastCreated      int        `json:"last_created"`
	LastUpdated      int        `json:"last_updated"`
	LastSkipped      int        `json:"last_skipped"`
	LastErrors       int        `json:"last_errors"`
	CumulativeErrors int64      `gorm:"not null;default:0" json:"cumulative_errors"`
	RunCount         int64      `gorm:"not null;default:0" json:"run_count"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncRun struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	RunUUID     string     `gorm:"uniqueIndex;size:36;not null" json:"run_uuid"`
	Family      string     `gorm:"index;size:64;not null" json:"family"`
	Kind        string     `gorm:"size:20;not null" json:"kind"`
	Status      string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy string     `gorm:"size:20" json:"triggered_by"`
	Snapshot    time.Time  `json:"snapshot"`
	Since       *time.Time `json:"since"`
	StatsJSON   []byte     `gorm:"type:json" json:"stats"`
	Total       int        `json:"total"`
	ErrorCount  int        `json:"error_count"`
	HasMore     bool       `json:"has_more"`
	Error       string     `gorm:"type:text" json:"error"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	Family      string    `gorm:"index;size:64" json:"family"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetOrCreateSyncJobState loads the row for family, creating it on first use.
func GetOrCreateSyncJobState(ctx context.Context, db *gorm.DB, family string) (*SyncJobState, error) {
	var state SyncJobState
	err := db.WithContext(ctx).Where("family = ?", family).Take(&state).Error
	if err == nil {
		return &state, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	state = SyncJobState{Family: family}
	if err := db.WithContext(ctx).Create(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another instance created it first.
			if err := db.WithContext(ctx).Where("family = ?", family).Take(&state).Error; err != nil {
				return nil, err
			}
			return &state, nil
		}
		return nil, err
	}
	return &state, nil
}

func ListSyncJobStates(ctx context.Context, db *gorm.DB) ([]SyncJobState, error) {
	var states []SyncJobState
	err := db.WithContext(ctx).Order("family").Find(&states).Error
	return states, err
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, family string, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	q := db.WithContext(ctx).Order("id DESC")
	if family != "" {
		q = q.Where("family = ?", family)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}

func ListSyncErrors(ctx context.Context, db *gorm.DB, runId uint) ([]SyncError, error) {
	var errs []SyncError
	err := db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id").Find(&errs).Error
	return errs, err
}

func GetSyncRun(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// SaveSyncSchedule persists a schedule changed at runtime.
func SaveSyncSchedule(ctx context.Context, db *gorm.DB, family string, schedule string, fullSchedule string, enabled bool, at time.Time) error {
	state, err := GetOrCreateSyncJobState(ctx, db, family)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&SyncJobState{}).Where("id = ?", state.ID).Updates(map[string]interface{}{
		"schedule":      schedule,
		"full_schedule": fullSchedule,
		"enabled":       enabled,
		"scheduled_at":  at,
	}).Error
}
