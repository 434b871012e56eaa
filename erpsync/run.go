package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Stats are the per-run counters. Total counts every record looked at.
type Stats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

// Run is the state of one family run handed to Family.Run.
type Run struct {
	Id          uint
	UUID        string
	Family      string
	Kind        models.JobKind
	TriggeredBy string
	// Snapshot is taken once before the first fetch. Every row touched by the
	// run gets it as sap_last_sync, it becomes the watermark on success, and
	// full runs tombstone rows whose sap_last_sync is older.
	Snapshot time.Time
	// Since is the watermark of the last successful run; nil for full runs.
	Since    *time.Time
	Settings config.FamilySettings
	Stats    Stats
	// HasMore is set when a fetch stopped at its batch cap.
	HasMore    bool
	Tombstoned int64

	db     *gorm.DB
	logger *logrus.Entry
}

func (r *Run) Full() bool { return r.Kind == models.JobKindFull }

func (r *Run) Logger() *logrus.Entry { return r.logger }

// Count records a successfully processed record.
func (r *Run) Count(o Outcome) {
	r.Stats.Total++
	switch o {
	case OutcomeCreated:
		r.Stats.Created++
	case OutcomeUpdated:
		r.Stats.Updated++
	default:
		r.Stats.Skipped++
	}
}

// Item processes one record inside its own transaction. A failure rolls back
// only this record; it is counted and stored and returned so callers can
// still stop on connection-level failures.
func (r *Run) Item(ctx context.Context, entityType string, remoteCode string, payload json.RawMessage, fn func(tx *gorm.DB) (Outcome, error)) error {
	var outcome Outcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = fn(tx)
		return err
	})
	if err != nil {
		var ipe *ItemProcessingError
		if !errors.As(err, &ipe) {
			ipe = &ItemProcessingError{Code: CodeDBError, Retryable: true, Err: err}
		}
		if ipe.EntityType == "" {
			ipe.EntityType = entityType
		}
		if ipe.RemoteCode == "" {
			ipe.RemoteCode = remoteCode
		}
		if ipe.Payload == nil {
			ipe.Payload = payload
		}
		r.Fail(ctx, ipe)
		return err
	}
	r.Count(outcome)
	return nil
}

// Fail records a failed record: one error count, one log line, one SyncError row.
func (r *Run) Fail(ctx context.Context, ipe *ItemProcessingError) {
	r.Stats.Total++
	r.Stats.Errors++
	if ipe.Family == "" {
		ipe.Family = r.Family
	}
	r.logger.WithFields(logrus.Fields{
		"entity_type": ipe.EntityType,
		"remote_code": ipe.RemoteCode,
		"code":        ipe.Code,
		"retryable":   ipe.Retryable,
	}).Warn(ipe.Error())

	if r.db == nil || r.Id == 0 {
		return
	}
	row := models.SyncError{
		SyncRunId:  r.Id,
		Family:     r.Family,
		EntityType: ipe.EntityType,
		ExternalId: ipe.RemoteCode,
		ErrorCode:  ipe.Code,
		Message:    ipe.Err.Error(),
		Retryable:  ipe.Retryable,
	}
	if len(ipe.Payload) > 0 && json.Valid(ipe.Payload) {
		row.PayloadJSON = ipe.Payload
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		config.LogError(r.logger, "erpsync", "Fail", "store sync error", nil, err)
	}
}
