package erpsync

import (
	"context"
	"time"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/sirupsen/logrus"
)

// Event describes a finished run. Observers get it after the job state has
// been persisted.
type Event struct {
	RunId       uint           `json:"run_id"`
	RunUUID     string         `json:"run_uuid"`
	Family      string         `json:"family"`
	Kind        models.JobKind `json:"kind"`
	Status      string         `json:"status"`
	TriggeredBy string         `json:"triggered_by"`
	Stats       Stats          `json:"stats"`
	HasMore     bool           `json:"has_more"`
	Error       string         `json:"error,omitempty"`
	Snapshot    time.Time      `json:"snapshot"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Succeeded is true for runs that completed, including those with item errors.
func (e Event) Succeeded() bool {
	return e.Status == models.SyncRunStatusSuccess || e.Status == models.SyncRunStatusPartial
}

type Observer interface {
	JobFinished(ctx context.Context, e Event)
}

type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) JobFinished(ctx context.Context, e Event) { f(ctx, e) }

// ChainTo runs family after every successful run of the observed family. The
// chained run happens synchronously in the caller's goroutine.
func ChainTo(o *Orchestrator, family string, kind models.JobKind) Observer {
	return ObserverFunc(func(ctx context.Context, e Event) {
		if !e.Succeeded() {
			return
		}
		if _, err := o.RunJob(ctx, family, kind, models.SyncTriggeredChained); err != nil {
			o.logger.WithFields(logrus.Fields{
				"module": "erpsync",
				"family": family,
				"after":  e.Family,
			}).Warnf("chained run failed: %v", err)
		}
	})
}
