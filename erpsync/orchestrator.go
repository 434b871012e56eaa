package erpsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// Family is one job family: a kind of entity kept in sync on its own schedule.
// Run returns an error only for job-level failures; record failures go
// through Run.Item / Run.Fail.
type Family interface {
	Name() string
	Run(ctx context.Context, run *Run) error
}

// Tombstoner is implemented by families that deactivate rows a complete full
// run did not touch.
type Tombstoner interface {
	Tombstone(ctx context.Context, db *gorm.DB, run *Run) (int64, error)
}

// RunReport is what RunJob returns to callers.
type RunReport struct {
	RunId      uint           `json:"run_id"`
	RunUUID    string         `json:"run_uuid"`
	Family     string         `json:"family"`
	Kind       models.JobKind `json:"kind"`
	Status     string         `json:"status"`
	Stats      Stats          `json:"stats"`
	HasMore    bool           `json:"has_more"`
	Tombstoned int64          `json:"tombstoned"`
	Duration   time.Duration  `json:"duration"`
}

type job struct {
	family    Family
	settings  config.FamilySettings
	observers []Observer
	running   sync.Mutex
	state     models.JobState
}

type OrchestratorOption func(*Orchestrator)

// WithRunLock guards each family run with a Redis lock shared by all instances.
func WithRunLock(locker *redislock.Client, ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.locker = locker
		o.lockTTL = ttl
	}
}

func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func WithInitialLookback(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.initialLookback = d }
}

// Orchestrator runs job families. One instance owns the in-memory job state
// of the process; tests build their own.
type Orchestrator struct {
	db              *gorm.DB
	logger          *logrus.Logger
	locker          *redislock.Client
	lockTTL         time.Duration
	metrics         *Metrics
	now             func() time.Time
	initialLookback time.Duration

	mu        sync.RWMutex
	jobs      map[string]*job
	observers []Observer
}

func NewOrchestrator(db *gorm.DB, logg *logrus.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		db:              db,
		logger:          logg,
		now:             time.Now,
		initialLookback: 30 * 24 * time.Hour,
		lockTTL:         30 * time.Minute,
		jobs:            map[string]*job{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a family. Observers passed here only see that family's runs.
func (o *Orchestrator) Register(f Family, settings config.FamilySettings, observers ...Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[f.Name()] = &job{family: f, settings: settings, observers: observers, state: models.JobStateIdle}
}

// AddObserver adds an observer for family, or for every family when family is empty.
func (o *Orchestrator) AddObserver(family string, obs Observer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if family == "" {
		o.observers = append(o.observers, obs)
		return nil
	}
	j, ok := o.jobs[family]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	j.observers = append(j.observers, obs)
	return nil
}

func (o *Orchestrator) Families() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.jobs))
	for name := range o.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) Settings(family string) (config.FamilySettings, error) {
	j, err := o.job(family)
	if err != nil {
		return config.FamilySettings{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return j.settings, nil
}

func (o *Orchestrator) setSettings(family string, s config.FamilySettings) error {
	j, err := o.job(family)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	j.settings = s
	return nil
}

// State is the in-memory state machine position of a family.
func (o *Orchestrator) State(family string) (models.JobState, error) {
	j, err := o.job(family)
	if err != nil {
		return "", err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return j.state, nil
}

func (o *Orchestrator) setState(j *job, s models.JobState) {
	o.mu.Lock()
	j.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) job(family string) (*job, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[family]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	return j, nil
}

// RunJob runs one family to completion in the calling goroutine. Job-level
// failures are recorded on the job state and returned; they never panic out.
func (o *Orchestrator) RunJob(ctx context.Context, family string, kind models.JobKind, triggeredBy string) (*RunReport, error) {
	j, err := o.job(family)
	if err != nil {
		return nil, err
	}
	if !j.running.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, family)
	}
	report, event, runErr := o.runLocked(ctx, j, kind, triggeredBy)
	j.running.Unlock()

	if event != nil {
		o.notify(ctx, j, *event)
	}
	return report, runErr
}

func (o *Orchestrator) runLocked(ctx context.Context, j *job, kind models.JobKind, triggeredBy string) (*RunReport, *Event, error) {
	family := j.family.Name()
	logg := o.logger.WithFields(logrus.Fields{"module": "erpsync", "family": family})

	if o.locker != nil {
		lock, err := o.locker.Obtain(ctx, "erp-sync:"+family, o.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			logg.Info("another instance holds the run lock, skipping")
			return &RunReport{Family: family, Kind: kind, Status: models.SyncRunStatusSkipped}, nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("obtain run lock for %s: %w", family, err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(logg, "erpsync", "runLocked", "release run lock", nil, err)
			}
		}()
	}

	state, err := models.GetOrCreateSyncJobState(ctx, o.db, family)
	if err != nil {
		return nil, nil, fmt.Errorf("load job state for %s: %w", family, err)
	}
	settings, _ := o.Settings(family)

	snapshot := o.now().UTC().Truncate(time.Second)
	var since *time.Time
	if kind == models.JobKindIncremental {
		if state.LastRunAt != nil {
			w := state.LastRunAt.UTC()
			since = &w
		} else {
			w := snapshot.Add(-o.initialLookback)
			since = &w
		}
	}

	runUUID := uuid.NewString()
	startedAt := o.now().UTC()
	row := models.SyncRun{
		RunUUID:     runUUID,
		Family:      family,
		Kind:        string(kind),
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		Snapshot:    snapshot,
		Since:       since,
		StartedAt:   &startedAt,
	}
	if err := o.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, nil, fmt.Errorf("create sync run for %s: %w", family, err)
	}
	if err := o.db.WithContext(ctx).Model(&models.SyncJobState{}).Where("id = ?", state.ID).Updates(map[string]interface{}{
		"last_attempt_at": startedAt,
		"last_kind":       string(kind),
	}).Error; err != nil {
		config.LogError(logg, "erpsync", "runLocked", "mark attempt", nil, err)
	}

	ctx = utils.SetJobFamilyInContext(ctx, family)
	ctx = utils.SetSyncRunIdInContext(ctx, row.ID)
	ctx = utils.SetCorrelationIdInContext(ctx, runUUID)
	ctx = utils.SetTriggeredByInContext(ctx, triggeredBy)
	ctx, span := otel.Tracer("github.com/mmdatafocus/erpsync_backend/erpsync").Start(ctx, "erpsync.run")
	span.SetAttributes(
		attribute.String("sync.family", family),
		attribute.String("sync.kind", string(kind)),
		attribute.String("sync.run_uuid", runUUID),
	)
	defer span.End()

	run := &Run{
		Id:          row.ID,
		UUID:        runUUID,
		Family:      family,
		Kind:        kind,
		TriggeredBy: triggeredBy,
		Snapshot:    snapshot,
		Since:       since,
		Settings:    settings,
		db:          o.db,
		logger:      logg.WithFields(logrus.Fields{"run_id": row.ID, "correlation_id": runUUID, "kind": kind}),
	}

	o.setState(j, models.JobStateRunning)
	o.metrics.RunStarted(family)
	run.logger.WithField("since", since).Info("sync run started")

	runErr := o.execute(ctx, j, run)

	finishedAt := o.now().UTC()
	duration := finishedAt.Sub(startedAt)
	status := models.SyncRunStatusSuccess
	switch {
	case runErr != nil:
		status = models.SyncRunStatusFailed
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		o.setState(j, models.JobStateFailed)
	case run.Stats.Errors > 0:
		status = models.SyncRunStatusPartial
		o.setState(j, models.JobStateSucceeded)
	default:
		o.setState(j, models.JobStateSucceeded)
	}

	if err := o.finish(ctx, state, row, run, status, runErr, finishedAt, duration); err != nil {
		config.LogError(run.logger, "erpsync", "runLocked", "persist run result", nil, err)
	}
	o.metrics.RunFinished(family, string(kind), status, run.Stats, duration)
	o.setState(j, models.JobStateIdle)

	fields := logrus.Fields{
		"status":     status,
		"total":      run.Stats.Total,
		"created":    run.Stats.Created,
		"updated":    run.Stats.Updated,
		"skipped":    run.Stats.Skipped,
		"errors":     run.Stats.Errors,
		"has_more":   run.HasMore,
		"tombstoned": run.Tombstoned,
		"duration":   duration.String(),
	}
	if runErr != nil {
		run.logger.WithFields(fields).Errorf("sync run failed: %v", runErr)
	} else {
		run.logger.WithFields(fields).Info("sync run finished")
	}

	report := &RunReport{
		RunId:      row.ID,
		RunUUID:    runUUID,
		Family:     family,
		Kind:       kind,
		Status:     status,
		Stats:      run.Stats,
		HasMore:    run.HasMore,
		Tombstoned: run.Tombstoned,
		Duration:   duration,
	}
	event := &Event{
		RunId:       row.ID,
		RunUUID:     runUUID,
		Family:      family,
		Kind:        kind,
		Status:      status,
		TriggeredBy: triggeredBy,
		Stats:       run.Stats,
		HasMore:     run.HasMore,
		Snapshot:    snapshot,
		FinishedAt:  finishedAt,
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	return report, event, runErr
}

// execute runs the family and, for complete full runs, the tombstone pass.
// A panic inside a family fails the run instead of the process.
func (o *Orchestrator) execute(ctx context.Context, j *job, run *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			run.logger.WithField("stack", string(debug.Stack())).Errorf("panic during sync run: %v", p)
			err = fmt.Errorf("panic during %s run: %v", run.Family, p)
		}
	}()

	if err := j.family.Run(ctx, run); err != nil {
		return err
	}
	if !run.Full() {
		return nil
	}
	t, ok := j.family.(Tombstoner)
	if !ok {
		return nil
	}
	if run.HasMore {
		run.logger.Warn("full run stopped at its batch cap, skipping tombstone pass")
		return nil
	}
	n, err := t.Tombstone(ctx, o.db, run)
	if err != nil {
		return fmt.Errorf("tombstone pass: %w", err)
	}
	run.Tombstoned = n
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, state *models.SyncJobState, row models.SyncRun, run *Run, status string, runErr error, finishedAt time.Time, duration time.Duration) error {
	statsJSON, _ := json.Marshal(run.Stats)
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SyncRun{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"status":      status,
			"stats_json":  statsJSON,
			"total":       run.Stats.Total,
			"error_count": run.Stats.Errors,
			"has_more":    run.HasMore,
			"error":       errText,
			"finished_at": finishedAt,
			"duration_ms": duration.Milliseconds(),
		}).Error; err != nil {
			return err
		}

		update := map[string]interface{}{
			"last_status":       status,
			"last_error":        errText,
			"last_total":        run.Stats.Total,
			"last_created":      run.Stats.Created,
			"last_updated":      run.Stats.Updated,
			"last_skipped":      run.Stats.Skipped,
			"last_errors":       run.Stats.Errors,
			"run_count":         gorm.Expr("run_count + ?", 1),
			"cumulative_errors": gorm.Expr("cumulative_errors + ?", run.Stats.Errors),
		}
		// The watermark only moves on success so a failed window is fetched again.
		if runErr == nil {
			update["last_run_at"] = run.Snapshot
			if run.Full() {
				update["last_full_run_at"] = run.Snapshot
			}
		}
		return tx.Model(&models.SyncJobState{}).Where("id = ?", state.ID).Updates(update).Error
	})
}

func (o *Orchestrator) notify(ctx context.Context, j *job, e Event) {
	o.mu.RLock()
	observers := append(append([]Observer{}, j.observers...), o.observers...)
	o.mu.RUnlock()
	for _, obs := range observers {
		obs.JobFinished(ctx, e)
	}
}
