package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrSchedulerNotStarted = errors.New("sync scheduler is not started")
	ErrInvalidSchedule     = errors.New("invalid schedule")
)

type request struct {
	kind        models.JobKind
	triggeredBy string
}

// supervisor owns the runs of one family. Requests arriving while a run is in
// flight collapse into one pending request; a full request wins over an
// incremental one.
type supervisor struct {
	family  string
	signal  chan struct{}
	mu      sync.Mutex
	pending *request
	entries []cron.EntryID
}

func (s *supervisor) enqueue(req request) {
	s.mu.Lock()
	if s.pending == nil {
		s.pending = &req
	} else if req.kind == models.JobKindFull {
		s.pending.kind = models.JobKindFull
		s.pending.triggeredBy = req.triggeredBy
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *supervisor) take() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.pending
	s.pending = nil
	return req
}

// Status is what the control surface reports for a family.
type Status struct {
	Family           string          `json:"family"`
	Initialized      bool            `json:"initialized"`
	Enabled          bool            `json:"enabled"`
	Schedule         string          `json:"schedule"`
	FullSchedule     string          `json:"full_schedule"`
	State            models.JobState `json:"state"`
	LastSyncTime     *time.Time      `json:"last_sync_time"`
	LastFullSyncTime *time.Time      `json:"last_full_sync_time"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at"`
	LastStatus       string          `json:"last_status"`
	LastError        string          `json:"last_error,omitempty"`
	LastStats        Stats           `json:"last_stats"`
	CumulativeErrors int64           `json:"cumulative_errors"`
	RunCount         int64           `json:"run_count"`
}

// Scheduler fires family runs from cron schedules and manual triggers. Each
// family gets one supervisor goroutine, so runs of the same family never
// overlap while different families run independently.
type Scheduler struct {
	orch   *Orchestrator
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	cron        *cron.Cron
	supervisors map[string]*supervisor
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewScheduler(orch *Orchestrator, db *gorm.DB, logg *logrus.Logger) *Scheduler {
	return &Scheduler{
		orch:        orch,
		db:          db,
		logger:      logg,
		now:         time.Now,
		supervisors: map[string]*supervisor{},
	}
}

// Start applies persisted schedule changes, registers cron entries and starts
// one supervisor per family.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sync scheduler already started")
	}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cron.PrintfLogger(s.logger.WithField("module", "cron"))),
	)
	runCtx, cancel := context.WithCancel(ctx)

	states, err := models.ListSyncJobStates(ctx, s.db)
	if err != nil {
		cancel()
		return fmt.Errorf("load job states: %w", err)
	}
	stored := make(map[string]models.SyncJobState, len(states))
	for _, st := range states {
		stored[st.Family] = st
	}

	supervisors := map[string]*supervisor{}
	for _, family := range s.orch.Families() {
		settings, err := s.orch.Settings(family)
		if err != nil {
			cancel()
			return err
		}
		if st, ok := stored[family]; ok && st.ScheduledAt != nil {
			settings.Schedule, settings.FullSchedule, settings.Enabled = st.Schedule, st.FullSchedule, st.Enabled
			if err := s.orch.setSettings(family, settings); err != nil {
				cancel()
				return err
			}
		}
		sup := &supervisor{family: family, signal: make(chan struct{}, 1)}
		if err := s.addEntries(c, sup, settings); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", family, err)
		}
		supervisors[family] = sup
	}

	for _, sup := range supervisors {
		s.wg.Add(1)
		go s.supervise(runCtx, sup)
	}
	s.supervisors = supervisors
	s.cron = c
	s.cancel = cancel
	c.Start()
	s.logger.WithFields(logrus.Fields{"module": "erpsync", "families": len(s.supervisors)}).Info("sync scheduler started")
	return nil
}

// Stop stops firing new runs and waits for runs in flight to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.supervisors = map[string]*supervisor{}
	s.mu.Unlock()
	s.logger.WithField("module", "erpsync").Info("sync scheduler stopped")
}

func (s *Scheduler) supervise(ctx context.Context, sup *supervisor) {
	defer s.wg.Done()
	logg := s.logger.WithFields(logrus.Fields{"module": "erpsync", "family": sup.family})
	for {
		select {
		case <-ctx.Done():
			return
		case <-sup.signal:
		}
		req := sup.take()
		if req == nil {
			continue
		}
		// A started run is not interrupted by Stop.
		_, err := s.orch.RunJob(context.WithoutCancel(ctx), sup.family, req.kind, req.triggeredBy)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyRunning):
			logg.WithField("kind", req.kind).Info("family busy, dropping trigger")
		default:
			// Already recorded on the job state by the orchestrator.
			logg.WithField("kind", req.kind).Debugf("run ended with error: %v", err)
		}
	}
}

func (s *Scheduler) addEntries(c *cron.Cron, sup *supervisor, settings config.FamilySettings) error {
	if !settings.Enabled {
		return nil
	}
	add := func(spec string, kind models.JobKind) error {
		if spec == "" {
			return nil
		}
		id, err := c.AddFunc(spec, func() {
			sup.enqueue(request{kind: kind, triggeredBy: models.SyncTriggeredSchedule})
		})
		if err != nil {
			return err
		}
		sup.entries = append(sup.entries, id)
		return nil
	}
	if err := add(settings.Schedule, models.JobKindIncremental); err != nil {
		return err
	}
	return add(settings.FullSchedule, models.JobKindFull)
}

func (s *Scheduler) trigger(family string, kind models.JobKind) error {
	if _, err := s.orch.job(family); err != nil {
		return err
	}
	s.mu.Lock()
	sup, ok := s.supervisors[family]
	s.mu.Unlock()
	if !ok {
		return ErrSchedulerNotStarted
	}
	sup.enqueue(request{kind: kind, triggeredBy: models.SyncTriggeredManual})
	return nil
}

// TriggerFullSync queues a full run of family without waiting for it.
func (s *Scheduler) TriggerFullSync(family string) error {
	return s.trigger(family, models.JobKindFull)
}

// TriggerIncrementalSync queues an incremental run of family without waiting for it.
func (s *Scheduler) TriggerIncrementalSync(family string) error {
	return s.trigger(family, models.JobKindIncremental)
}

// Reschedule replaces the cron entries of family and persists the change so
// it survives restarts. Empty expressions disable that trigger.
func (s *Scheduler) Reschedule(ctx context.Context, family string, schedule string, fullSchedule string, enabled bool) error {
	schedule, fullSchedule = strings.TrimSpace(schedule), strings.TrimSpace(fullSchedule)
	for _, spec := range []string{schedule, fullSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
		}
	}
	settings, err := s.orch.Settings(family)
	if err != nil {
		return err
	}
	settings.Schedule, settings.FullSchedule, settings.Enabled = schedule, fullSchedule, enabled

	s.mu.Lock()
	if sup, ok := s.supervisors[family]; ok && s.cron != nil {
		for _, id := range sup.entries {
			s.cron.Remove(id)
		}
		sup.entries = nil
		if err := s.addEntries(s.cron, sup, settings); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	if err := s.orch.setSettings(family, settings); err != nil {
		return err
	}
	if err := models.SaveSyncSchedule(ctx, s.db, family, schedule, fullSchedule, enabled, s.now().UTC()); err != nil {
		return fmt.Errorf("persist schedule of %s: %w", family, err)
	}
	s.logger.WithFields(logrus.Fields{
		"module":        "erpsync",
		"family":        family,
		"schedule":      schedule,
		"full_schedule": fullSchedule,
		"enabled":       enabled,
	}).Info("sync schedule changed")
	return nil
}

// GetStatus reports the watermark, schedule and last results of family.
func (s *Scheduler) GetStatus(ctx context.Context, family string) (*Status, error) {
	settings, err := s.orch.Settings(family)
	if err != nil {
		return nil, err
	}
	state, _ := s.orch.State(family)
	jobState, err := models.GetOrCreateSyncJobState(ctx, s.db, family)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, supervised := s.supervisors[family]
	s.mu.Unlock()

	return &Status{
		Family:           family,
		Initialized:      supervised,
		Enabled:          settings.Enabled,
		Schedule:         settings.Schedule,
		FullSchedule:     settings.FullSchedule,
		State:            state,
		LastSyncTime:     jobState.LastRunAt,
		LastFullSyncTime: jobState.LastFullRunAt,
		LastAttemptAt:    jobState.LastAttemptAt,
		LastStatus:       jobState.LastStatus,
		LastError:        jobState.LastError,
		LastStats: Stats{
			Total:   jobState.LastTotal,
			Created: jobState.LastCreated,
			Updated: jobState.LastUpdated,
			Skipped: jobState.LastSkipped,
			Errors:  jobState.LastErrors,
		},
		CumulativeErrors: jobState.CumulativeErrors,
		RunCount:         jobState.RunCount,
	}, nil
}

// Statuses reports every registered family.
func (s *Scheduler) Statuses(ctx context.Context) ([]Status, error) {
	families := s.orch.Families()
	out := make([]Status, 0, len(families))
	for _, family := range families {
		st, err := s.GetStatus(ctx, family)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}
