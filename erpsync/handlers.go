package erpsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/report"
	"gorm.io/gorm"
)

type ScheduleRequest struct {
	Schedule     string `json:"schedule"`
	FullSchedule string `json:"full_schedule"`
	Enabled      *bool  `json:"enabled" binding:"required"`
}

type DescriptionRequest struct {
	Description string `json:"description"`
}

type SyncRunResponse struct {
	ID          uint    `json:"id"`
	RunUUID     string  `json:"run_uuid"`
	Family      string  `json:"family"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	TriggeredBy string  `json:"triggered_by"`
	Total       int     `json:"total"`
	ErrorCount  int     `json:"error_count"`
	HasMore     bool    `json:"has_more"`
	Error       string  `json:"error,omitempty"`
	StartedAt   *string `json:"started_at"`
	FinishedAt  *string `json:"finished_at"`
	DurationMs  int64   `json:"duration_ms"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entity_type"`
	ExternalId string `json:"external_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

// RegisterRoutes mounts the job control surface on r.
func RegisterRoutes(r gin.IRouter, sched *Scheduler, db *gorm.DB) {
	r.GET("/status", StatusHandler(sched))
	r.GET("/runs", SyncHistoryHandler(db))
	r.GET("/runs/:id/errors", SyncRunErrorsHandler(db))
	r.GET("/runs/:id/errors/export", ExportSyncErrorsHandler(db))
	r.GET("/families/:family/status", FamilyStatusHandler(sched))
	r.POST("/families/:family/full", TriggerSyncHandler(sched, models.JobKindFull))
	r.POST("/families/:family/incremental", TriggerSyncHandler(sched, models.JobKindIncremental))
	r.PUT("/families/:family/schedule", UpdateScheduleHandler(sched))
	r.PUT("/products/:id/description", UpdateProductDescriptionHandler(db))
	r.POST("/pubsub/push", PubSubPushHandler(sched, sched.logger))
}

func StatusHandler(sched *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := sched.Statuses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": statuses})
	}
}

func FamilyStatusHandler(sched *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := sched.GetStatus(c.Request.Context(), c.Param("family"))
		if err != nil {
			if errors.Is(err, ErrUnknownFamily) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func TriggerSyncHandler(sched *Scheduler, kind models.JobKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		family := c.Param("family")
		var err error
		if kind == models.JobKindFull {
			err = sched.TriggerFullSync(family)
		} else {
			err = sched.TriggerIncrementalSync(family)
		}
		switch {
		case errors.Is(err, ErrUnknownFamily):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrSchedulerNotStarted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusAccepted, gin.H{"family": family, "kind": kind})
		}
	}
}

func UpdateScheduleHandler(sched *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		err := sched.Reschedule(c.Request.Context(), c.Param("family"), req.Schedule, req.FullSchedule, *req.Enabled)
		if err != nil {
			if errors.Is(err, ErrUnknownFamily) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			if errors.Is(err, ErrInvalidSchedule) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func SyncHistoryHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := models.ListSyncRuns(c.Request.Context(), db, strings.TrimSpace(c.Query("family")), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func SyncRunErrorsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := loadRun(c, db)
		if !ok {
			return
		}
		errs, err := models.ListSyncErrors(c.Request.Context(), db, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": mapRunToResponse(*run), "errors": mapErrors(errs)})
	}
}

func ExportSyncErrorsHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := loadRun(c, db)
		if !ok {
			return
		}
		errs, err := models.ListSyncErrors(c.Request.Context(), db, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename="+report.SyncErrorsFilename(*run))
		if err := report.ExportSyncErrors(c.Writer, *run, errs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
		}
	}
}

// UpdateProductDescriptionHandler records a local description edit; the next
// products run pushes it to the ERP.
func UpdateProductDescriptionHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		var req DescriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := models.SetProductDescription(c.Request.Context(), db, uint(id), req.Description); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func loadRun(c *gin.Context, db *gorm.DB) (*models.SyncRun, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := models.GetSyncRun(c.Request.Context(), db, uint(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return nil, false
	}
	return run, true
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:          run.ID,
		RunUUID:     run.RunUUID,
		Family:      run.Family,
		Kind:        run.Kind,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		Total:       run.Total,
		ErrorCount:  run.ErrorCount,
		HasMore:     run.HasMore,
		Error:       run.Error,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
	}
}

func mapErrors(errorsList []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Code:       errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
