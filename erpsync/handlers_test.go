package erpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type routesFixture struct {
	h      *harness
	f      *recordingFamily
	sched  *Scheduler
	router *gin.Engine
}

func newRoutesFixture(t *testing.T, started bool) *routesFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h, f, sched := newTestScheduler(t, config.FamilySettings{Enabled: true, Schedule: "*/5 * * * *", BatchSize: 10, MaxBatches: 1})
	if started {
		require.NoError(t, sched.Start(context.Background()))
		t.Cleanup(sched.Stop)
	}
	router := gin.New()
	RegisterRoutes(router.Group("/sync"), sched, h.db)
	return &routesFixture{h: h, f: f, sched: sched, router: router}
}

func (fx *routesFixture) do(method string, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestTriggerSyncHandler(t *testing.T) {
	fx := newRoutesFixture(t, true)

	w := fx.do(http.MethodPost, "/sync/families/rec/incremental", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool { return len(fx.f.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.JobKindIncremental, fx.f.recorded()[0].Kind)

	w = fx.do(http.MethodPost, "/sync/families/nope/full", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTriggerSyncHandler_NotStarted(t *testing.T) {
	fx := newRoutesFixture(t, false)
	w := fx.do(http.MethodPost, "/sync/families/rec/full", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatusHandlers(t *testing.T) {
	fx := newRoutesFixture(t, false)
	_, err := fx.h.orch.RunJob(context.Background(), "rec", models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	w := fx.do(http.MethodGet, "/sync/families/rec/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "rec", st.Family)
	assert.Equal(t, models.SyncRunStatusSuccess, st.LastStatus)
	require.NotNil(t, st.LastFullSyncTime)
	assert.True(t, st.LastFullSyncTime.Equal(fx.h.now()))
	assert.EqualValues(t, 1, st.RunCount)

	w = fx.do(http.MethodGet, "/sync/families/nope/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.do(http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Items []Status `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all.Items, 1)
}

func TestUpdateScheduleHandler(t *testing.T) {
	fx := newRoutesFixture(t, true)

	w := fx.do(http.MethodPut, "/sync/families/rec/schedule", gin.H{"schedule": "*/20 * * * *"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "enabled is required")

	w = fx.do(http.MethodPut, "/sync/families/rec/schedule", gin.H{"schedule": "61 * * * *", "enabled": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(http.MethodPut, "/sync/families/nope/schedule", gin.H{"schedule": "*/20 * * * *", "enabled": true})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.do(http.MethodPut, "/sync/families/rec/schedule", gin.H{"schedule": "*/20 * * * *", "enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	st, err := fx.sched.GetStatus(context.Background(), "rec")
	require.NoError(t, err)
	assert.Equal(t, "*/20 * * * *", st.Schedule)
}

func TestRunHistoryAndErrors(t *testing.T) {
	fx := newRoutesFixture(t, false)
	ctx := context.Background()
	report, err := fx.h.orch.RunJob(ctx, "rec", models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	require.NoError(t, fx.h.db.Create(&models.SyncError{
		SyncRunId:  report.RunId,
		Family:     "rec",
		EntityType: "product",
		ExternalId: "A1",
		ErrorCode:  CodeMissingId,
		Message:    "item code missing",
	}).Error)

	w := fx.do(http.MethodGet, "/sync/runs?family=rec", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Items []SyncRunResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Items, 1)
	assert.Equal(t, report.RunId, history.Items[0].ID)
	require.NotNil(t, history.Items[0].FinishedAt)

	id := strconv.Itoa(int(report.RunId))
	w = fx.do(http.MethodGet, "/sync/runs/"+id+"/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Run    SyncRunResponse     `json:"run"`
		Errors []SyncErrorResponse `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Errors, 1)
	assert.Equal(t, CodeMissingId, detail.Errors[0].Code)

	w = fx.do(http.MethodGet, "/sync/runs/"+id+"/errors/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "sync-errors-rec-"+id+".xlsx")
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Errors")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	assert.Equal(t, http.StatusNotFound, fx.do(http.MethodGet, "/sync/runs/999/errors", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(http.MethodGet, "/sync/runs/abc/errors", nil).Code)
}

func TestUpdateProductDescriptionHandler(t *testing.T) {
	fx := newRoutesFixture(t, false)
	p := models.Product{RemoteCode: "A1", Name: "Widget", IsActive: utils.NewTrue()}
	require.NoError(t, fx.h.db.Create(&p).Error)

	w := fx.do(http.MethodPut, "/sync/products/"+strconv.Itoa(int(p.ID))+"/description", gin.H{"description": "New text"})
	require.Equal(t, http.StatusOK, w.Code)
	stored := product(t, fx.h, "A1")
	assert.Equal(t, "New text", stored.Description)
	assert.True(t, stored.SyncPending)

	w = fx.do(http.MethodPut, "/sync/products/999/description", gin.H{"description": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPubSubPushHandler(t *testing.T) {
	fx := newRoutesFixture(t, true)
	push := func(payload any) int {
		data, _ := json.Marshal(payload)
		envelope := PubSubPushEnvelope{Subscription: "projects/p/subscriptions/erp-sync"}
		envelope.Message.Data = data
		envelope.Message.ID = "m-1"
		return fx.do(http.MethodPost, "/sync/pubsub/push", envelope).Code
	}

	assert.Equal(t, http.StatusNoContent, push(TriggerPayload{Family: "rec", Kind: "full"}))
	require.Eventually(t, func() bool { return len(fx.f.recorded()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.JobKindFull, fx.f.recorded()[0].Kind)

	// Bad messages are acknowledged and dropped.
	assert.Equal(t, http.StatusNoContent, push(TriggerPayload{Family: "nope"}))
	assert.Equal(t, http.StatusNoContent, push(TriggerPayload{Family: "rec", Kind: "sideways"}))
	assert.Equal(t, http.StatusNoContent, push("not an object"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fx.f.recorded(), 1)
}
