package erpsync

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(code string, name string) entity {
	return entity{
		"ItemCode":        code,
		"ItemName":        name,
		"BarCode":         "885" + code,
		"ItemsGroupCode":  100,
		"SalesUnit":       "PCS",
		"QuantityOnStock": 4,
		"Valid":           "tYES",
		"Frozen":          "tNO",
		"UpdateDate":      "2024-01-20",
		"UpdateTime":      "10:00:00",
		"ItemPrices": []any{
			entity{"PriceList": 1, "Price": 12.5, "Currency": "usd"},
		},
	}
}

func newProductsHarness(t *testing.T, settings func(*harnessSettings)) *harness {
	h := newHarness(t)
	s := harnessSettings{batchSize: 10, maxBatches: 10}
	if settings != nil {
		settings(&s)
	}
	fs := testSettings()
	fs.BatchSize, fs.MaxBatches = s.batchSize, s.maxBatches
	h.orch.Register(NewProductsFamily(h.client, h.db, 1, 5), fs)
	return h
}

type harnessSettings struct {
	batchSize  int
	maxBatches int
}

func product(t *testing.T, h *harness, code string) models.Product {
	t.Helper()
	p, err := models.GetProductByRemoteCode(context.Background(), h.db, code)
	require.NoError(t, err)
	require.NotNil(t, p, code)
	return *p
}

func TestProducts_SecondFullRunChangesNothing(t *testing.T) {
	h := newProductsHarness(t, nil)
	h.erp.set("Items", item("A1", "Widget"), item("A2", "Gadget"))
	ctx := context.Background()

	report, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Created: 2}, report.Stats)

	p := product(t, h, "A1")
	assert.Equal(t, "Widget", p.Name)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "USD", p.Currency)
	assert.True(t, utils.DereferencePtr(p.IsActive))
	require.NotNil(t, p.RemoteUpdatedAt)
	assert.True(t, p.RemoteUpdatedAt.Equal(time.Date(2024, 1, 20, 10, 0, 0, 0, time.UTC)))

	h.advance(time.Hour)
	report, err = h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Skipped: 2}, report.Stats)
	assert.Zero(t, report.Tombstoned)

	p = product(t, h, "A1")
	require.NotNil(t, p.SapLastSync)
	assert.True(t, p.SapLastSync.Equal(h.now()), "unchanged rows are still stamped")
}

func TestProducts_UpdatesChangedFields(t *testing.T) {
	h := newProductsHarness(t, nil)
	h.erp.set("Items", item("A1", "Widget"))
	ctx := context.Background()
	_, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	changed := item("A1", "Widget Pro")
	changed["Frozen"] = "tYES"
	h.erp.set("Items", changed)
	h.advance(time.Hour)
	report, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Updated: 1}, report.Stats)

	p := product(t, h, "A1")
	assert.Equal(t, "Widget Pro", p.Name)
	assert.False(t, utils.DereferencePtr(p.IsActive, true))
}

func TestProducts_FullRunTombstonesUnseenRows(t *testing.T) {
	h := newProductsHarness(t, nil)
	h.erp.set("Items", item("A1", "Widget"), item("A2", "Gadget"))
	ctx := context.Background()
	_, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	h.erp.set("Items", item("A1", "Widget"))
	h.advance(time.Hour)

	// Incremental runs never tombstone.
	report, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Zero(t, report.Tombstoned)
	assert.True(t, utils.DereferencePtr(product(t, h, "A2").IsActive))

	h.advance(time.Hour)
	report, err = h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Tombstoned)
	assert.False(t, utils.DereferencePtr(product(t, h, "A2").IsActive, true))
	assert.True(t, utils.DereferencePtr(product(t, h, "A1").IsActive))

	var count int64
	require.NoError(t, h.db.Model(&models.Product{}).Count(&count).Error)
	assert.EqualValues(t, 2, count, "rows are deactivated, never deleted")
}

func TestProducts_NoTombstoneWhenBatchCapReached(t *testing.T) {
	h := newProductsHarness(t, func(s *harnessSettings) { s.batchSize, s.maxBatches = 1, 1 })
	h.erp.set("Items", item("A1", "Widget"), item("A2", "Gadget"))
	stale := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	old := models.Product{RemoteCode: "Z9", Name: "Old", IsActive: utils.NewTrue()}
	old.SapLastSync = &stale
	require.NoError(t, h.db.Create(&old).Error)

	report, err := h.orch.RunJob(context.Background(), models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.True(t, report.HasMore)
	assert.Equal(t, 1, report.Stats.Created)
	assert.Zero(t, report.Tombstoned)
	assert.True(t, utils.DereferencePtr(product(t, h, "Z9").IsActive))
}

func TestProducts_ItemErrorsMakeRunPartial(t *testing.T) {
	h := newProductsHarness(t, nil)
	h.erp.set("Items", item("A1", "Widget"), entity{"ItemName": "no code", "Valid": "tYES", "UpdateDate": "2024-01-20"})
	ctx := context.Background()

	report, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusPartial, report.Status)
	assert.Equal(t, Stats{Total: 2, Created: 1, Errors: 1}, report.Stats)

	errs, err := models.ListSyncErrors(ctx, h.db, report.RunId)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeMissingId, errs[0].ErrorCode)
	assert.Equal(t, entityProduct, errs[0].EntityType)
	assert.Contains(t, string(errs[0].PayloadJSON), "no code")

	st := h.state(models.JobFamilyProducts)
	require.NotNil(t, st.LastRunAt, "partial runs still advance the watermark")
	assert.EqualValues(t, 1, st.CumulativeErrors)
}

func TestProducts_FetchFailureFailsRun(t *testing.T) {
	h := newProductsHarness(t, nil)
	h.erp.fail("Items", 500)

	report, err := h.orch.RunJob(context.Background(), models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.Error(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, report.Status)
	assert.Nil(t, h.state(models.JobFamilyProducts).LastRunAt)
}

func TestProducts_PushesPendingDescriptionFirst(t *testing.T) {
	h := newProductsHarness(t, nil)
	remote := item("A1", "Widget")
	remote["User_Text"] = "ERP text"
	h.erp.set("Items", remote)
	ctx := context.Background()
	_, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	p := product(t, h, "A1")
	require.NoError(t, models.SetProductDescription(ctx, h.db, p.ID, "Local text"))

	h.advance(time.Hour)
	_, err = h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)

	calls := h.erp.patchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Items('A1')", calls[0].Path)
	assert.Equal(t, map[string]any{"User_Text": "Local text"}, calls[0].Body)

	p = product(t, h, "A1")
	assert.False(t, p.SyncPending)
	assert.Equal(t, "Local text", p.Description)
}

func TestProducts_RejectedPushKeepsLocalDescription(t *testing.T) {
	h := newProductsHarness(t, nil)
	remote := item("A1", "Widget")
	remote["User_Text"] = "ERP text"
	h.erp.set("Items", remote)
	ctx := context.Background()
	_, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindFull, models.SyncTriggeredManual)
	require.NoError(t, err)

	p := product(t, h, "A1")
	require.NoError(t, models.SetProductDescription(ctx, h.db, p.ID, "Local text"))
	h.erp.rejectPatches(400)

	h.advance(time.Hour)
	report, err := h.orch.RunJob(ctx, models.JobFamilyProducts, models.JobKindIncremental, models.SyncTriggeredManual)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusPartial, report.Status)

	p = product(t, h, "A1")
	assert.True(t, p.SyncPending)
	assert.Equal(t, 1, p.SyncAttempts)
	assert.NotEmpty(t, p.SyncError)
	assert.Equal(t, "Local text", p.Description, "pull does not overwrite a pending edit")

	errs, err := models.ListSyncErrors(ctx, h.db, report.RunId)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, CodePushFailed, errs[0].ErrorCode)
	assert.False(t, errs[0].Retryable)
}
