package erp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	fake, srv := newFakeERP(t)
	fake.handle = handle
	m, _ := newTestSession(t, srv.URL)
	return NewClient(m, config.DiscardLogger())
}

func TestUpdateItem_RejectsFieldsOutsideWhitelist(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.UpdateItem(context.Background(), "A1", map[string]any{"ItemName": "renamed"})

	assert.ErrorIs(t, err, ErrFieldNotWritable)
	assert.False(t, called)
}

func TestUpdateItem_PatchesDescription(t *testing.T) {
	var method, path string
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.UpdateItem(context.Background(), "A1", map[string]any{"User_Text": "new text"}))

	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/Items('A1')", path)
	assert.Equal(t, "new text", body["User_Text"])
}

func TestGetBusinessPartner_NotFoundIsNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	bp, err := c.GetBusinessPartner(context.Background(), "C404")

	require.NoError(t, err)
	assert.Nil(t, bp)
}

func TestGetBusinessPartner_DecodesPartner(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"CardCode":"C100","CardName":"Acme","FederalTaxID":"12-345","Valid":"tYES","Frozen":"tNO",
			"UpdateDate":"2024-01-10T00:00:00Z","UpdateTime":"14:22:05",
			"BPAddresses":[{"AddressName":"HQ","AddressType":"bo_ShipTo","City":"Yangon"}]}`))
	})

	bp, err := c.GetBusinessPartner(context.Background(), "C100")

	require.NoError(t, err)
	require.NotNil(t, bp)
	assert.True(t, bp.Active())
	assert.Equal(t, time.Date(2024, 1, 10, 14, 22, 5, 0, time.UTC), *bp.ModifiedAt())
	require.Len(t, bp.BPAddresses, 1)
	assert.Equal(t, "Yangon", bp.BPAddresses[0].City)
}

func TestRunQuery_SendsParamList(t *testing.T) {
	var path string
	var body map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		_, _ = w.Write([]byte(`{"value":[{"CardCode":"C7"}]}`))
	})

	rows, err := c.RunQuery(context.Background(), "BPByAdditionalID", map[string]string{"AdditionalID": "X'1", "Group": "100"})

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "/SQLQueries('BPByAdditionalID')/List", path)
	assert.Equal(t, "AdditionalID='X''1'&Group='100'", body["ParamList"])
}

func TestGetCurrencyRate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req currencyRateRequest
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &req)
		switch req.Date {
		case "2024-01-10":
			_, _ = w.Write([]byte(`1.0825`))
		case "2024-01-11":
			_, _ = w.Write([]byte(`{"value": "0"}`))
		default:
			http.Error(w, `{"error":{"code":-2028,"message":"No matching records found"}}`, http.StatusBadRequest)
		}
	})
	ctx := context.Background()

	rate, found, err := c.GetCurrencyRate(ctx, "USD", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.Equal(decimal.RequireFromString("1.0825")))

	_, found, err = c.GetCurrencyRate(ctx, "USD", time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = c.GetCurrencyRate(ctx, "USD", time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDocument_ReferencesOrder(t *testing.T) {
	entry := 55
	other := 56
	doc := Document{DocumentLines: []DocumentLine{
		{BaseType: 13, BaseEntry: &entry},
		{BaseType: BaseTypeOrder, BaseEntry: &other},
	}}
	assert.False(t, doc.ReferencesOrder(entry))
	assert.True(t, doc.ReferencesOrder(other))
}

func TestListInvoices_ReportsTruncatedListing(t *testing.T) {
	var filter string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		filter = r.URL.Query().Get("$filter")
		inv := map[string]any{"DocEntry": 9001, "CardCode": "C001", "DocDate": "2024-01-12", "DocTotal": 100}
		_, _ = w.Write(page([]map[string]any{inv}, "Invoices?$skip=next"))
	})
	c.invoiceMaxBatches = 2
	from := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	docs, hasMore, err := c.ListInvoices(context.Background(), "C001", from, from.AddDate(0, 0, 30))

	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Len(t, docs, 2)
	assert.Contains(t, filter, "CardCode eq 'C001'")
}

func TestListInvoices_CompleteListing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		inv := map[string]any{"DocEntry": 9001, "CardCode": "C001", "DocDate": "2024-01-12", "DocTotal": 100}
		_, _ = w.Write(page([]map[string]any{inv}, ""))
	})
	from := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	docs, hasMore, err := c.ListInvoices(context.Background(), "C001", from, from.AddDate(0, 0, 30))

	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, docs, 1)
	assert.Equal(t, 9001, docs[0].DocEntry)
}
