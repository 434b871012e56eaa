package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(values []map[string]any, next string) []byte {
	body := map[string]any{"value": values}
	if next != "" {
		body["odata.nextLink"] = next
	}
	b, _ := json.Marshal(body)
	return b
}

func itemsPage(from, n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, map[string]any{"ItemCode": fmt.Sprintf("I%03d", i)})
	}
	return out
}

func TestFetchAll_StopsAtBatchCapAndReportsMore(t *testing.T) {
	fake, srv := newFakeERP(t)
	var calls atomic.Int32
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
		_, _ = w.Write(page(itemsPage(skip, 2), "Items?$skip=next"))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	res, err := f.FetchAll(context.Background(), ItemsResource, "", 2, 3)

	require.NoError(t, err)
	assert.True(t, res.HasMore)
	assert.Len(t, res.Batches, 3)
	assert.Equal(t, 6, res.Count())
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchAll_FollowsPagesUntilNoNextLink(t *testing.T) {
	fake, srv := newFakeERP(t)
	var skips []string
	var filters []string
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		skips = append(skips, q.Get("$skip"))
		filters = append(filters, q.Get("$filter"))
		assert.Equal(t, "odata.maxpagesize=2", r.Header.Get("Prefer"))
		skip, _ := strconv.Atoi(q.Get("$skip"))
		if skip >= 4 {
			_, _ = w.Write(page(itemsPage(skip, 1), ""))
			return
		}
		_, _ = w.Write(page(itemsPage(skip, 2), "more"))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	res, err := f.FetchAll(context.Background(), ItemsResource, "UpdateDate ge '2024-01-10'", 2, 10)

	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Equal(t, 5, res.Count())
	assert.Equal(t, []string{"", "2", "4"}, skips)
	assert.Equal(t, "UpdateDate ge '2024-01-10'", filters[0])

	last, err := Decode[Item](res.Batches[2][0])
	require.NoError(t, err)
	assert.Equal(t, "I004", last.ItemCode)
}

func TestFetchAll_EmptyPageEndsWalk(t *testing.T) {
	fake, srv := newFakeERP(t)
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(page(nil, "more"))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	res, err := f.FetchAll(context.Background(), ItemsResource, "", 5, 5)

	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Empty(t, res.Batches)
}

func TestFetchAll_PageFailureAbortsWholeCall(t *testing.T) {
	fake, srv := newFakeERP(t)
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$skip") == "2" {
			http.Error(w, "db timeout", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(page(itemsPage(0, 2), "more"))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	res, err := f.FetchAll(context.Background(), ItemsResource, "", 2, 10)

	assert.Nil(t, res)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
}

func TestFetchAll_MalformedPageIsFetchError(t *testing.T) {
	fake, srv := newFakeERP(t)
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	_, err := f.FetchAll(context.Background(), ItemsResource, "", 2, 10)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
}

func TestFetchAll_FullPageWithoutNextLinkIsLast(t *testing.T) {
	fake, srv := newFakeERP(t)
	var calls atomic.Int32
	fake.handle = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(page(itemsPage(0, 2), ""))
	}
	m, _ := newTestSession(t, srv.URL)
	f := NewPaginatedFetcher(m, config.DiscardLogger())

	res, err := f.FetchAll(context.Background(), ItemsResource, "", 2, 5)

	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Equal(t, 2, res.Count())
	assert.EqualValues(t, 1, calls.Load())
}
