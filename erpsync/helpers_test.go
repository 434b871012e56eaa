package erpsync

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/fxrate"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/reconcile"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type entity = map[string]any

type patchCall struct {
	Path string
	Body map[string]any
}

// fakeERP serves an in-memory Service Layer: paged collections with a small
// filter evaluator, single-entity reads, item patches, order creation and
// exchange rates.
type fakeERP struct {
	mu           sync.Mutex
	collections  map[string][]entity
	rates        map[string]string
	failStatus   map[string]int
	patchStatus  int
	patches      []patchCall
	createdDocs  []entity
	nextDocEntry int
}

var entityKeys = map[string]string{
	"Items":            "ItemCode",
	"BusinessPartners": "CardCode",
	"Orders":           "DocEntry",
	"Invoices":         "DocEntry",
}

func newFakeERP(t *testing.T) (*fakeERP, *httptest.Server) {
	t.Helper()
	f := &fakeERP{
		collections:  map[string][]entity{},
		rates:        map[string]string{},
		failStatus:   map[string]int{},
		nextDocEntry: 1000,
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeERP) set(collection string, rows ...entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[collection] = rows
}

func (f *fakeERP) fail(collection string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus[collection] = status
}

func (f *fakeERP) rejectPatches(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patchStatus = status
}

func (f *fakeERP) setRate(currency string, day string, rate string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[currency+":"+day] = rate
}

func (f *fakeERP) patchCalls() []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]patchCall(nil), f.patches...)
}

func (f *fakeERP) created() []entity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity(nil), f.createdDocs...)
}

func (f *fakeERP) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	switch path {
	case "Login":
		writeJSON(w, http.StatusOK, entity{"SessionId": "session-1"})
		return
	case "Logout":
		w.WriteHeader(http.StatusNoContent)
		return
	case "SBOBobService_GetCurrencyRate":
		f.getRate(w, r)
		return
	case "SBOBobService_SetCurrencyRate":
		f.putRate(w, r)
		return
	}

	collection, key, hasKey := splitEntityPath(path)
	f.mu.Lock()
	status := f.failStatus[collection]
	patchStatus := f.patchStatus
	f.mu.Unlock()
	if status != 0 {
		writeJSON(w, status, entity{"error": entity{"message": "failure injected"}})
		return
	}

	switch {
	case r.Method == http.MethodGet && hasKey:
		row, ok := f.find(collection, key)
		if !ok {
			writeJSON(w, http.StatusNotFound, entity{"error": entity{"message": "not found"}})
			return
		}
		writeJSON(w, http.StatusOK, row)
	case r.Method == http.MethodGet:
		f.list(w, r, collection)
	case r.Method == http.MethodPatch && hasKey && patchStatus != 0:
		writeJSON(w, patchStatus, entity{"error": entity{"message": "patch rejected"}})
	case r.Method == http.MethodPatch && hasKey:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.patches = append(f.patches, patchCall{Path: path, Body: body})
		for _, row := range f.collections[collection] {
			if fmt.Sprint(row[entityKeys[collection]]) == key {
				for k, v := range body {
					row[k] = v
				}
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && collection == "Orders":
		f.createOrder(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func splitEntityPath(path string) (collection string, key string, hasKey bool) {
	i := strings.Index(path, "(")
	if i < 0 || !strings.HasSuffix(path, ")") {
		return path, "", false
	}
	key = strings.Trim(path[i+1:len(path)-1], "'")
	return path[:i], key, true
}

func (f *fakeERP) find(collection string, key string) (entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.collections[collection] {
		if fmt.Sprint(row[entityKeys[collection]]) == key {
			return row, true
		}
	}
	return nil, false
}

func (f *fakeERP) list(w http.ResponseWriter, r *http.Request, collection string) {
	q := r.URL.Query()
	top, _ := strconv.Atoi(q.Get("$top"))
	skip, _ := strconv.Atoi(q.Get("$skip"))
	filter := q.Get("$filter")

	f.mu.Lock()
	var matched []entity
	for _, row := range f.collections[collection] {
		if matchesFilter(row, filter) {
			matched = append(matched, row)
		}
	}
	f.mu.Unlock()

	if skip > len(matched) {
		skip = len(matched)
	}
	end := len(matched)
	if top > 0 && skip+top < end {
		end = skip + top
	}
	resp := entity{"value": matched[skip:end]}
	if end < len(matched) {
		next := url.Values{}
		next.Set("$skip", strconv.Itoa(end))
		resp["odata.nextLink"] = collection + "?" + next.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// matchesFilter understands the filters the engine builds: clauses joined by
// " and ", parenthesized " or " groups, and eq/ge/le comparisons.
func matchesFilter(row entity, filter string) bool {
	if strings.TrimSpace(filter) == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " and ") {
		clause = strings.TrimSpace(clause)
		if strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") {
			hit := false
			for _, alt := range strings.Split(clause[1:len(clause)-1], " or ") {
				if matchClause(row, alt) {
					hit = true
				}
			}
			if !hit {
				return false
			}
			continue
		}
		if !matchClause(row, clause) {
			return false
		}
	}
	return true
}

func matchClause(row entity, clause string) bool {
	parts := strings.SplitN(strings.TrimSpace(clause), " ", 3)
	if len(parts) != 3 {
		return false
	}
	field, op := parts[0], parts[1]
	want := strings.ReplaceAll(strings.Trim(parts[2], "'"), "''", "'")
	got := ""
	if v, ok := row[field]; ok && v != nil {
		got = fmt.Sprint(v)
	}
	switch op {
	case "eq":
		return got == want
	case "ge", "le":
		if len(got) > len(want) {
			got = got[:len(want)]
		}
		if op == "ge" {
			return got >= want
		}
		return got <= want
	}
	return false
}

func (f *fakeERP) createOrder(w http.ResponseWriter, r *http.Request) {
	var doc erp.NewDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, entity{"error": entity{"message": err.Error()}})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDocEntry++
	lines := make([]any, 0, len(doc.DocumentLines))
	total := 0.0
	for i, l := range doc.DocumentLines {
		qty, _ := l.Quantity.Float64()
		price, _ := l.UnitPrice.Float64()
		total += qty * price
		lines = append(lines, entity{
			"LineNum":               i,
			"ItemCode":              l.ItemCode,
			"Quantity":              qty,
			"RemainingOpenQuantity": qty,
			"Price":                 price,
		})
	}
	row := entity{
		"DocEntry":       f.nextDocEntry,
		"DocNum":         f.nextDocEntry + 50000,
		"CardCode":       doc.CardCode,
		"NumAtCard":      doc.NumAtCard,
		"DocDate":        doc.DocDate.Format("2006-01-02"),
		"DocDueDate":     doc.DocDueDate.Format("2006-01-02"),
		"DocTotal":       total,
		"DocCurrency":    doc.DocCurrency,
		"DocumentStatus": "bost_Open",
		"Cancelled":      "tNO",
		"UpdateDate":     doc.DocDate.Format("2006-01-02"),
		"DocumentLines":  lines,
	}
	if doc.DocRate != nil {
		row["DocRate"] = doc.DocRate.String()
	}
	f.collections["Orders"] = append(f.collections["Orders"], row)
	f.createdDocs = append(f.createdDocs, row)
	writeJSON(w, http.StatusCreated, row)
}

func (f *fakeERP) getRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"Currency"`
		Date     string `json:"Date"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	rate, ok := f.rates[req.Currency+":"+req.Date]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, entity{"error": entity{"message": "no rate"}})
		return
	}
	_, _ = io.WriteString(w, rate)
}

func (f *fakeERP) putRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string          `json:"Currency"`
		Rate     json.RawMessage `json:"Rate"`
		RateDate string          `json:"RateDate"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.setRate(req.Currency, req.RateDate, strings.Trim(string(req.Rate), `"`))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), config.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	config.InstallPlugins(db, config.DiscardLogger())
	require.NoError(t, models.MigrateTable(db))
	return db
}

// harness wires one orchestrator against a fake ERP and an in-memory store.
type harness struct {
	t       *testing.T
	erp     *fakeERP
	db      *gorm.DB
	client  *erp.Client
	logger  *logrus.Logger
	orch    *Orchestrator
	metrics *Metrics

	mu    sync.Mutex
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake, srv := newFakeERP(t)
	logg := config.DiscardLogger()
	h := &harness{
		t:       t,
		erp:     fake,
		db:      newTestDB(t),
		logger:  logg,
		metrics: NewMetrics(),
		clock:   time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC),
	}
	session := erp.NewSessionManager(config.ERPSettings{
		BaseURL:         srv.URL,
		CompanyDB:       "TESTDB",
		Username:        "manager",
		Password:        "secret",
		RequestTimeout:  5 * time.Second,
		LoginMaxRetries: 1,
		LoginBackoff:    time.Millisecond,
		RateLimitPerSec: 1000,
	}, logg, erp.WithObserver(h.metrics))
	h.client = erp.NewClient(session, logg)
	h.orch = NewOrchestrator(h.db, logg, WithClock(h.now), WithMetrics(h.metrics))
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) resolver() *resolver.Resolver {
	return resolver.New(h.client, h.logger)
}

func (h *harness) engine() *reconcile.Engine {
	return reconcile.NewEngine(h.client, reconcile.DefaultScoring(), h.logger)
}

func (h *harness) rates() *fxrate.Resolver {
	return fxrate.New(h.client, config.FXSettings{LocalCurrency: "MMK", LookbackDays: 7, Republish: true}, h.logger)
}

func testSettings() config.FamilySettings {
	return config.FamilySettings{Enabled: true, BatchSize: 10, MaxBatches: 10}
}

func (h *harness) state(family string) models.SyncJobState {
	h.t.Helper()
	var st models.SyncJobState
	require.NoError(h.t, h.db.Where("family = ?", family).Take(&st).Error)
	return st
}
