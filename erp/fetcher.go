package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBatchSize  = 20
	DefaultMaxBatches = 10
)

// ResourceSpec names an ERP collection and the shape requested from it.
type ResourceSpec struct {
	Collection string
	Select     []string
	OrderBy    string
}

var (
	ItemsResource = ResourceSpec{
		Collection: "Items",
		Select: []string{"ItemCode", "ItemName", "User_Text", "BarCode", "ItemsGroupCode", "SalesUnit",
			"QuantityOnStock", "Valid", "Frozen", "ItemPrices", "UpdateDate", "UpdateTime"},
		OrderBy: "ItemCode",
	}
	BusinessPartnersResource = ResourceSpec{
		Collection: "BusinessPartners",
		OrderBy:    "CardCode",
	}
	OrdersResource = ResourceSpec{
		Collection: "Orders",
		OrderBy:    "DocEntry",
	}
	InvoicesResource = ResourceSpec{
		Collection: "Invoices",
		OrderBy:    "DocEntry",
	}
)

// FetchResult holds the raw batches of one FetchAll call. HasMore is true when
// the batch cap stopped the walk while the server still announced more pages.
type FetchResult struct {
	Batches [][]json.RawMessage
	HasMore bool
}

func (r *FetchResult) Count() int {
	n := 0
	for _, b := range r.Batches {
		n += len(b)
	}
	return n
}

// PaginatedFetcher walks ERP collections page by page through a SessionManager.
type PaginatedFetcher struct {
	session *SessionManager
	logger  *logrus.Logger
}

func NewPaginatedFetcher(session *SessionManager, logg *logrus.Logger) *PaginatedFetcher {
	return &PaginatedFetcher{session: session, logger: logg}
}

// FetchAll reads until the server stops announcing a next page, a page comes
// back empty, or maxBatches pages were read. Any page failure fails the call.
// Only odata.nextLink continues the walk; a full page without it is the last one.
func (f *PaginatedFetcher) FetchAll(ctx context.Context, spec ResourceSpec, filter string, batchSize int, maxBatches int) (*FetchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}
	result := &FetchResult{}
	skip := 0
	for {
		page, err := f.page(ctx, spec, filter, batchSize, skip)
		if err != nil {
			return nil, wrapPageError(spec, skip, err)
		}
		if len(page.Value) == 0 {
			return result, nil
		}
		result.Batches = append(result.Batches, page.Value)
		if page.next() == "" {
			return result, nil
		}
		if len(result.Batches) >= maxBatches {
			result.HasMore = true
			f.logger.WithFields(runFields(ctx, logrus.Fields{
				"module":      "erp",
				"collection":  spec.Collection,
				"max_batches": maxBatches,
				"fetched":     result.Count(),
			})).Warn("batch cap reached with more pages pending")
			return result, nil
		}
		skip += len(page.Value)
	}
}

// Query reads a single page of at most top entities.
func (f *PaginatedFetcher) Query(ctx context.Context, spec ResourceSpec, filter string, top int) ([]json.RawMessage, error) {
	page, err := f.page(ctx, spec, filter, top, 0)
	if err != nil {
		return nil, err
	}
	return page.Value, nil
}

func (f *PaginatedFetcher) page(ctx context.Context, spec ResourceSpec, filter string, top int, skip int) (collectionResponse, error) {
	params := url.Values{}
	if filter != "" {
		params.Set("$filter", filter)
	}
	if len(spec.Select) > 0 {
		params.Set("$select", strings.Join(spec.Select, ","))
	}
	if spec.OrderBy != "" {
		params.Set("$orderby", spec.OrderBy)
	}
	if top > 0 {
		params.Set("$top", strconv.Itoa(top))
	}
	if skip > 0 {
		params.Set("$skip", strconv.Itoa(skip))
	}
	c := call{
		method: http.MethodGet,
		path:   spec.Collection + "?" + params.Encode(),
		header: http.Header{},
	}
	if top > 0 {
		c.header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(top))
	}

	raw, err := f.session.do(ctx, c)
	if err != nil {
		return collectionResponse{}, err
	}
	var parsed collectionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return collectionResponse{}, &FetchError{Method: c.method, Path: spec.Collection, Err: fmt.Errorf("decode page: %w", err)}
	}
	return parsed, nil
}

func wrapPageError(spec ResourceSpec, skip int, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) || IsSessionFailure(err) {
		return err
	}
	return &FetchError{Method: http.MethodGet, Path: fmt.Sprintf("%s (skip %d)", spec.Collection, skip), Err: err}
}

// Decode unmarshals one raw entity.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
