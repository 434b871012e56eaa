package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// writableItemFields is the only part of an item the engine may change remotely.
var writableItemFields = map[string]bool{
	"User_Text": true,
}

// DefaultInvoiceMaxBatches bounds one partner's invoice listing.
const DefaultInvoiceMaxBatches = 50

// Client is the typed surface over the ERP's collections and service calls.
type Client struct {
	session *SessionManager
	fetcher *PaginatedFetcher
	logger  *logrus.Logger

	invoiceMaxBatches int
}

func NewClient(session *SessionManager, logg *logrus.Logger) *Client {
	return &Client{
		session: session,
		fetcher: NewPaginatedFetcher(session, logg),
		logger:  logg,

		invoiceMaxBatches: DefaultInvoiceMaxBatches,
	}
}

func (c *Client) Session() *SessionManager { return c.session }

func (c *Client) Fetcher() *PaginatedFetcher { return c.fetcher }

func (c *Client) GetBusinessPartner(ctx context.Context, cardCode string) (*BusinessPartner, error) {
	var bp BusinessPartner
	if err := c.session.Request(ctx, http.MethodGet, entityKey("BusinessPartners", cardCode), nil, &bp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bp, nil
}

func (c *Client) FindBusinessPartners(ctx context.Context, filter string, top int) ([]BusinessPartner, error) {
	raws, err := c.fetcher.Query(ctx, BusinessPartnersResource, filter, top)
	if err != nil {
		return nil, err
	}
	return decodeAll[BusinessPartner](raws)
}

// RunQuery executes a stored ad-hoc query. Parameters are passed in the
// ERP's "name='value'&..." list form.
func (c *Client) RunQuery(ctx context.Context, queryCode string, params map[string]string) ([]json.RawMessage, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+Quote(params[k]))
	}
	body := map[string]string{"ParamList": strings.Join(parts, "&")}

	var resp collectionResponse
	if err := c.session.Request(ctx, http.MethodPost, entityKey("SQLQueries", queryCode)+"/List", body, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) GetItem(ctx context.Context, itemCode string) (*Item, error) {
	var item Item
	if err := c.session.Request(ctx, http.MethodGet, entityKey("Items", itemCode), nil, &item); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// UpdateItem patches whitelisted fields of an item.
func (c *Client) UpdateItem(ctx context.Context, itemCode string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	for k := range fields {
		if !writableItemFields[k] {
			return fmt.Errorf("%w: Items.%s", ErrFieldNotWritable, k)
		}
	}
	return c.session.Request(ctx, http.MethodPatch, entityKey("Items", itemCode), fields, nil)
}

func (c *Client) CreateOrder(ctx context.Context, doc NewDocument) (*Document, error) {
	var created Document
	if err := c.session.Request(ctx, http.MethodPost, OrdersResource.Collection, doc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetOrder(ctx context.Context, docEntry int) (*Document, error) {
	var doc Document
	if err := c.session.Request(ctx, http.MethodGet, entityKey("Orders", docEntry), nil, &doc); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &doc, nil
}

// FindOrderByReference looks up an order by the customer reference the engine
// writes on submission, so a submission whose local bookkeeping failed is not
// posted twice.
func (c *Client) FindOrderByReference(ctx context.Context, cardCode string, reference string) (*Document, error) {
	raws, err := c.fetcher.Query(ctx, OrdersResource, And(Eq("CardCode", cardCode), Eq("NumAtCard", reference)), 1)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		return nil, nil
	}
	doc, err := Decode[Document](raws[0])
	if err != nil {
		return nil, &FetchError{Method: http.MethodGet, Path: OrdersResource.Collection, Err: err}
	}
	return &doc, nil
}

// ListInvoices returns the non-cancelled invoices of a partner dated within [from, to].
// hasMore reports that the listing stopped at the batch cap and is incomplete.
func (c *Client) ListInvoices(ctx context.Context, cardCode string, from time.Time, to time.Time) (docs []Document, hasMore bool, err error) {
	filter := And(
		Eq("CardCode", cardCode),
		Ge("DocDate", from),
		Le("DocDate", to),
		Eq("Cancelled", false),
	)
	res, err := c.fetcher.FetchAll(ctx, InvoicesResource, filter, DefaultBatchSize, c.invoiceMaxBatches)
	if err != nil {
		return nil, false, err
	}
	for _, batch := range res.Batches {
		decoded, err := decodeAll[Document](batch)
		if err != nil {
			return nil, false, err
		}
		docs = append(docs, decoded...)
	}
	return docs, res.HasMore, nil
}

type currencyRateRequest struct {
	Currency string `json:"Currency"`
	Date     string `json:"Date"`
}

type setCurrencyRateRequest struct {
	Currency string          `json:"Currency"`
	Rate     decimal.Decimal `json:"Rate"`
	RateDate string          `json:"RateDate"`
}

// GetCurrencyRate returns the rate stored for exactly date. found is false when
// the ERP has no rate for that day.
func (c *Client) GetCurrencyRate(ctx context.Context, currency string, date time.Time) (rate decimal.Decimal, found bool, err error) {
	req := currencyRateRequest{Currency: currency, Date: date.UTC().Format("2006-01-02")}
	var raw json.RawMessage
	if err := c.session.Request(ctx, http.MethodPost, "SBOBobService_GetCurrencyRate", req, &raw); err != nil {
		if errors.Is(err, ErrNotFound) || IsStatus(err, http.StatusBadRequest) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	rate, err = parseRate(raw)
	if err != nil {
		return decimal.Zero, false, &FetchError{Method: http.MethodPost, Path: "SBOBobService_GetCurrencyRate", Err: err}
	}
	if !rate.IsPositive() {
		return decimal.Zero, false, nil
	}
	return rate, true, nil
}

func (c *Client) SetCurrencyRate(ctx context.Context, currency string, date time.Time, rate decimal.Decimal) error {
	req := setCurrencyRateRequest{Currency: currency, Rate: rate, RateDate: date.UTC().Format("2006-01-02")}
	return c.session.Request(ctx, http.MethodPost, "SBOBobService_SetCurrencyRate", req, nil)
}

// parseRate accepts a bare number, a quoted number or {"value": n}.
func parseRate(raw json.RawMessage) (decimal.Decimal, error) {
	var wrapped struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Value) > 0 {
		raw = wrapped.Value
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q", s)
	}
	return decimal.NewFromString(s)
}

func decodeAll[T any](raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		v, err := Decode[T](raw)
		if err != nil {
			return nil, &FetchError{Method: http.MethodGet, Err: fmt.Errorf("decode entity: %w", err)}
		}
		out = append(out, v)
	}
	return out, nil
}
