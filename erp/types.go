package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BaseTypeOrder is the ERP object type of sales orders, used by document lines
// to reference the document they were copied from.
const BaseTypeOrder = 17

// YesNo is the ERP's "tYES"/"tNO" boolean.
type YesNo bool

func (b YesNo) MarshalJSON() ([]byte, error) {
	if b {
		return []byte(`"tYES"`), nil
	}
	return []byte(`"tNO"`), nil
}

func (b *YesNo) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var v bool
		if err2 := json.Unmarshal(data, &v); err2 != nil {
			return fmt.Errorf("invalid yes/no value %s", data)
		}
		*b = YesNo(v)
		return nil
	}
	*b = YesNo(strings.EqualFold(s, "tYES") || strings.EqualFold(s, "Y"))
	return nil
}

// Date accepts the ERP's date formats ("2024-01-10", "2024-01-10T00:00:00Z") and null.
type Date struct {
	time.Time
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = Date{}
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*d = Date{t.UTC()}
			return nil
		}
	}
	return fmt.Errorf("invalid erp date %q", s)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.UTC().Format("2006-01-02"))
}

// Ptr returns nil for the zero date.
func (d Date) Ptr() *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time
	return &t
}

// modifiedAt combines the ERP's separate update date and time-of-day fields.
func modifiedAt(date Date, clock string) *time.Time {
	if date.IsZero() {
		return nil
	}
	t := date.Time
	if c, err := time.Parse("15:04:05", strings.TrimSpace(clock)); err == nil {
		t = time.Date(t.Year(), t.Month(), t.Day(), c.Hour(), c.Minute(), c.Second(), 0, time.UTC)
	}
	return &t
}

type BPAddress struct {
	AddressName string `json:"AddressName"`
	AddressType string `json:"AddressType"`
	Street      string `json:"Street"`
	City        string `json:"City"`
	County      string `json:"County"`
	Country     string `json:"Country"`
	ZipCode     string `json:"ZipCode"`
}

type BusinessPartner struct {
	CardCode        string      `json:"CardCode"`
	CardName        string      `json:"CardName"`
	CardForeignName string      `json:"CardForeignName"`
	CardType        string      `json:"CardType"`
	GroupCode       int         `json:"GroupCode"`
	FederalTaxID    string      `json:"FederalTaxID"`
	AdditionalID    string      `json:"AdditionalID"`
	EmailAddress    string      `json:"EmailAddress"`
	Phone1          string      `json:"Phone1"`
	Cellular        string      `json:"Cellular"`
	Currency        string      `json:"Currency"`
	Valid           YesNo       `json:"Valid"`
	Frozen          YesNo       `json:"Frozen"`
	UpdateDate      Date        `json:"UpdateDate"`
	UpdateTime      string      `json:"UpdateTime"`
	BPAddresses     []BPAddress `json:"BPAddresses"`
}

func (p BusinessPartner) ModifiedAt() *time.Time { return modifiedAt(p.UpdateDate, p.UpdateTime) }

// Active is false for partners that are frozen or flagged invalid.
func (p BusinessPartner) Active() bool { return bool(p.Valid) && !bool(p.Frozen) }

type ItemPrice struct {
	PriceList int             `json:"PriceList"`
	Price     decimal.Decimal `json:"Price"`
	Currency  string          `json:"Currency"`
}

type Item struct {
	ItemCode        string          `json:"ItemCode"`
	ItemName        string          `json:"ItemName"`
	UserText        string          `json:"User_Text"`
	BarCode         string          `json:"BarCode"`
	ItemsGroupCode  int             `json:"ItemsGroupCode"`
	SalesUnit       string          `json:"SalesUnit"`
	QuantityOnStock decimal.Decimal `json:"QuantityOnStock"`
	Valid           YesNo           `json:"Valid"`
	Frozen          YesNo           `json:"Frozen"`
	ItemPrices      []ItemPrice     `json:"ItemPrices"`
	UpdateDate      Date            `json:"UpdateDate"`
	UpdateTime      string          `json:"UpdateTime"`
}

func (i Item) ModifiedAt() *time.Time { return modifiedAt(i.UpdateDate, i.UpdateTime) }

func (i Item) Active() bool { return bool(i.Valid) && !bool(i.Frozen) }

// Price returns the entry of the given price list, or the first one when list is 0.
func (i Item) Price(list int) (ItemPrice, bool) {
	for _, p := range i.ItemPrices {
		if list == 0 || p.PriceList == list {
			return p, true
		}
	}
	return ItemPrice{}, false
}

type DocumentLine struct {
	LineNum               int             `json:"LineNum"`
	ItemCode              string          `json:"ItemCode"`
	Quantity              decimal.Decimal `json:"Quantity"`
	RemainingOpenQuantity decimal.Decimal `json:"RemainingOpenQuantity"`
	Price                 decimal.Decimal `json:"Price"`
	BaseType              int             `json:"BaseType"`
	BaseEntry             *int            `json:"BaseEntry"`
	BaseLine              *int            `json:"BaseLine"`
}

// Document is a marketing document (sales order or A/R invoice).
type Document struct {
	DocEntry       int             `json:"DocEntry"`
	DocNum         int             `json:"DocNum"`
	CardCode       string          `json:"CardCode"`
	NumAtCard      string          `json:"NumAtCard"`
	DocDate        Date            `json:"DocDate"`
	DocDueDate     Date            `json:"DocDueDate"`
	DocTotal       decimal.Decimal `json:"DocTotal"`
	DocCurrency    string          `json:"DocCurrency"`
	DocRate        decimal.Decimal `json:"DocRate"`
	DocumentStatus string          `json:"DocumentStatus"`
	Cancelled      YesNo           `json:"Cancelled"`
	Comments       string          `json:"Comments"`
	UpdateDate     Date            `json:"UpdateDate"`
	UpdateTime     string          `json:"UpdateTime"`
	DocumentLines  []DocumentLine  `json:"DocumentLines"`
}

func (d Document) ModifiedAt() *time.Time { return modifiedAt(d.UpdateDate, d.UpdateTime) }

// ReferencesOrder reports whether any line was copied from the order with docEntry.
func (d Document) ReferencesOrder(docEntry int) bool {
	for _, l := range d.DocumentLines {
		if l.BaseType == BaseTypeOrder && l.BaseEntry != nil && *l.BaseEntry == docEntry {
			return true
		}
	}
	return false
}

// NewDocumentLine and NewDocument are the payloads for creating sales orders.
type NewDocumentLine struct {
	ItemCode  string          `json:"ItemCode"`
	Quantity  decimal.Decimal `json:"Quantity"`
	UnitPrice decimal.Decimal `json:"UnitPrice"`
}

type NewDocument struct {
	CardCode      string            `json:"CardCode"`
	NumAtCard     string            `json:"NumAtCard"`
	DocDate       Date              `json:"DocDate"`
	DocDueDate    Date              `json:"DocDueDate"`
	DocCurrency   string            `json:"DocCurrency,omitempty"`
	DocRate       *decimal.Decimal  `json:"DocRate,omitempty"`
	Comments      string            `json:"Comments,omitempty"`
	DocumentLines []NewDocumentLine `json:"DocumentLines"`
}

type collectionResponse struct {
	Value      []json.RawMessage `json:"value"`
	NextLink   string            `json:"odata.nextLink"`
	NextLinkV4 string            `json:"@odata.nextLink"`
}

func (r collectionResponse) next() string {
	if r.NextLink != "" {
		return r.NextLink
	}
	return r.NextLinkV4
}
