package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type Strategy string

const (
	StrategyStoredCode     Strategy = "stored_code"
	StrategyDerivedCode    Strategy = "derived_code"
	StrategyCrossReference Strategy = "cross_reference"
	StrategyTaxId          Strategy = "tax_id"
)

// DefaultCrossRefQuery is the stored ad-hoc query used when the ERP refuses
// to filter partners by their cross-reference field.
const DefaultCrossRefQuery = "BPByAdditionalID"

// PartnerDirectory is the part of the ERP client the resolver needs.
type PartnerDirectory interface {
	GetBusinessPartner(ctx context.Context, cardCode string) (*erp.BusinessPartner, error)
	FindBusinessPartners(ctx context.Context, filter string, top int) ([]erp.BusinessPartner, error)
	RunQuery(ctx context.Context, queryCode string, params map[string]string) ([]json.RawMessage, error)
}

// LocalRecord carries the identifiers a local client profile may hold.
// Any of them may be empty or stale.
type LocalRecord struct {
	StoredCode   string
	TaxId        string
	CrossRefCode string
}

// Match is a resolved partner tagged with the strategy that found it.
type Match struct {
	Partner  erp.BusinessPartner
	Strategy Strategy
}

// CodeDeriver computes the partner code the ERP would have generated for a record.
type CodeDeriver func(LocalRecord) string

// DeriveFromTaxId is the default deriver: "C" followed by the normalized tax id.
func DeriveFromTaxId(rec LocalRecord) string {
	taxId := utils.NormalizeTaxId(rec.TaxId)
	if taxId == "" {
		return ""
	}
	return "C" + taxId
}

type Option func(*Resolver)

func WithCodeDeriver(fn CodeDeriver) Option {
	return func(r *Resolver) { r.derive = fn }
}

func WithCrossRefQuery(queryCode string) Option {
	return func(r *Resolver) { r.crossRefQuery = queryCode }
}

// Resolver finds the ERP partner behind a local record. Strategies run in a
// fixed order and the first hit wins.
type Resolver struct {
	directory     PartnerDirectory
	derive        CodeDeriver
	crossRefQuery string
	logger        *logrus.Logger
}

func New(directory PartnerDirectory, logg *logrus.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		directory:     directory,
		derive:        DeriveFromTaxId,
		crossRefQuery: DefaultCrossRefQuery,
		logger:        logg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type strategyFunc func(ctx context.Context, rec LocalRecord) (*erp.BusinessPartner, error)

// Resolve returns nil, nil when no strategy finds a partner, meaning a new
// partner has to be created. Lookup failures other than "not found" abort.
func (r *Resolver) Resolve(ctx context.Context, rec LocalRecord) (*Match, error) {
	ctx, span := otel.Tracer("github.com/mmdatafocus/erpsync_backend/resolver").Start(ctx, "resolver.Resolve")
	defer span.End()

	steps := []struct {
		strategy Strategy
		fn       strategyFunc
	}{
		{StrategyStoredCode, r.byStoredCode},
		{StrategyDerivedCode, r.byDerivedCode},
		{StrategyCrossReference, r.byCrossReference},
		{StrategyTaxId, r.byTaxId},
	}
	for _, step := range steps {
		bp, err := step.fn(ctx, rec)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("resolve partner by %s: %w", step.strategy, err)
		}
		if bp != nil {
			span.SetAttributes(attribute.String("resolver.strategy", string(step.strategy)))
			if step.strategy != StrategyStoredCode {
				r.logger.WithFields(logrus.Fields{
					"module":      "resolver",
					"strategy":    step.strategy,
					"stored_code": rec.StoredCode,
					"remote_code": bp.CardCode,
				}).Info("partner resolved by fallback strategy")
			}
			return &Match{Partner: *bp, Strategy: step.strategy}, nil
		}
	}
	return nil, nil
}

func (r *Resolver) byStoredCode(ctx context.Context, rec LocalRecord) (*erp.BusinessPartner, error) {
	code := strings.TrimSpace(rec.StoredCode)
	if code == "" {
		return nil, nil
	}
	return r.directory.GetBusinessPartner(ctx, code)
}

func (r *Resolver) byDerivedCode(ctx context.Context, rec LocalRecord) (*erp.BusinessPartner, error) {
	if r.derive == nil {
		return nil, nil
	}
	code := strings.TrimSpace(r.derive(rec))
	if code == "" || code == strings.TrimSpace(rec.StoredCode) {
		return nil, nil
	}
	return r.directory.GetBusinessPartner(ctx, code)
}

func (r *Resolver) byCrossReference(ctx context.Context, rec LocalRecord) (*erp.BusinessPartner, error) {
	ref := strings.TrimSpace(rec.CrossRefCode)
	if ref == "" {
		return nil, nil
	}
	found, err := r.directory.FindBusinessPartners(ctx, erp.Eq("AdditionalID", ref), 2)
	if err == nil {
		return r.single(StrategyCrossReference, ref, found), nil
	}
	if !erp.IsStatus(err, http.StatusBadRequest) || r.crossRefQuery == "" {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"module": "resolver",
		"query":  r.crossRefQuery,
	}).Warn("cross-reference filter rejected, using ad-hoc query")
	rows, err := r.directory.RunQuery(ctx, r.crossRefQuery, map[string]string{"AdditionalID": ref})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var hit struct {
			CardCode string `json:"CardCode"`
		}
		if err := json.Unmarshal(row, &hit); err != nil || hit.CardCode == "" {
			continue
		}
		bp, err := r.directory.GetBusinessPartner(ctx, hit.CardCode)
		if err != nil && !errors.Is(err, erp.ErrNotFound) {
			return nil, err
		}
		if bp != nil {
			return bp, nil
		}
	}
	return nil, nil
}

func (r *Resolver) byTaxId(ctx context.Context, rec LocalRecord) (*erp.BusinessPartner, error) {
	taxId := utils.NormalizeTaxId(rec.TaxId)
	if taxId == "" {
		return nil, nil
	}
	// The ERP field is free text, so ask for the raw value and compare normalized.
	candidates, err := r.directory.FindBusinessPartners(ctx, erp.Or(
		erp.Eq("FederalTaxID", strings.TrimSpace(rec.TaxId)),
		erp.Eq("FederalTaxID", taxId),
	), 10)
	if err != nil {
		return nil, err
	}
	var exact []erp.BusinessPartner
	for _, bp := range candidates {
		if utils.NormalizeTaxId(bp.FederalTaxID) == taxId {
			exact = append(exact, bp)
		}
	}
	return r.single(StrategyTaxId, taxId, exact), nil
}

// single picks the first candidate, preferring active partners, and logs ambiguity.
func (r *Resolver) single(strategy Strategy, key string, found []erp.BusinessPartner) *erp.BusinessPartner {
	if len(found) == 0 {
		return nil
	}
	if len(found) > 1 {
		r.logger.WithFields(logrus.Fields{
			"module":   "resolver",
			"strategy": strategy,
			"key":      key,
			"count":    len(found),
		}).Warn("ambiguous partner lookup")
	}
	for i := range found {
		if found[i].Active() {
			return &found[i]
		}
	}
	return &found[0]
}
