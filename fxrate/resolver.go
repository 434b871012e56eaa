package fxrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RateSource reads and writes the ERP's daily exchange rates.
type RateSource interface {
	GetCurrencyRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, bool, error)
	SetCurrencyRate(ctx context.Context, currency string, date time.Time, rate decimal.Decimal) error
}

// RateUnavailableError means no rate exists on the requested date or in the
// lookback window before it. Callers must not guess a rate.
type RateUnavailableError struct {
	Currency     string
	Date         time.Time
	LookbackDays int
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("no %s rate on %s or the %d days before", e.Currency, e.Date.Format("2006-01-02"), e.LookbackDays)
}

// Result describes a resolved rate. RateDate is the day the rate was found on;
// WasUpdated is true when it was also written onto the requested date.
type Result struct {
	Currency      string          `json:"currency"`
	Rate          decimal.Decimal `json:"rate"`
	RequestedDate time.Time       `json:"requested_date"`
	RateDate      time.Time       `json:"rate_date"`
	WasUpdated    bool            `json:"was_updated"`
}

type Option func(*Resolver)

// WithCache keeps resolved rates in Redis for ttl.
func WithCache(client *redis.Client, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = client
		r.cacheTTL = ttl
	}
}

type Resolver struct {
	source        RateSource
	localCurrency string
	lookbackDays  int
	republish     bool
	cache         *redis.Client
	cacheTTL      time.Duration
	logger        *logrus.Logger
}

func New(source RateSource, s config.FXSettings, logg *logrus.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		source:        source,
		localCurrency: strings.ToUpper(strings.TrimSpace(s.LocalCurrency)),
		lookbackDays:  s.LookbackDays,
		republish:     s.Republish,
		logger:        logg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the rate of currency on date, walking back up to the
// lookback window when the day itself has none.
func (r *Resolver) Resolve(ctx context.Context, currency string, date time.Time) (*Result, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	day := utils.DateOnly(date)
	if currency == "" || currency == r.localCurrency {
		return &Result{Currency: currency, Rate: decimal.NewFromInt(1), RequestedDate: day, RateDate: day}, nil
	}
	if cached, ok := r.fromCache(ctx, currency, day); ok {
		return cached, nil
	}

	for back := 0; back <= r.lookbackDays; back++ {
		rateDay := day.AddDate(0, 0, -back)
		rate, found, err := r.source.GetCurrencyRate(ctx, currency, rateDay)
		if err != nil {
			return nil, fmt.Errorf("get %s rate for %s: %w", currency, rateDay.Format("2006-01-02"), err)
		}
		if !found {
			continue
		}
		res := &Result{Currency: currency, Rate: rate, RequestedDate: day, RateDate: rateDay}
		if back > 0 {
			r.logger.WithFields(logrus.Fields{
				"module":    "fxrate",
				"currency":  currency,
				"requested": day.Format("2006-01-02"),
				"found":     rateDay.Format("2006-01-02"),
			}).Info("using earlier exchange rate")
			if r.republish {
				res.WasUpdated = r.publish(ctx, currency, day, rate)
			}
		}
		r.toCache(ctx, res)
		return res, nil
	}
	return nil, &RateUnavailableError{Currency: currency, Date: day, LookbackDays: r.lookbackDays}
}

// publish is best-effort: a failure only means the next lookup walks back again.
func (r *Resolver) publish(ctx context.Context, currency string, day time.Time, rate decimal.Decimal) bool {
	if err := r.source.SetCurrencyRate(ctx, currency, day, rate); err != nil {
		config.LogError(r.logger, "fxrate", "publish", "republishing rate failed", map[string]string{
			"currency": currency,
			"date":     day.Format("2006-01-02"),
		}, err)
		return false
	}
	return true
}

func cacheKey(currency string, day time.Time) string {
	return "erp-fx:" + currency + ":" + day.Format("2006-01-02")
}

func (r *Resolver) fromCache(ctx context.Context, currency string, day time.Time) (*Result, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(ctx, cacheKey(currency, day)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			config.LogError(r.logger, "fxrate", "fromCache", "redis get", nil, err)
		}
		return nil, false
	}
	var res Result
	if err := utils.UnmarshalFromJSON(raw, &res); err != nil {
		return nil, false
	}
	res.WasUpdated = false
	return &res, true
}

func (r *Resolver) toCache(ctx context.Context, res *Result) {
	if r.cache == nil || r.cacheTTL <= 0 {
		return
	}
	data, err := utils.MarshalToJSON(res)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(res.Currency, res.RequestedDate), data, r.cacheTTL).Err(); err != nil {
		config.LogError(r.logger, "fxrate", "toCache", "redis set", nil, err)
	}
}
