package erpsync

import (
	"fmt"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/fxrate"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/reconcile"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"gorm.io/gorm"
)

// Deps are the shared collaborators of all families, built once at startup.
type Deps struct {
	DB          *gorm.DB
	Client      *erp.Client
	Resolver    *resolver.Resolver
	Rates       *fxrate.Resolver
	Engine      *reconcile.Engine
	CountryCode string
}

var defaultFamilySettings = map[string]config.FamilySettings{
	models.JobFamilyProducts: {Enabled: true, Schedule: "*/15 * * * *", FullSchedule: "0 2 * * *", BatchSize: 100, MaxBatches: 20},
	models.JobFamilyClients:  {Enabled: true, Schedule: "*/30 * * * *", FullSchedule: "30 2 * * *", BatchSize: 100, MaxBatches: 20},
	models.JobFamilyOrders:   {Enabled: true, Schedule: "*/5 * * * *", FullSchedule: "0 3 * * *", BatchSize: 50, MaxBatches: 10},

	// Incremental invoice linking runs chained after orders.
	models.JobFamilyOrderInvoices: {Enabled: true, FullSchedule: "0 */6 * * *", BatchSize: 50, MaxBatches: 5},
}

var defaultClientGroupSettings = config.FamilySettings{Enabled: true, Schedule: "0 * * * *", BatchSize: 100, MaxBatches: 10}

// DefaultFamilySettings returns the built-in settings of a family before
// environment overrides.
func DefaultFamilySettings(family string) config.FamilySettings {
	if s, ok := defaultFamilySettings[family]; ok {
		return s
	}
	return defaultClientGroupSettings
}

// RegisterFamilies registers every family with its settings and chains
// invoice linking after orders.
func RegisterFamilies(o *Orchestrator, deps Deps, s config.SyncSettings) error {
	register := func(f Family) error {
		settings, err := s.Family(f.Name(), DefaultFamilySettings(f.Name()))
		if err != nil {
			return err
		}
		o.Register(f, settings)
		return nil
	}

	families := []Family{
		NewProductsFamily(deps.Client, deps.DB, s.PriceList, s.MaxSubmitAttempts),
		NewClientsFamily(deps.Client, deps.Resolver, deps.DB, deps.CountryCode),
	}
	for _, code := range s.ClientGroups {
		f, err := NewClientGroupFamily(code, deps.Client, deps.Resolver, deps.DB, deps.CountryCode)
		if err != nil {
			return err
		}
		families = append(families, f)
	}
	submitter := NewOrderSubmitter(deps.Client, deps.Resolver, deps.Rates, deps.DB, s.MaxSubmitAttempts)
	families = append(families,
		NewOrdersFamily(deps.Client, submitter, deps.Engine, deps.DB),
		NewOrderInvoicesFamily(deps.Engine, deps.DB),
	)

	for _, f := range families {
		if err := register(f); err != nil {
			return err
		}
	}
	if err := o.AddObserver(models.JobFamilyOrders, ChainTo(o, models.JobFamilyOrderInvoices, models.JobKindIncremental)); err != nil {
		return fmt.Errorf("chain invoice linking: %w", err)
	}
	return nil
}
