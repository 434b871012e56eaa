package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/erpsync_backend/utils"
)

// Settings is the full process configuration, read once at startup.
type Settings struct {
	LogLevel  string
	ERP       ERPSettings
	Database  DatabaseSettings
	Redis     RedisSettings
	PubSub    PubSubSettings
	Sync      SyncSettings
	Reconcile ReconcileSettings
	FX        FXSettings
	HTTP      HTTPSettings
}

type ERPSettings struct {
	BaseURL        string        `validate:"required,url"`
	CompanyDB      string        `validate:"required"`
	Username       string        `validate:"required"`
	Password       string        `validate:"required"`
	RequestTimeout time.Duration `validate:"gt=0"`
	// LoginMaxRetries is the number of retries after the first failed login attempt.
	LoginMaxRetries int           `validate:"gte=0,lte=10"`
	LoginBackoff    time.Duration `validate:"gt=0"`
	RateLimitPerSec float64       `validate:"gt=0"`
	CountryCode     string        `validate:"omitempty,len=2"`
	// CrossRefQuery names the stored query used when the ERP rejects an AdditionalID filter.
	CrossRefQuery string `validate:"required"`
}

type DatabaseSettings struct {
	User            string
	Password        string
	Host            string `validate:"required"`
	Port            string
	Name            string `validate:"required"`
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisSettings struct {
	// Address is optional; without it run locks and the FX cache are disabled.
	Address  string
	Password string
	DB       int
}

type PubSubSettings struct {
	ProjectID       string
	CredentialsJSON string
	Topic           string
	CreateTopic     bool
}

type SyncSettings struct {
	ClientGroups      []string
	PriceList         int           `validate:"gte=0"`
	MaxSubmitAttempts int           `validate:"gt=0"`
	InitialLookback   time.Duration `validate:"gt=0"`
	RunLockTTL        time.Duration `validate:"gt=0"`
}

// FamilySettings configures one job family. Empty schedules disable that trigger.
type FamilySettings struct {
	Enabled      bool
	Schedule     string
	FullSchedule string
	BatchSize    int `validate:"gt=0,lte=1000"`
	MaxBatches   int `validate:"gt=0"`
}

type ReconcileSettings struct {
	ExactMatchScore int
	ToleranceScore  int
	AmountTolerance float64 `validate:"gte=0,lt=1"`
	WindowDays      int     `validate:"gt=0"`
	AcceptThreshold int
}

type FXSettings struct {
	LocalCurrency string
	LookbackDays  int `validate:"gte=0,lte=31"`
	Republish     bool
	CacheTTL      time.Duration
}

type HTTPSettings struct {
	Port           string
	AllowedOrigins []string
	Production     bool
}

func LoadSettings() (*Settings, error) {
	s := &Settings{
		LogLevel: stringFromEnv("LOG_LEVEL", "info"),
		ERP: ERPSettings{
			BaseURL:         strings.TrimRight(stringFromEnv("ERP_API_BASE_URL", ""), "/"),
			CompanyDB:       stringFromEnv("ERP_COMPANY_DB", ""),
			Username:        stringFromEnv("ERP_USERNAME", ""),
			Password:        os.Getenv("ERP_PASSWORD"),
			RequestTimeout:  durationFromEnv("ERP_REQUEST_TIMEOUT", 30*time.Second),
			LoginMaxRetries: intFromEnv("ERP_LOGIN_MAX_RETRIES", 3),
			LoginBackoff:    durationFromEnv("ERP_LOGIN_BACKOFF", 2*time.Second),
			RateLimitPerSec: floatFromEnv("ERP_RATE_LIMIT_PER_SEC", 10),
			CountryCode:     stringFromEnv("ERP_COUNTRY_CODE", utils.CountryCode),
			CrossRefQuery:   stringFromEnv("ERP_CROSSREF_QUERY", "BPByAdditionalID"),
		},
		Database: DatabaseSettings{
			User:            os.Getenv("DB_USER"),
			Password:        os.Getenv("DB_PASSWORD"),
			Host:            os.Getenv("DB_HOST"),
			Port:            stringFromEnv("DB_PORT", "3306"),
			Name:            os.Getenv("DB_NAME"),
			MaxOpenConns:    intFromEnv("DB_MAX_OPEN_CONNS", 50),
			MaxIdleConns:    intFromEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: durationFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300*time.Second),
			ConnMaxIdleTime: durationFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60*time.Second),
		},
		Redis: RedisSettings{
			Address:  os.Getenv("REDIS_ADDRESS"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intFromEnv("REDIS_DB", 0),
		},
		PubSub: PubSubSettings{
			ProjectID:       pubSubProjectID(),
			CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
			Topic:           os.Getenv("ERP_SYNC_TOPIC"),
			CreateTopic:     boolFromEnv("ERP_SYNC_CREATE_TOPIC", false),
		},
		Sync: SyncSettings{
			ClientGroups:      utils.SplitAndTrim(os.Getenv("ERP_SYNC_CLIENT_GROUPS")),
			PriceList:         intFromEnv("ERP_SYNC_PRICE_LIST", 0),
			MaxSubmitAttempts: intFromEnv("ERP_SYNC_MAX_SUBMIT_ATTEMPTS", 5),
			InitialLookback:   durationFromEnv("ERP_SYNC_INITIAL_LOOKBACK", 30*24*time.Hour),
			RunLockTTL:        durationFromEnv("ERP_SYNC_RUN_LOCK_TTL", 30*time.Minute),
		},
		Reconcile: ReconcileSettings{
			ExactMatchScore: intFromEnv("ERP_CORRELATION_EXACT_SCORE", 100),
			ToleranceScore:  intFromEnv("ERP_CORRELATION_TOLERANCE_SCORE", 50),
			AmountTolerance: floatFromEnv("ERP_CORRELATION_AMOUNT_TOLERANCE", 0.10),
			WindowDays:      intFromEnv("ERP_CORRELATION_WINDOW_DAYS", 30),
			AcceptThreshold: intFromEnv("ERP_CORRELATION_ACCEPT_THRESHOLD", 50),
		},
		FX: FXSettings{
			LocalCurrency: strings.ToUpper(stringFromEnv("ERP_LOCAL_CURRENCY", "")),
			LookbackDays:  intFromEnv("ERP_FX_LOOKBACK_DAYS", 7),
			Republish:     boolFromEnv("ERP_FX_REPUBLISH", true),
			CacheTTL:      durationFromEnv("ERP_FX_CACHE_TTL", time.Hour),
		},
		HTTP: HTTPSettings{
			Port:           httpPort(),
			AllowedOrigins: utils.SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
			Production:     strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production"),
		},
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	v := validator.New()
	for name, section := range map[string]any{
		"ERP":       s.ERP,
		"Database":  s.Database,
		"Sync":      s.Sync,
		"Reconcile": s.Reconcile,
		"FX":        s.FX,
	} {
		if err := v.Struct(section); err != nil {
			return fmt.Errorf("invalid %s settings: %w", name, err)
		}
	}
	return nil
}

// Family reads the per-family overrides (ERP_SYNC_<FAMILY>_*) on top of def.
func (s SyncSettings) Family(name string, def FamilySettings) (FamilySettings, error) {
	prefix := "ERP_SYNC_" + envName(name) + "_"
	fs := FamilySettings{
		Enabled:      boolFromEnv(prefix+"ENABLED", def.Enabled),
		Schedule:     strings.TrimSpace(stringFromEnv(prefix+"SCHEDULE", def.Schedule)),
		FullSchedule: strings.TrimSpace(stringFromEnv(prefix+"FULL_SCHEDULE", def.FullSchedule)),
		BatchSize:    intFromEnv(prefix+"BATCH_SIZE", def.BatchSize),
		MaxBatches:   intFromEnv(prefix+"MAX_BATCHES", def.MaxBatches),
	}
	if strings.EqualFold(fs.Schedule, "off") {
		fs.Schedule = ""
	}
	if strings.EqualFold(fs.FullSchedule, "off") {
		fs.FullSchedule = ""
	}
	if err := validator.New().Struct(fs); err != nil {
		return def, fmt.Errorf("invalid settings for family %s: %w", name, err)
	}
	return fs, nil
}

func envName(family string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(r.Replace(family))
}

func pubSubProjectID() string {
	// Prefer explicit override.
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	// Cloud Run/Cloud Functions often set this.
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func httpPort() string {
	if v := os.Getenv("ERP_SYNC_PORT"); v != "" {
		return v
	}
	if v := os.Getenv("PORT"); v != "" {
		return v
	}
	return "8080"
}
