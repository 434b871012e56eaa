package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ConnectDatabaseWithRetry opens the MySQL store, retrying until ctx is done.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry(ctx context.Context, s DatabaseSettings, logg *logrus.Logger) (*gorm.DB, error) {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", s.Host, s.Port)

	// Cloud Run + Cloud SQL: when DB_HOST is "/cloudsql/<CONNECTION_NAME>",
	// connect using a Unix domain socket provided by Cloud SQL Auth Proxy.
	if strings.HasPrefix(s.Host, "/cloudsql/") {
		network = "unix"
		address = s.Host
	}

	databaseConfig := fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		s.User,
		s.Password,
		network,
		address,
		s.Name,
	)

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(mysql.Open(databaseConfig), GormConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				if s.MaxOpenConns > 0 {
					sqlDB.SetMaxOpenConns(s.MaxOpenConns)
				}
				if s.MaxIdleConns >= 0 {
					sqlDB.SetMaxIdleConns(s.MaxIdleConns)
				}
				if s.ConnMaxLifetime > 0 {
					sqlDB.SetConnMaxLifetime(s.ConnMaxLifetime)
				}
				if s.ConnMaxIdleTime > 0 {
					sqlDB.SetConnMaxIdleTime(s.ConnMaxIdleTime)
				}
			}
			InstallPlugins(db, logg)
			logg.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).Info("connected to database")
			return db, nil
		}

		sleep := retrySleep(attempt)
		logg.WithFields(logrus.Fields{"field": "database", "attempt": attempt}).
			Warnf("failed to connect database: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database connect aborted after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

// InstallPlugins attaches tracing and the tombstone guard. Tests call it on their SQLite handle.
func InstallPlugins(db *gorm.DB, logg *logrus.Logger) {
	if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil && logg != nil {
		logg.Warnf("db connected but failed to install otelgorm plugin: %v", pluginErr)
	}
	if pluginErr := db.Use(NewTombstoneGuardPlugin()); pluginErr != nil && logg != nil {
		logg.Warnf("db connected but failed to install tombstone guard plugin: %v", pluginErr)
	}
}

// GormConfig is shared by the MySQL connection and the SQLite test store.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // Output to standard output
		logger.Config{
			Colorful:                  false,
			LogLevel:                  logger.Error,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
