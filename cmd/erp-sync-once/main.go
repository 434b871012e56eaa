package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/erpsync"
	"github.com/mmdatafocus/erpsync_backend/fxrate"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/reconcile"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"github.com/sirupsen/logrus"
)

// Runs one family once and prints the run report, for backfills and debugging.
func main() {
	family := flag.String("family", models.JobFamilyProducts, "job family to run")
	full := flag.Bool("full", false, "run a full sync instead of an incremental one")
	flag.Parse()

	settings, err := config.LoadSettings()
	if err != nil {
		config.NewLogger("info", os.Stderr).WithField("field", "settings").Fatal(err)
	}
	logger := config.NewLogger(settings.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDatabaseWithRetry(ctx, settings.Database, logger)
	if err != nil {
		logger.WithField("field", "database").Fatal(err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := models.MigrateTable(db); err != nil {
		logger.WithField("field", "migrations").Fatal(err)
	}

	session := erp.NewSessionManager(settings.ERP, logger)
	defer session.Logout(context.WithoutCancel(ctx))
	client := erp.NewClient(session, logger)

	orch := erpsync.NewOrchestrator(db, logger, erpsync.WithInitialLookback(settings.Sync.InitialLookback))
	deps := erpsync.Deps{
		DB:          db,
		Client:      client,
		Resolver:    resolver.New(client, logger, resolver.WithCrossRefQuery(settings.ERP.CrossRefQuery)),
		Rates:       fxrate.New(client, settings.FX, logger),
		Engine:      reconcile.NewEngine(client, reconcile.ScoringFromSettings(settings.Reconcile), logger),
		CountryCode: settings.ERP.CountryCode,
	}
	if err := erpsync.RegisterFamilies(orch, deps, settings.Sync); err != nil {
		logger.WithField("field", "families").Fatal(err)
	}

	kind := models.JobKindIncremental
	if *full {
		kind = models.JobKindFull
	}
	report, runErr := orch.RunJob(ctx, *family, kind, models.SyncTriggeredCommand)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
	if runErr != nil {
		logger.WithFields(logrus.Fields{"field": "run", "family": *family, "kind": kind}).Error(runErr)
		os.Exit(1)
	}
}
