package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erpsync_backend/config"
	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/erpsync"
	"github.com/mmdatafocus/erpsync_backend/fxrate"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/reconcile"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		config.NewLogger("info", os.Stderr).WithField("field", "settings").Fatal(err)
	}
	logger := config.NewLogger(settings.LogLevel, os.Stdout)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	db, err := config.ConnectDatabaseWithRetry(sigCtx, settings.Database, logger)
	if err != nil {
		logger.WithField("field", "database").Fatal(err)
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithField("field", "migrations").Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	rdb, locker, err := config.ConnectRedisWithRetry(sigCtx, settings.Redis, logger)
	if err != nil {
		logger.WithField("field", "redis").Fatal(err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	metrics := erpsync.NewMetrics()
	session := erp.NewSessionManager(settings.ERP, logger, erp.WithObserver(metrics))
	client := erp.NewClient(session, logger)

	var rateOpts []fxrate.Option
	if rdb != nil {
		rateOpts = append(rateOpts, fxrate.WithCache(rdb, settings.FX.CacheTTL))
	}
	deps := erpsync.Deps{
		DB:          db,
		Client:      client,
		Resolver:    resolver.New(client, logger, resolver.WithCrossRefQuery(settings.ERP.CrossRefQuery)),
		Rates:       fxrate.New(client, settings.FX, logger, rateOpts...),
		Engine:      reconcile.NewEngine(client, reconcile.ScoringFromSettings(settings.Reconcile), logger),
		CountryCode: settings.ERP.CountryCode,
	}

	orchOpts := []erpsync.OrchestratorOption{
		erpsync.WithMetrics(metrics),
		erpsync.WithInitialLookback(settings.Sync.InitialLookback),
	}
	if locker != nil {
		orchOpts = append(orchOpts, erpsync.WithRunLock(locker, settings.Sync.RunLockTTL))
	}
	orch := erpsync.NewOrchestrator(db, logger, orchOpts...)
	if err := erpsync.RegisterFamilies(orch, deps, settings.Sync); err != nil {
		logger.WithField("field", "families").Fatal(err)
	}

	psClient, err := config.NewPubSubClient(sigCtx, settings.PubSub, logger)
	if err != nil {
		logger.WithField("field", "pubsub").Fatal(err)
	}
	if psClient != nil {
		defer psClient.Close()
		topic := psClient.Topic(settings.PubSub.Topic)
		if settings.PubSub.CreateTopic {
			if topic, err = config.CreateTopicIfNotExists(sigCtx, psClient, settings.PubSub.Topic); err != nil {
				logger.WithField("field", "pubsub").Fatal(err)
			}
		}
		defer topic.Stop()
		if err := orch.AddObserver("", erpsync.NewPubSubObserver(topic, logger)); err != nil {
			logger.WithField("field", "pubsub").Fatal(err)
		}
	}

	sched := erpsync.NewScheduler(orch, db, logger)
	if err := sched.Start(sigCtx); err != nil {
		logger.WithField("field", "scheduler").Fatal(err)
	}

	if settings.HTTP.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) {
		if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	corsConfig := cors.DefaultConfig()
	if settings.HTTP.Production {
		corsConfig.AllowOrigins = settings.HTTP.AllowedOrigins
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	erpsync.RegisterRoutes(r.Group("/api/integrations/erp"), sched, db)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + settings.HTTP.Port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"field": "server", "port": settings.HTTP.Port}).Info("erp sync service listening")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	session.Logout(shutdownCtx)
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        time.Since(start).String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
