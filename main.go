package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audit-service/internal/archive"
	"audit-service/internal/config"
	"audit-service/internal/publisher"
	"audit-service/internal/repository"
	"audit-service/internal/scheduler"
	"audit-service/internal/server"
	"audit-service/internal/service"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	if err := godotenv.Load(); err != nil {
		log.Warn("Could not load .env file.")
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	setupLogging(cfg.Log)

	log.Info("Starting database migration...")
	m, err := migrate.New(cfg.DB.MigrationsPath, cfg.DB.URL)
	if err != nil {
		log.WithError(err).Fatal("Could not create migrate instance")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.WithError(err).Fatal("Could not apply migration")
	}
	log.Info("Database migration finished successfully.")

	db, err := sql.Open("postgres", cfg.DB.URL)
	if err != nil {
		log.WithError(err).Fatal("Could not connect to the database")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("Could not ping the database")
	}
	log.Info("Successfully connected to the PostgreSQL database.")

	key, _, err := config.ResolveSecretKey(cfg.Audit)
	if err != nil {
		log.WithError(err).Fatal("Could not resolve audit signing key")
	}
	signer, err := service.NewChainSigner(key)
	if err != nil {
		log.WithError(err).Fatal("Could not create chain signer")
	}

	archives, err := archive.NewDir(cfg.Audit.ArchiveLocation, cfg.Audit.CompressionEnabled)
	if err != nil {
		log.WithError(err).Fatal("Could not prepare archive location")
	}

	var events service.EventPublisher
	if cfg.Kafka.BootstrapServers != "" {
		p, err := publisher.NewAuditPublisher(cfg.Kafka.BootstrapServers, cfg.Kafka.ClientID, cfg.Kafka.Topic)
		if err != nil {
			log.WithError(err).Fatal("Could not create audit event publisher")
		}
		defer p.Close()
		events = p
	} else {
		log.Info("KAFKA_BOOTSTRAP_SERVERS not set, audit events will not be published")
	}

	// Create repository
	auditRepository := repository.NewPostgresAuditRepository(db)

	// Create service
	auditService, err := service.NewAuditService(auditRepository, archives, signer, events, service.Options{
		MaxLogAge:       cfg.Audit.MaxLogAge(),
		RetentionPeriod: cfg.Audit.RetentionPeriod(),
		MaxLogSize:      cfg.Audit.MaxLogSize,
	})
	if err != nil {
		log.WithError(err).Fatal("Could not create audit service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(auditService, cfg.Scheduler.RotationInterval, cfg.Scheduler.CleanupInterval)
		go func() {
			sched.Run(ctx)
			close(schedulerDone)
		}()
	} else {
		close(schedulerDone)
	}

	// Setup Echo
	e := echo.New()
	e.HideBanner = true

	srv := server.NewServer(db)
	e.GET("/health", srv.HealthCheck)

	api := e.Group("/api")
	server.NewAuditServer(auditService).Register(api.Group("/audit"))

	go func() {
		log.WithField("port", cfg.Port).Info("Audit service is starting with Echo")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Echo server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down audit service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Echo server shutdown failed")
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		log.Warn("Maintenance jobs did not finish before shutdown timeout")
	}
}

func setupLogging(cfg config.Log) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("level", cfg.Level).Warn("Unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
