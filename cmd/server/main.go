package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"docflow/internal/actas"
	"docflow/internal/audit"
	"docflow/internal/document"
	"docflow/internal/files"
	"docflow/internal/jwtauth"
	"docflow/internal/lifecycle"
	"docflow/internal/notify"
	"docflow/internal/partner"
	"docflow/internal/platform/config"
	"docflow/internal/platform/httpserver"
	"docflow/internal/platform/logger"
	"docflow/internal/platform/metrics"
	redisplatform "docflow/internal/platform/redis"
	"docflow/internal/signer"
	"docflow/internal/sla"
	"docflow/internal/titulos"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Document store: postgres when a DSN is configured, in-memory otherwise.
	var store document.Store
	if cfg.Database.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Error("connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = document.NewPostgresStore(pool)
		log.Info("using postgres document store")
	} else {
		store = document.NewInMemoryStore()
		log.Warn("no database configured, using in-memory document store")
	}

	// Partner response cache: redis when configured, in-process otherwise.
	var cache partner.Cache = partner.NewMemoryCache()
	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Error("connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = partner.NewRedisCache(redisClient.Client)
		log.Info("using redis partner cache")
	}

	// Partner client: the fake stands in while no credentials are configured.
	var partnerClient partner.Client
	if cfg.Partner.TokenUser != "" {
		partnerClient = partner.NewHTTPClient(cfg.Partner, cache, log, m)
	} else {
		partnerClient = partner.NewFake()
		log.Warn("no partner credentials configured, using fake partner client")
	}

	auditPublisher, err := audit.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	if err != nil {
		log.Error("connect to kafka", "error", err)
		os.Exit(1)
	}
	defer auditPublisher.Close()

	jwtService := jwtauth.NewService(cfg.Server.JWTSigningKey, "docflow", "docflow-api")
	jwtValidator := jwtauth.NewAdapter(jwtService)

	notifier := notify.NewLogNotifier(log)
	totp := notify.NewTOTPGenerator(cfg.TOTPBaseKey, cfg.OTPValiditySeconds)
	pdfSigner := signer.NewStampSigner()

	actaService := actas.NewService(store, partnerClient, pdfSigner, notifier, totp,
		auditPublisher, m, log, actas.Config{
			ValidationTemplate: cfg.Partner.ActaValidationTemplate,
			BaseURL:            cfg.Server.PublicBaseURL,
			SLAMinutes:         cfg.SLA.OverrideMinutes,
		})
	tituloService := titulos.NewService(store, partnerClient, pdfSigner, notifier,
		auditPublisher, m, log, titulos.Config{
			ValidationTemplate: cfg.Partner.TituloValidationTemplate,
			SLAMinutes:         cfg.SLA.OverrideMinutes,
		})
	filesStore := partner.NewFiles(cfg.Partner, log)

	registry := sla.NewRegistry()
	registry.Register(sla.OpNotifyNearlyExpired, sla.NewNotifyNearlyExpired(notifier, m, log))
	registry.Register(sla.OpRechazoActa, sla.NewRechazoActa(actaService, log))

	watchdog, err := sla.NewWatchdog(store, registry, watchdogRules(cfg), cfg.SLA.ScanInterval, log, m)
	if err != nil {
		log.Error("configure sla watchdog", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Route("/ucasal/api", func(api chi.Router) {
		actas.New(actaService, log, m).Register(api)
		titulos.New(tituloService, log, m, jwtValidator).Register(api)
		files.New(filesStore, log, m, jwtValidator).Register(api)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting docflow", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return watchdog.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("docflow stopped")
}

// watchdogRules builds the standing scan rules: warn the assigned teacher
// when an acta's signing window is nearly used up, and warn on títulos
// sitting in the signature queue.
func watchdogRules(cfg config.Config) []sla.Rule {
	return []sla.Rule{
		{
			DocType: actas.DocType,
			State:   lifecycle.ActaPendienteOTP,
			OpName:  sla.OpNotifyNearlyExpired,
			Params: sla.Params{
				"send_to":                "metadata.acta_docente_asignado",
				"notifications_template": "ucasal_sla_nearly_expired",
			},
			MaxMinutesOverride: cfg.SLA.OverrideMinutes[lifecycle.ActaPendienteOTP],
			RunAfterExpiry:     true,
			ExcludedSeries:     cfg.SLA.ExcludedSeries,
		},
		{
			DocType: titulos.DocType,
			State:   lifecycle.TituloPendienteFirmaSG,
			OpName:  sla.OpNotifyNearlyExpired,
			Params: sla.Params{
				"send_to":                "secretaria.general@ucasal.edu.ar",
				"notifications_template": "ucasal_sla_nearly_expired",
			},
			MaxMinutesOverride: cfg.SLA.OverrideMinutes[lifecycle.TituloPendienteFirmaSG],
			RunAfterExpiry:     true,
		},
	}
}
