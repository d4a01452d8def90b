package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"petwash-station-backend/config"
	"petwash-station-backend/internal/api"
	"petwash-station-backend/internal/auth"
	"petwash-station-backend/internal/broker"
	"petwash-station-backend/internal/db"
	"petwash-station-backend/internal/dispatch"
	"petwash-station-backend/internal/fiskaly"
	"petwash-station-backend/internal/logging"
	"petwash-station-backend/internal/notification"
	"petwash-station-backend/internal/provision"
	"petwash-station-backend/internal/store"
	"petwash-station-backend/internal/watchdog"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).WithField("path", configPath).Fatal("failed to load configuration")
	}
	log := logging.New(cfg.Log.Level)
	log.WithField("path", configPath).Info("configuration loaded")

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret (or JWT_SECRET) must be set")
	}

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	appStore := store.NewGormStore(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mqttClient, err := broker.NewPaho(broker.Options{
		URL:            cfg.Broker.URL,
		Transport:      cfg.Broker.Transport,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ClientIDPrefix: cfg.Broker.ClientIDPrefix,
		Timeout:        cfg.Broker.Timeout,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("invalid broker configuration")
	}
	log.WithField("broker", mqttClient.BrokerURL()).Info("broker endpoint resolved")

	dispatcher := dispatch.NewDispatcher(mqttClient, appStore, cfg.Broker.Namespace, log)

	// Offline alerts are optional; without VAPID keys the watchdog only opens tickets.
	var webpushOptions *webpush.Options
	var notifier watchdog.Notifier
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions, log)
		pool.Start(ctx)
		notifier = pool
	} else {
		log.Warn("VAPID keys not configured, push notifications disabled")
	}

	watchdogSvc := watchdog.NewService(appStore, notifier, cfg.Watchdog.Threshold, cfg.Watchdog.Interval, log)
	if cfg.Watchdog.Enabled {
		go watchdogSvc.Run(ctx)
	}

	if cfg.Broker.Heartbeats {
		ingestor := watchdog.NewHeartbeatIngestor(mqttClient, appStore, cfg.Broker.Namespace, log)
		go func() {
			if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("heartbeat ingestion stopped")
			}
		}()
	}

	var locker provision.Locker = provision.NopLocker{}
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, provisioning lock relies on conditional writes only")
		} else {
			locker = provision.NewRedisLocker(rdb)
		}
	}

	httpClient, err := fiscalHTTPClient(cfg.Fiskaly)
	if err != nil {
		log.WithError(err).Fatal("invalid fiskaly configuration")
	}
	orchestrator := provision.NewOrchestrator(
		fiskaly.NewClient(cfg.Fiskaly.BaseURL, httpClient),
		appStore,
		locker,
		provision.Options{
			APIKey:    cfg.Fiskaly.APIKey,
			APISecret: cfg.Fiskaly.APISecret,
			Software:  fiskaly.Software{Name: cfg.Fiskaly.SoftwareName, Version: cfg.Fiskaly.SoftwareVersion},
		},
		log,
	)

	authenticator := auth.NewAuthenticator(
		cfg.Auth.JWTSecret,
		appStore,
		time.Duration(cfg.Auth.RoleCacheTTLSeconds)*time.Second,
		cfg.Auth.SchedulerToken,
		log,
	)

	handler := api.NewHandler(appStore, dispatcher, watchdogSvc, orchestrator, webpushOptions, log)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler, authenticator, cfg.Server),
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown signal received, stopping services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	log.Info("server gracefully stopped")
}

func fiscalHTTPClient(cfg config.FiskalyConfig) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTPProxy != "" {
		proxy, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid http_proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		Transport: transport,
	}, nil
}
