package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notification-dispatch-go/internal/config"
	"notification-dispatch-go/internal/devices"
	"notification-dispatch-go/internal/dispatch"
	"notification-dispatch-go/internal/handlers"
	"notification-dispatch-go/internal/intake"
	"notification-dispatch-go/internal/logs"
	"notification-dispatch-go/internal/push"
	"notification-dispatch-go/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/streadway/amqp"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional queue intake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logs.New(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

// openStore builds the configured device registry. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.DeviceStore, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")
		return pg, pg.Close, nil
	case config.DriverRedis:
		rs := store.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs.SetLogger(logger)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return rs, rs.Close, nil
	default:
		logger.Warn("using in-memory device registry, registrations are lost on restart")
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
}

func vapidKeys(cfg *config.Config, logger logrus.FieldLogger) (string, string, error) {
	if cfg.HasVAPIDKeys() {
		return cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, nil
	}
	private, public, err := push.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	logger.WithField("VAPID_PUBLIC_KEY", public).
		Warn("VAPID keys not configured, generated an ephemeral pair; existing subscriptions will stop working after restart (see the vapid-keys command)")
	return public, private, nil
}

func sessionSecret(cfg *config.Config, logger logrus.FieldLogger) string {
	if cfg.SessionSecret != "" {
		return cfg.SessionSecret
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	logger.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	return hex.EncodeToString(buf)
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	devStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	public, private, err := vapidKeys(cfg, logger)
	if err != nil {
		return err
	}
	sender := push.NewVAPIDSender(push.VAPIDConfig{
		PublicKey:  public,
		PrivateKey: private,
		Subject:    cfg.VAPIDSubject,
		TTL:        cfg.PushTTL,
		Urgency:    cfg.PushUrgency,
		Timeout:    cfg.SendTimeout,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(reg)

	reconciler := dispatch.NewReconciler(devStore, metrics, logger, cfg.ReconcileTimeout)
	engine := dispatch.NewEngine(devStore, sender, reconciler, metrics, logger, dispatch.Options{
		Workers:     cfg.DispatchWorkers,
		SendTimeout: cfg.SendTimeout,
		DefaultIcon: cfg.DefaultIcon,
		DefaultTag:  cfg.DefaultTag,
	})

	h := handlers.NewHandler(
		devices.NewService(devStore, logger),
		engine,
		handlers.NewSessionStore(sessionSecret(cfg, logger), cfg.StoreDriver != config.DriverMemory),
		logger,
	)
	h.VAPIDPublicKey = sender.PublicKey()
	h.JWTSecret = []byte(cfg.JWTSecret)
	h.InternalSecret = cfg.InternalDispatchSecret

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handlers.NewRouter(h, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		defer conn.Close()

		consumer := intake.NewConsumer(conn, engine, logger, intake.Options{
			Queue:    cfg.AMQPQueue,
			DLQ:      cfg.AMQPDLQ,
			Workers:  cfg.AMQPWorkers,
			Prefetch: cfg.AMQPPrefetch,
		})
		go func() {
			if err := consumer.Start(ctx); err != nil {
				errCh <- fmt.Errorf("dispatch intake: %w", err)
			}
		}()
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.WithError(err).Error("component failed, shutting down")
		shutdown(srv, logger)
		return err
	}
	shutdown(srv, logger)
	return nil
}

func shutdown(srv *http.Server, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}
