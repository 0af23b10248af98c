package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campusride/internal/clock"
	"campusride/internal/config"
	httptransport "campusride/internal/http"
	"campusride/internal/infra"
	"campusride/internal/metrics"
	"campusride/internal/modules/booking"
	"campusride/internal/modules/lock"
	"campusride/internal/modules/notify"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/user"
	"campusride/migrations"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply embedded migrations before serving")
	return cmd
}

func serve(parent context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	if migrate {
		if err := infra.ApplyMigrations(ctx, dbPool, migrations.FS); err != nil {
			return err
		}
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer func() { _ = redisClient.Close() }()
	if err := infra.PingRedis(ctx, redisClient); err != nil {
		return err
	}

	m := metrics.New()
	sink, verifier, closeSinks, err := buildEdges(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.Workers, cfg.Notify.Buffer, logger.Named("notify"), m)

	rides := ride.NewStore(dbPool)
	svc := booking.NewService(booking.Deps{
		Store:     booking.NewStore(dbPool),
		Inventory: rides,
		Locks:     lock.NewRedisManager(redisClient),
		Tx:        infra.NewTxRunner(dbPool),
		Users:     userDirectory(cfg, dbPool, redisClient, logger),
		Notifier:  dispatcher,
		Ranker:    booking.InventoryRanker{Rides: rides},
		Clock:     clock.Real{},
		Metrics:   m,
		Logger:    logger.Named("booking"),
		Config:    cfg.Booking,
	})

	router := httptransport.NewRouter(httptransport.ServerDeps{
		Booking:  svc,
		Verifier: verifier,
		Metrics:  m,
		Logger:   logger.Named("http"),
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildEdges picks the token verifier and the notification sinks from config.
func buildEdges(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.Sink, infra.TokenVerifier, func(), error) {
	sinks := notify.Fanout{notify.LogSink{Logger: logger.Named("events")}}
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Notify.RabbitURL != "" {
		conn, err := notify.DialRabbit(ctx, cfg.Notify.RabbitURL, cfg.Notify.Exchange, logger.Named("rabbitmq"))
		if err != nil {
			return nil, nil, closeAll, err
		}
		closers = append(closers, conn.Close)
		sinks = append(sinks, notify.NewRabbitSink(conn, cfg.Notify.Exchange))
	}

	var verifier infra.TokenVerifier
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, nil, closeAll, err
		}
		verifier, err = infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return nil, nil, closeAll, err
		}
		if cfg.Notify.FCM {
			client, err := infra.NewMessaging(ctx, app)
			if err != nil {
				return nil, nil, closeAll, err
			}
			sinks = append(sinks, notify.NewFCMSink(client))
		}
	} else if cfg.Auth.JWTSecret != "" {
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	} else {
		return nil, nil, closeAll, errors.New("either CAMPUSRIDE_FIREBASE_PROJECT_ID or CAMPUSRIDE_JWT_SECRET is required")
	}
	return sinks, verifier, closeAll, nil
}

func userDirectory(cfg config.Config, db *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger) booking.UserDirectory {
	store := user.NewStore(db)
	if cfg.UserCacheTTL <= 0 {
		return store
	}
	return user.NewCachedDirectory(store, rdb, cfg.UserCacheTTL, logger.Named("users"))
}
