package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/vecmerge/internal/config"
	"github.com/kailas-cloud/vecmerge/internal/db"
	dbMinio "github.com/kailas-cloud/vecmerge/internal/db/minio"
	dbRedis "github.com/kailas-cloud/vecmerge/internal/db/redis"
	dbS3 "github.com/kailas-cloud/vecmerge/internal/db/s3"
	logpkg "github.com/kailas-cloud/vecmerge/internal/logger"
	"github.com/kailas-cloud/vecmerge/internal/metrics"
	contentrepo "github.com/kailas-cloud/vecmerge/internal/repository/content"
	"github.com/kailas-cloud/vecmerge/internal/repository/doctable"
	chiTransport "github.com/kailas-cloud/vecmerge/internal/transport/chi"
	"github.com/kailas-cloud/vecmerge/internal/transport/pubsub"
	aggregateuc "github.com/kailas-cloud/vecmerge/internal/usecase/aggregate"
	healthuc "github.com/kailas-cloud/vecmerge/internal/usecase/health"
	resolveuc "github.com/kailas-cloud/vecmerge/internal/usecase/resolve"
	"github.com/kailas-cloud/vecmerge/internal/version"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the aggregator: consume shard results, publish answers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := config.GetEnv()
			var (
				cfg config.Config
				err error
			)
			if configPath != "" {
				cfg, err = config.LoadFile(configPath)
			} else {
				cfg, err = config.Load(env)
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.NodeID == "" {
				cfg.NodeID = uuid.NewString()
			}

			logger, err := logpkg.NewLogger(env, cfg.Logging.Level,
				zap.String("service", "vecmerge"),
				zap.String("node_id", cfg.NodeID),
			)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, env, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config file (default: config/$ENV.yaml)")
	return cmd
}

func serve(ctx context.Context, env string, cfg config.Config, logger *zap.Logger) error {
	logger.Info("Starting vecmerge",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("object_store", cfg.ObjectStore.Driver),
		zap.Int("expected_shards", cfg.Aggregator.TopNumCentroids),
		zap.Int("top_k", cfg.Aggregator.FinalTopK),
	)
	if cfg.Aggregator.IncludeLLM {
		logger.Warn("aggregator.include_llm is set but answer generation is not supported; ignoring")
	}

	// redis and valkey speak the same protocol; both go through rueidis.
	store, err := dbRedis.NewStore(redisConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("create database store: %w", err)
	}
	defer store.Close()

	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	logger.Info("Connected to database")

	objects, err := newObjectStore(ctx, cfg.ObjectStore, store)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	sharedStore := cfg.ObjectStore.Driver == "redis"
	if !sharedStore {
		defer objects.Close()
	}

	metrics.RegisterAggregatorMetrics()
	metrics.RegisterHTTPMetrics()

	tables := doctable.New(objects, cfg.Documents.TablePrefix, cfg.Documents.PathPrefix, logger)
	content, err := contentrepo.New(objects)
	if err != nil {
		return fmt.Errorf("create content repository: %w", err)
	}
	defer content.Close()

	resolver := resolveuc.New(tables, content, resolveuc.Options{
		RetrieveDocs:  cfg.Aggregator.FetchDocs(),
		CacheCapacity: cfg.Documents.CacheCapacity,
		Concurrency:   cfg.Documents.FetchConcurrency,
		CacheTotal:    metrics.DocCacheTotal,
	}, logger)

	notifier := pubsub.NewNotifier(store, cfg.Messaging.NotifyPrefix)
	aggregator := aggregateuc.New(
		aggregateuc.Config{
			ExpectedShards: cfg.Aggregator.TopNumCentroids,
			TopK:           cfg.Aggregator.FinalTopK,
			Partitions:     cfg.Aggregator.Partitions,
		},
		resolver, notifier,
		aggregateuc.WithLogger(logger),
		aggregateuc.WithInstruments(aggregateuc.Instruments{
			Messages:        metrics.MessagesTotal,
			Notifications:   metrics.NotificationsTotal,
			ResolveDuration: metrics.ResolveDuration,
			LiveStates:      metrics.LiveStates,
		}),
		aggregateuc.WithInvariantHook(func(err error) {
			logger.Fatal("Upstream fan-out contract broken", zap.Error(err))
		}),
	)

	subscriber := pubsub.NewSubscriber(store, aggregator, pubsub.SubscriberConfig{
		Pattern:      cfg.Messaging.ResultsPattern,
		Workers:      cfg.Aggregator.Workers,
		PayloadBytes: metrics.PayloadBytes.WithLabelValues("pubsub"),
	}, logger)

	checks := []healthuc.Check{{Name: "database", Pinger: store}}
	if !sharedStore {
		checks = append(checks, healthuc.Check{Name: "object_store", Pinger: objects})
	}
	healthSvc := healthuc.New(2*time.Second, checks...)

	server := chiTransport.NewServer(aggregator, healthSvc, chiTransport.Config{
		APIKeys:         cfg.Auth.APIKeys,
		MaxPayloadBytes: cfg.HTTP.MaxPayloadBytes,
		PayloadBytes:    metrics.PayloadBytes.WithLabelValues("http"),
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := subscriber.Run(gctx); err != nil {
			return fmt.Errorf("subscriber: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Stopped gracefully", zap.Int("live_states", aggregator.LiveStates()))
	return nil
}

func redisConfig(cfg config.DatabaseConfig) dbRedis.Config {
	return dbRedis.Config{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// newObjectStore picks where doc tables and document bodies come from.
func newObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, store *dbRedis.Store) (db.ObjectStore, error) {
	switch cfg.Driver {
	case "redis":
		return store, nil
	case "minio":
		return dbMinio.NewStore(dbMinio.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
	case "s3":
		return dbS3.NewStore(ctx, dbS3.Config{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown object store driver %q", cfg.Driver)
	}
}
