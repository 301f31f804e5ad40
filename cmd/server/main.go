package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "reviewstream/internal/api/http"
	"reviewstream/internal/app"
	"reviewstream/internal/domain"
	"reviewstream/internal/media/analysis"
	"reviewstream/internal/media/probe"
	"reviewstream/internal/metrics"
	"reviewstream/internal/objectstore"
	mongorepo "reviewstream/internal/repository/mongo"
	"reviewstream/internal/sourcecache"
	"reviewstream/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "review-stream",
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "review-stream"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("s3Endpoint", cfg.S3Endpoint),
		slog.String("s3Bucket", cfg.S3Bucket),
		slog.String("cacheDir", cfg.CacheDir),
		slog.Int64("cacheBudgetBytes", cfg.CacheBudgetBytes),
		slog.String("encoder", cfg.Encoder),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		logger.Error("object store init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cache, err := sourcecache.New(sourcecache.Config{
		Dir:         cfg.CacheDir,
		BudgetBytes: cfg.CacheBudgetBytes,
		Enabled:     cfg.CacheEnabled,
	}, store, logger)
	if err != nil {
		logger.Error("source cache init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	prober := probe.New(cfg.FFProbePath)
	analyzer := analysis.New(cfg.FFMPEGPath, logger)

	// The cache sizes its progressive byte requirements off the probed
	// bitrate; probe over the signed URL when no record is memoized yet.
	cache.SetBitrateFunc(func(ctx context.Context, key domain.AssetKey) int64 {
		if rec, ok := prober.Cached(key); ok {
			return probe.BitrateOf(rec)
		}
		url, err := store.PresignedGet(ctx, key, 0)
		if err != nil {
			return 0
		}
		rec, err := prober.Probe(ctx, key, url)
		if err != nil {
			return 0
		}
		return probe.BitrateOf(rec)
	})

	manager := apihttp.NewSessionManager(cache, prober, analyzer, store, apihttp.SessionManagerConfig{
		FFmpegPath:      cfg.FFMPEGPath,
		SegmentDuration: cfg.SegmentDuration,
		Goniometer:      cfg.Goniometer,
		Encoder:         cfg.Encoder,
		VAAPIDevice:     cfg.VAAPIDevice,
		SessionTTL:      time.Duration(cfg.SessionTTLMin) * time.Minute,
	}, logger)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
	}

	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err = mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err == nil {
			err = mongoClient.Ping(ctx, readpref.Primary())
		}
		cancel()
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		settingsRepo := mongorepo.NewTranscodeSettingsRepository(mongoClient, cfg.MongoDatabase)
		historyRepo := mongorepo.NewReviewHistoryRepository(mongoClient, cfg.MongoDatabase)
		if err := historyRepo.EnsureIndexes(rootCtx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		serverOpts = append(serverOpts,
			apihttp.WithTranscodeSettings(settingsRepo),
			apihttp.WithReviewHistory(historyRepo),
		)
	} else {
		logger.Info("mongo disabled, settings and review history are not persisted")
	}

	handler := apihttp.NewServer(manager, analyzer, serverOpts...)

	go updateCacheMetrics(rootCtx, cache)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

func updateCacheMetrics(ctx context.Context, cache *sourcecache.Cache) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.CacheSizeBytes.Set(float64(cache.TotalBytes()))
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
