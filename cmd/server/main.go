package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-retrieve/internal/adapters"
	"github.com/otcheredev/ris-dicom-retrieve/internal/cache"
	"github.com/otcheredev/ris-dicom-retrieve/internal/codec"
	"github.com/otcheredev/ris-dicom-retrieve/internal/config"
	"github.com/otcheredev/ris-dicom-retrieve/internal/database"
	"github.com/otcheredev/ris-dicom-retrieve/internal/handlers"
	"github.com/otcheredev/ris-dicom-retrieve/internal/metrics"
	"github.com/otcheredev/ris-dicom-retrieve/internal/middleware"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/otcheredev/ris-dicom-retrieve/internal/negotiation"
	"github.com/otcheredev/ris-dicom-retrieve/internal/repository"
	"github.com/otcheredev/ris-dicom-retrieve/internal/services"
	"github.com/otcheredev/ris-dicom-retrieve/internal/telemetry"
	"github.com/otcheredev/ris-dicom-retrieve/internal/transcoding"
	"github.com/otcheredev/ris-dicom-retrieve/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DICOMweb retrieve server")

	if cfg.Tracing.Enabled {
		if _, err := telemetry.InitTracer(cfg.Tracing.ServiceName, nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.ShutdownTracer(ctx)
		}()
	}

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,

		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	// Initialize caches
	metadataCache, frameCache, redisClient := newCaches(cfg, m)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize storage
	objects, err := adapters.NewObjectStore(context.Background(), cfg.Blob)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}
	files := adapters.NewFileStore(objects)
	log.Info().Str("backend", objects.Type()).Str("bucket", cfg.Blob.Bucket).Msg("Object store initialized")

	// Initialize repositories
	instanceRepo := repository.NewInstanceRepository(database.DB)
	auditRepo := repository.NewAuditRepository(database.DB)

	// Initialize services
	dicomCodec := codec.NewDicomCodec()
	retrieveService := services.NewRetrieveService(
		instanceRepo,
		files,
		files,
		dicomCodec,
		transcoding.NewTranscoder(dicomCodec, m),
		negotiation.NewNegotiator(negotiation.DefaultDescriptors()),
		metadataCache,
		frameCache,
		m,
		services.RetrieveOptions{
			MaxTranscodeFileSize:    cfg.Retrieve.MaxTranscodeFileSize,
			EmptyOnTranscodeFailure: cfg.Retrieve.EmptyOnTranscodeFailure,
			FetchConcurrency:        cfg.Retrieve.FetchConcurrency,
		},
	)
	metadataService := services.NewMetadataService(instanceRepo, files, m, cfg.Retrieve.FetchConcurrency)
	auditService := services.NewAuditService(auditRepo)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": database.Ping,
	})
	dicomwebHandler := handlers.NewDICOMWebHandler(retrieveService, metadataService, auditService)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(m))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// WADO-RS endpoints
	r.Route("/dicom-web", func(r chi.Router) {
		r.Use(middleware.PartitionID)
		dicomwebHandler.Routes(r)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// newCaches builds the instance metadata and frame range caches on the
// configured backend. The redis client, when one is created, is returned
// for the caller to close.
func newCaches(cfg *config.Config, m *metrics.Metrics) (*services.InstanceMetadataCache, *services.FrameRangeCache, *redis.Client) {
	if cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		client, err := cache.NewRedisClient(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Str("addr", addr).Msg("Redis cache initialized")

		metadata := cache.NewEphemeralCache[models.InstanceIdentifier, models.InstanceMetadata](
			services.InstanceMetadataCacheName,
			cache.NewRedisStore[models.InstanceIdentifier, models.InstanceMetadata](client, cache.InstanceMetadataKey, cfg.Cache.MetadataTTL),
			m,
		)
		frames := cache.NewEphemeralCache[int64, map[int]models.FrameRange](
			services.FrameRangeCacheName,
			cache.NewRedisStore[int64, map[int]models.FrameRange](client, cache.FrameRangeKey, cfg.Cache.FrameRangeTTL),
			m,
		)
		return metadata, frames, client
	}

	log.Info().
		Int("metadata_max_entries", cfg.Cache.MetadataMaxEntries).
		Int("frame_range_max_entries", cfg.Cache.FrameRangeMaxEntries).
		Msg("Memory cache initialized")

	metadata := cache.NewEphemeralCache[models.InstanceIdentifier, models.InstanceMetadata](
		services.InstanceMetadataCacheName,
		cache.NewMemoryStore[models.InstanceIdentifier, models.InstanceMetadata](cfg.Cache.MetadataMaxEntries, cfg.Cache.MetadataTTL),
		m,
	)
	frames := cache.NewEphemeralCache[int64, map[int]models.FrameRange](
		services.FrameRangeCacheName,
		cache.NewMemoryStore[int64, map[int]models.FrameRange](cfg.Cache.FrameRangeMaxEntries, cfg.Cache.FrameRangeTTL),
		m,
	)
	return metadata, frames, nil
}
