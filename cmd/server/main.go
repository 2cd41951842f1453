package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Dropicx/qopy-sub004/internal/accessguard"
	"github.com/Dropicx/qopy-sub004/internal/blobstore"
	"github.com/Dropicx/qopy-sub004/internal/chunkstore"
	"github.com/Dropicx/qopy-sub004/internal/clipservice"
	"github.com/Dropicx/qopy-sub004/internal/config"
	"github.com/Dropicx/qopy-sub004/internal/handlers"
	qopymw "github.com/Dropicx/qopy-sub004/internal/middleware"
	"github.com/Dropicx/qopy-sub004/internal/ratelimit"
	"github.com/Dropicx/qopy-sub004/internal/retention"
	"github.com/Dropicx/qopy-sub004/internal/storage"
	"github.com/Dropicx/qopy-sub004/internal/sweeper"
	"github.com/Dropicx/qopy-sub004/internal/uploadmgr"
)

const infoCacheSize = 4096

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.IsProduction() {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.Env).Msg("qopy server starting")

	ctx := context.Background()

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to metadata store")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	chunks, err := chunkstore.New(cfg.StoragePath + "/chunks")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open chunk store")
	}
	blobs, err := blobstore.New(cfg.StoragePath + "/blobs")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open blob store")
	}

	ladder, err := retention.LoadFromFile(cfg.RetentionConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load retention ladder")
	}

	slots := newSlotCounter(cfg)

	mgr := uploadmgr.New(db, chunks, blobs, ladder, slots, cfg.MaxFileSize, cfg.ChunkSizeDefault, cfg.UploadTTL)

	downloadLimiter := ratelimit.NewLimiter(ratelimit.Config{MaxRequests: 60, WindowPeriod: time.Minute}, "qopy-download")
	creationLimiter := ratelimit.NewLimiter(ratelimit.Config{MaxRequests: 20, WindowPeriod: time.Minute}, "qopy-creation")
	adminLimiter := ratelimit.NewLimiter(ratelimit.Config{MaxRequests: 30, WindowPeriod: time.Minute}, "qopy-admin")
	guard := accessguard.New(downloadLimiter, creationLimiter, adminLimiter, accessguard.DefaultShortIDBlockerConfig())
	defer guard.Stop()

	clips, err := clipservice.New(db, blobs, guard, infoCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize clip service")
	}

	sweep := sweeper.New(db, chunks, blobs, mgr, cfg.SweepInterval, cfg.OrphanGrace)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go sweep.Run(sweepCtx)

	uploadHandler := handlers.NewUploadHandler(mgr, guard, cfg.BaseURL, cfg.IsProduction())
	clipHandler := handlers.NewClipHandler(clips, cfg.IsProduction())
	fileHandler := handlers.NewFileHandler(clips, cfg.IsProduction())
	healthHandler := handlers.NewHealthHandler(db, blobs)
	adminHandler := handlers.NewAdminHandler(db, sweep, clips, guard, cfg.AdminToken, cfg.IsProduction())

	catchAllLimiter := qopymw.NewRateLimiter(120, time.Minute)
	defer catchAllLimiter.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(qopymw.RequestID)
	r.Use(qopymw.SecurityHeaders)
	r.Use(qopymw.RateLimitMiddleware(catchAllLimiter))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	jsonBodyLimit := qopymw.MaxBodySize(qopymw.DefaultMaxBodySize)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", healthHandler)
		r.Method(http.MethodHead, "/health", healthHandler)

		r.With(jsonBodyLimit).Post("/upload/init", uploadHandler.Initiate)
		r.With(chunkBodyLimit(cfg.ChunkSizeDefault)).Post("/upload/{uploadId}/chunk/{n}", uploadHandler.ReceiveChunk)
		r.With(jsonBodyLimit).Post("/upload/{uploadId}/complete", uploadHandler.Complete)
		r.Delete("/upload/{uploadId}", uploadHandler.Abort)

		r.Get("/clip/{clipId}/info", clipHandler.Info)
		r.With(jsonBodyLimit).Post("/clip/{clipId}", clipHandler.Fetch)

		r.With(jsonBodyLimit).Post("/file/{clipId}", fileHandler.Download)
		r.Get("/file/{clipId}/info", fileHandler.Info)
		r.Get("/file/{clipId}", fileHandler.LegacyDownload)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminHandler.RequireAdminToken)
			r.Get("/stats", adminHandler.Stats)
			r.With(jsonBodyLimit).Post("/sweep", adminHandler.Sweep)
			r.Delete("/clip/{id}", adminHandler.DeleteClip)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // large file downloads
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	stopSweep()
	sweep.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("exited gracefully")
}

func newSlotCounter(cfg config.Config) uploadmgr.SlotCounter {
	if cfg.RateLimitBackend != "redis" || cfg.RedisURL == "" {
		return uploadmgr.NewMemorySlotCounter(cfg.MaxConcurrentUploads)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to parse REDIS_URL, falling back to in-process slot counter")
		return uploadmgr.NewMemorySlotCounter(cfg.MaxConcurrentUploads)
	}
	client := redis.NewClient(opts)
	return uploadmgr.NewRedisSlotCounter(client, "qopy:concurrent-uploads", cfg.MaxConcurrentUploads, cfg.UploadTTL+time.Minute)
}

// chunkBodyLimit caps a chunk upload body at one chunk's worth of bytes
// plus headroom, distinct from the small default JSON body limit.
func chunkBodyLimit(chunkSize int64) func(http.Handler) http.Handler {
	return qopymw.MaxBodySize(chunkSize + 4096)
}
