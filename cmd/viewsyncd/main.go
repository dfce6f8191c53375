package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucidstream/viewsync/internal/config"
	"github.com/lucidstream/viewsync/internal/health"
	"github.com/lucidstream/viewsync/internal/metrics"
	"github.com/lucidstream/viewsync/internal/model"
	"github.com/lucidstream/viewsync/internal/service"
	"github.com/lucidstream/viewsync/internal/store"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting view-sync CVR service")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Each process instance gets a stable task identity for CVR ownership
	// arbitration.
	if cfg.Server.TaskID == "" {
		cfg.Server.TaskID = uuid.NewString()
	}

	logger.Info("Configuration loaded",
		zap.String("task_id", cfg.Server.TaskID),
		zap.String("host", cfg.Server.Host),
		zap.Int("admin_port", cfg.Server.AdminPort),
		zap.String("database_host", cfg.Database.Host),
		zap.Int("database_port", cfg.Database.Port),
		zap.String("database_name", cfg.Database.Database))

	// Initialize metrics
	m := metrics.NewMetrics()
	logger.Info("Metrics initialized")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize the backing store
	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.Setup(ctx, pool, logger); err != nil {
		logger.Fatal("Failed to set up schema", zap.Error(err))
	}
	logger.Info("CVR store initialized")

	// Transform cache, shared across connections in this process
	transformCache := store.NewMemoryCache(cfg.Transform.CacheMaxSize, logger)
	transformCache.StartSweeper(cfg.Transform.CacheTTL)
	defer transformCache.Stop()

	transformer := service.NewTransformer(cfg.Transform, transformCache, logger, m)
	inspector := store.NewInspector(pool, logger)
	healthChecker := health.NewHealthChecker(pool, logger)

	g, gctx := errgroup.WithContext(ctx)

	// Admin server: health probes and the read-only inspection interface
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	adminMux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	adminMux.HandleFunc("/inspect/queries", inspectQueriesHandler(inspector, logger))
	adminMux.HandleFunc("/transform/queries", transformHandler(transformer, logger))

	adminServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("Starting admin server", zap.String("address", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})

	// Metrics server
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux,
		}
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	// Shut the servers down when the signal context fires
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics server shutdown failed", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("View-sync service stopped")
}

// inspectQueriesHandler serves per-(client, query) desire state for a client
// group: GET /inspect/queries?clientGroupID=...&ttlClock=...
func inspectQueriesHandler(inspector *store.Inspector, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientGroupID := r.URL.Query().Get("clientGroupID")
		if clientGroupID == "" {
			http.Error(w, "clientGroupID is required", http.StatusBadRequest)
			return
		}
		ttlClock := model.TTLClockFromTime(time.Now())
		if raw := r.URL.Query().Get("ttlClock"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "ttlClock must be an integer", http.StatusBadRequest)
				return
			}
			ttlClock = model.TTLClockFromNumber(n)
		}

		rows, err := inspector.InspectQueries(r.Context(), clientGroupID, ttlClock)
		if err != nil {
			logger.Error("Inspection failed", zap.Error(err))
			http.Error(w, "inspection failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rows); err != nil {
			logger.Warn("Failed to encode response", zap.Error(err))
		}
	}
}

// transformRequestBody is the admin-surface form of a transform call.
type transformRequestBody struct {
	Token        string                     `json:"token"`
	Cookie       string                     `json:"cookie"`
	UserQueryURL string                     `json:"userQueryURL"`
	Queries      []service.TransformRequest `json:"queries"`
}

// transformResultBody is one per-query outcome on the wire.
type transformResultBody struct {
	ID    string                  `json:"id"`
	Name  string                  `json:"name"`
	AST   json.RawMessage         `json:"ast,omitempty"`
	Hash  string                  `json:"hash,omitempty"`
	Error *service.TransformError `json:"error,omitempty"`
}

// transformHandler exposes the custom-query transformer to the sync layer:
// POST /transform/queries with credentials and a query batch.
func transformHandler(transformer *service.Transformer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req transformRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.Queries) == 0 {
			http.Error(w, "queries are required", http.StatusBadRequest)
			return
		}

		results, err := transformer.Transform(r.Context(),
			service.HeaderOptions{Token: req.Token, Cookie: req.Cookie},
			req.Queries, req.UserQueryURL)
		if err != nil {
			logger.Error("Transform failed", zap.Error(err))
			http.Error(w, "transform failed", http.StatusInternalServerError)
			return
		}

		out := make([]transformResultBody, 0, len(results))
		for _, res := range results {
			out = append(out, transformResultBody{
				ID:    res.ID,
				Name:  res.Name,
				AST:   res.AST,
				Hash:  res.Hash,
				Error: res.Error,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Warn("Failed to encode response", zap.Error(err))
		}
	}
}
