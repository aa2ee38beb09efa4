package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/pipelineservice"
	"github.com/sells-group/dsi-pipeline/internal/store"
	"github.com/sells-group/dsi-pipeline/internal/wshub"
)

var servePort int

// buildRouter constructs the run-control HTTP/websocket API: start/cancel
// pipeline runs, inspect run status, and subscribe to live progress frames.
func buildRouter(svc *pipelineservice.Service, st store.Store, hub *wshub.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := st.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Post("/pipelines", func(w http.ResponseWriter, r *http.Request) {
		var runCfg model.PipelineConfig
		if err := json.NewDecoder(r.Body).Decode(&runCfg); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if runCfg.ClientID == "" {
			http.Error(w, `{"error":"client_id is required"}`, http.StatusBadRequest)
			return
		}

		run, err := svc.Start(r.Context(), model.RunModeManual, runCfg)
		if err != nil {
			zap.L().Error("start pipeline failed", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(run)
	})

	r.Get("/pipelines/{runID}", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "runID"))
		if err != nil {
			http.Error(w, `{"error":"invalid run id"}`, http.StatusBadRequest)
			return
		}
		run, err := st.GetRun(r.Context(), runID)
		if err != nil {
			http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(run)
	})

	r.Delete("/pipelines/{runID}", func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(chi.URLParam(r, "runID"))
		if err != nil {
			http.Error(w, `{"error":"invalid run id"}`, http.StatusBadRequest)
			return
		}
		if !svc.Cancel(runID) {
			http.Error(w, `{"error":"run is not currently running"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if hub != nil {
		r.Get("/pipelines/stream", hub.ServeHTTP)
	}

	return r
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run-control HTTP/websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Scheduler != nil {
			if err := env.Scheduler.Start(ctx); err != nil {
				return eris.Wrap(err, "start scheduler")
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = env.Scheduler.Stop(stopCtx)
			}()
		}

		handler := buildRouter(env.Service, env.Store, env.Hub)
		port := resolvePort(servePort, cfg.Server.Port)
		return startServer(ctx, handler, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// startServer creates and runs the HTTP server with graceful shutdown.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}

	return nil
}

// resolvePort returns the port flag value if non-zero, otherwise the config default.
func resolvePort(flagPort, configPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return configPort
}
