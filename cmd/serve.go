package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/greenledger/emissions-cli/internal/model"
	"github.com/greenledger/emissions-cli/internal/pipeline"
	"github.com/greenledger/emissions-cli/internal/store"
)

var servePort int

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for entries and resolution requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Async resolution work spawned by handlers registers here; the
		// store must stay open until the last goroutine drains.
		var inFlight sync.WaitGroup

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeRouter(ctx, env, &inFlight),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			// The signal context is already cancelled; graceful drain
			// needs its own deadline.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		inFlight.Wait()
		return nil
	},
}

// newServeRouter builds the HTTP API. Handlers that kick off background
// resolution run it on ctx and register with inFlight so the caller can
// wait for completion before releasing the store.
func newServeRouter(ctx context.Context, env *pipelineEnv, inFlight *sync.WaitGroup) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/entries", func(w http.ResponseWriter, req *http.Request) {
			var entry model.Entry
			if err := json.NewDecoder(req.Body).Decode(&entry); err != nil {
				http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
				return
			}
			if entry.Quantity <= 0 || (entry.Description == "" && entry.Category == "") {
				http.Error(w, `{"error":"entry needs a positive quantity and a description or category"}`, http.StatusBadRequest)
				return
			}

			stored, err := env.Store.CreateEntry(req.Context(), entry)
			if err != nil {
				zap.L().Error("create entry failed", zap.Error(err))
				http.Error(w, `{"error":"create failed"}`, http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusCreated, stored)
		})

		r.Get("/entries/{id}", func(w http.ResponseWriter, req *http.Request) {
			entry, err := env.Store.GetEntry(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		r.Get("/entries/{id}/calculations", func(w http.ResponseWriter, req *http.Request) {
			calcs, err := env.Store.ListCalculations(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				zap.L().Error("list calculations failed", zap.Error(err))
				http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, calcs)
		})

		r.Post("/entries/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
			entryID := chi.URLParam(req, "id")
			if _, err := env.Store.GetEntry(req.Context(), entryID); err != nil {
				http.Error(w, `{"error":"entry not found"}`, http.StatusNotFound)
				return
			}

			// Resolution runs asynchronously; poll the calculations
			// endpoint for the result.
			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				calc, err := env.Resolver.ResolveByID(ctx, entryID)
				if err != nil {
					zap.L().Error("async resolution failed",
						zap.String("entry_id", entryID),
						zap.Error(err),
					)
					return
				}
				zap.L().Info("async resolution complete",
					zap.String("entry_id", entryID),
					zap.String("method", string(calc.Method)),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":   "accepted",
				"entry_id": entryID,
			})
		})

		r.Post("/batches", func(w http.ResponseWriter, req *http.Request) {
			var opts struct {
				TenantID string `json:"tenant_id"`
				Limit    int    `json:"limit"`
			}
			if req.Body != nil {
				_ = json.NewDecoder(req.Body).Decode(&opts)
			}

			entries, err := env.Store.ListEntries(req.Context(), store.EntryFilter{
				TenantID: opts.TenantID,
				Status:   model.StatusUnresolved,
			})
			if err != nil {
				zap.L().Error("list unresolved entries failed", zap.Error(err))
				http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
				return
			}

			limit := opts.Limit
			if limit == 0 {
				limit = cfg.Batch.DefaultLimit
			}

			inFlight.Add(1)
			go func() {
				defer inFlight.Done()
				summary, err := pipeline.RunBatch(ctx, env.Resolver, entries, pipeline.BatchOptions{
					MaxConcurrency: cfg.Batch.MaxConcurrency,
					Limit:          limit,
					Deadline:       cfg.Batch.Deadline,
				})
				if err != nil {
					zap.L().Error("async batch failed", zap.Error(err))
					return
				}
				zap.L().Info("async batch complete",
					zap.Int("total", summary.Total),
					zap.Int("retrieval", summary.SucceededRetrieval),
					zap.Int("generative", summary.SucceededGenerative),
					zap.Int("failed", len(summary.Failed)),
				)
			}()

			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":  "accepted",
				"entries": len(entries),
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
