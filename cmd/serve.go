package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forkline/ops-cli/internal/model"
	"github.com/forkline/ops-cli/internal/pipeline"
	"github.com/forkline/ops-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard-facing orchestration API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			e.Close(shutdownCtx)
		}()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(e, cfg.Server.AllowedOrigins),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api exposes the orchestrator over HTTP for the operations dashboard.
type api struct {
	env *env
}

func newRouter(e *env, allowedOrigins []string) http.Handler {
	a := &api{env: e}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", a.health)
	r.Get("/status", a.status)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/", a.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", a.getJob)
			r.Get("/steps", a.listSteps)
			r.Get("/steps/{step}/items", a.listItems)
			r.Post("/start", a.startJob)
			r.Post("/cancel", a.cancelJob)
			r.Post("/retry", a.retryJob)
			r.Post("/advance", a.advanceJob)
			r.Post("/steps/{step}/action", a.completeAction)
		})
	})

	r.Route("/steps/{stepID}", func(r chi.Router) {
		r.Post("/pass", a.passItems)
		r.Post("/retry-items", a.retryItems)
	})

	r.Route("/batches", func(r chi.Router) {
		r.Post("/", a.createBatch)
		r.Route("/{batchID}", func(r chi.Router) {
			r.Get("/progress", a.batchProgress)
			r.Post("/start", a.startBatch)
			r.Post("/cancel", a.cancelBatch)
			r.Post("/steps/{step}/action", a.batchAction)
		})
	})

	return r
}

// writeError maps the orchestrator's typed errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *pipeline.ValidationError
		terr *pipeline.InvalidTransitionError
		nerr *pipeline.NotFoundError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &terr):
		status = http.StatusConflict
	case errors.As(err, &nerr):
		status = http.StatusNotFound
	default:
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func stepParam(r *http.Request) (int, error) {
	var n int
	if _, err := fmt.Sscanf(chi.URLParam(r, "step"), "%d", &n); err != nil {
		return 0, pipeline.NewValidationError("step must be a number")
	}
	return n, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status reports circuit state per external resource.
func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": a.env.Adapter.BreakerStates(),
	})
}

type createJobRequest struct {
	OrganizationID string        `json:"organization_id"`
	Pipeline       string        `json:"pipeline"`
	Subject        model.Subject `json:"subject"`
	Start          bool          `json:"start"`
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}

	job, err := a.env.Machine.Create(r.Context(), req.OrganizationID, req.Pipeline, req.Subject, "")
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Start {
		if err := a.env.Machine.Start(r.Context(), job.ID); err != nil {
			writeError(w, err)
			return
		}
		job.Status = model.JobStatusInProgress
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		OrganizationID: q.Get("organization_id"),
		BatchID:        q.Get("batch_id"),
		Status:         model.JobStatus(q.Get("status")),
	}
	jobs, err := a.env.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.env.Store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = &pipeline.NotFoundError{Resource: "job", ID: chi.URLParam(r, "jobID")}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) listSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := a.env.Store.ListSteps(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (a *api) listItems(w http.ResponseWriter, r *http.Request) {
	step, err := stepParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := a.env.Store.ListItems(r.Context(), chi.URLParam(r, "jobID"), step)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *api) startJob(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Machine.Start(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Machine.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *api) retryJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}
	if err := a.env.Machine.RetryFromStep(r.Context(), chi.URLParam(r, "jobID"), req.Step); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

// advanceJob manually triggers the job's current step, for deployments with
// auto-advance off.
func (a *api) advanceJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := a.env.Store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = &pipeline.NotFoundError{Resource: "job", ID: jobID}
		}
		writeError(w, err)
		return
	}
	if err := a.env.Engine.Advance(r.Context(), jobID, job.CurrentStep); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "advancing"})
}

func (a *api) completeAction(w http.ResponseWriter, r *http.Request) {
	step, err := stepParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}
	if err := a.env.Engine.CompleteAction(r.Context(), chi.URLParam(r, "jobID"), step, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type itemSelectionRequest struct {
	ItemIDs     []string `json:"item_ids"`
	AutoProcess bool     `json:"auto_process"`
}

func (a *api) passItems(w http.ResponseWriter, r *http.Request) {
	var req itemSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}
	if err := a.env.Engine.PassItems(r.Context(), chi.URLParam(r, "stepID"), req.ItemIDs, req.AutoProcess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "passed"})
}

func (a *api) retryItems(w http.ResponseWriter, r *http.Request) {
	var req itemSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}
	if err := a.env.Engine.RetryItems(r.Context(), chi.URLParam(r, "stepID"), req.ItemIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

type createBatchRequest struct {
	OrganizationID string           `json:"organization_id"`
	Name           string           `json:"name"`
	Pipeline       string           `json:"pipeline"`
	Subjects       []model.Subject  `json:"subjects"`
	Config         model.ExecConfig `json:"config"`
	SourceJobID    string           `json:"source_job_id"`
	Start          bool             `json:"start"`
}

func (a *api) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}

	b, results, err := a.env.Coord.Create(r.Context(), req.OrganizationID, req.Name,
		req.Pipeline, req.Subjects, req.Config, req.SourceJobID)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Start {
		if _, err := a.env.Coord.Start(r.Context(), b.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": b, "jobs": results})
}

func (a *api) startBatch(w http.ResponseWriter, r *http.Request) {
	results, err := a.env.Coord.Start(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": results})
}

func (a *api) cancelBatch(w http.ResponseWriter, r *http.Request) {
	results, err := a.env.Coord.Cancel(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": results})
}

type batchActionRequest struct {
	Payload        json.RawMessage            `json:"payload,omitempty"`
	PerJob         map[string]json.RawMessage `json:"per_job,omitempty"`
	SelectedJobIDs []string                   `json:"selected_job_ids,omitempty"`
}

func (a *api) batchAction(w http.ResponseWriter, r *http.Request) {
	step, err := stepParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req batchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pipeline.NewValidationError("invalid request body: %v", err))
		return
	}
	results, err := a.env.Coord.CompleteAction(r.Context(), chi.URLParam(r, "batchID"),
		step, req.Payload, req.PerJob, req.SelectedJobIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": results})
}

func (a *api) batchProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := a.env.Coord.Progress(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
