package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/episode"
	"github.com/xkilldash9x/marionette-cli/internal/tasks"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultShutdownTimeout = 10 * time.Second

// Server exposes the episode manager over HTTP: starting goals, inspecting
// and cancelling running episodes, fetching terminal results, and the
// metrics endpoint.
type Server struct {
	manager  *episode.Manager
	catalog  *tasks.Catalog
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	cfg      config.ServerConfig
}

// NewServer builds the HTTP layer over initialized components. The catalog
// may be nil, in which case task-based starts are rejected.
func NewServer(comps *Components, catalog *tasks.Catalog) *Server {
	return &Server{
		manager:  comps.Manager,
		catalog:  catalog,
		gatherer: comps.Registry,
		logger:   comps.Logger.Named("service"),
		cfg:      comps.Config.Server,
	}
}

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/episodes", func(r chi.Router) {
		r.Post("/", s.handleStart)
		r.Get("/", s.handleList)
		r.Route("/{episodeID}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/cancel", s.handleCancel)
			r.Get("/result", s.handleResult)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown budget. Stopping episodes is the caller's job via
// Components.Shutdown; the HTTP layer only stops accepting work.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("Episode service listening.", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("episode service: %w", err)
	case <-ctx.Done():
		s.logger.Info("Episode service shutting down.")
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Graceful shutdown incomplete, closing listener.", zap.Error(err))
			return srv.Close()
		}
		return nil
	}
}

// -- Handlers --

type startEpisodeRequest struct {
	Goal string `json:"goal,omitempty"`
	Task string `json:"task,omitempty"`
}

type startEpisodeResponse struct {
	EpisodeID string `json:"episode_id"`
	Goal      string `json:"goal"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	goal := strings.TrimSpace(req.Goal)
	taskName := strings.TrimSpace(req.Task)
	switch {
	case goal == "" && taskName == "":
		s.writeError(w, http.StatusBadRequest, "either goal or task is required")
		return
	case goal != "" && taskName != "":
		s.writeError(w, http.StatusBadRequest, "goal and task are mutually exclusive")
		return
	case taskName != "":
		if s.catalog == nil {
			s.writeError(w, http.StatusBadRequest, "no task catalog configured")
			return
		}
		task, err := s.catalog.Get(taskName)
		if err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		goal = task.Goal
	}

	id, err := s.manager.Start(goal)
	if err != nil {
		switch {
		case errors.Is(err, episode.ErrTooManyEpisodes):
			s.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, episode.ErrManagerClosed):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Location", "/episodes/"+id)
	s.writeJSON(w, http.StatusAccepted, startEpisodeResponse{EpisodeID: id, Goal: goal})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(chi.URLParam(r, "episodeID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "episodeID")
	if err := s.manager.Cancel(id); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"episode_id": id, "status": "cancelling"})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.Result(chi.URLParam(r, "episodeID"))
	if err != nil {
		switch {
		case errors.Is(err, episode.ErrEpisodeRunning):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusNotFound, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// -- Helpers --

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response body.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request served.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
