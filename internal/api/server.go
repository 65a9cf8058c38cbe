package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/middleware"
	"github.com/JakeFAU/catalog-crawler/internal/writer"
)

// DefaultTop is the number of pending requests listed by GET /v1/state.
const DefaultTop = 10

// StateView is the read and checkpoint surface of the crawl state.
type StateView interface {
	Len() int
	Pending() []crawlstate.Request
	VisitedCounts() map[string]int
	DuplicateStreak() int
	MiscValues() map[string]any
	Save(ctx context.Context, override bool) error
}

// WriterStats reports workbook progress.
type WriterStats interface {
	Stats() writer.Stats
}

// Server wires HTTP handlers to the crawl state.
type Server struct {
	router chi.Router
	state  StateView
	writer WriterStats
	runID  string
	logger *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithWriter includes workbook stats in the state response.
func WithWriter(w WriterStats) Option {
	return func(s *Server) {
		s.writer = w
	}
}

// WithRunID stamps responses with the current run.
func WithRunID(id string) Option {
	return func(s *Server) {
		s.runID = id
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(state StateView, logger *zap.Logger, opts ...Option) (*Server, error) {
	if state == nil {
		return nil, fmt.Errorf("crawl state is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{state: state, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/v1/state", s.getState)
	r.Post("/v1/state/checkpoint", s.checkpoint)

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	}
}

type stateResponse struct {
	RunID           string               `json:"run_id,omitempty"`
	Pending         int                  `json:"pending"`
	DuplicateStreak int                  `json:"duplicate_streak"`
	Visited         map[string]int       `json:"visited"`
	Misc            map[string]any       `json:"misc"`
	Top             []crawlstate.Request `json:"top"`
	Writer          *writer.Stats        `json:"writer,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	top := DefaultTop
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
			return
		}
		top = n
	}

	resp := stateResponse{
		RunID:           s.runID,
		Pending:         s.state.Len(),
		DuplicateStreak: s.state.DuplicateStreak(),
		Visited:         s.state.VisitedCounts(),
		Misc:            s.state.MiscValues(),
		Top:             TopOfStack(s.state.Pending(), top),
	}
	if s.writer != nil {
		stats := s.writer.Stats()
		resp.Writer = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) checkpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.state.Save(r.Context(), true); err != nil {
		s.logger.Error("checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("checkpoint saved via admin API", zap.Int("pending", s.state.Len()))
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "pending": s.state.Len()})
}

// TopOfStack returns up to n requests in pop order.
func TopOfStack(pending []crawlstate.Request, n int) []crawlstate.Request {
	n = max(0, min(n, len(pending)))
	out := make([]crawlstate.Request, 0, n)
	for i := len(pending) - 1; i >= len(pending)-n; i-- {
		out = append(out, pending[i])
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
