package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"tabletdb/pkg/dberrors"
	"tabletdb/pkg/rangeserver"
	"tabletdb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iRangeServer interface {
	Table(name string) (types.TableIdentifier, error)
	Stats() rangeserver.ServerStats
	Compact(table types.TableIdentifier, endRow string, major bool) error
	Split(ctx context.Context, table types.TableIdentifier, endRow string) error
}

type iMetrics interface {
	Snapshot() map[string]float64
}

// Server is the admin surface of a range server.
type Server struct {
	rs         iRangeServer
	metrics    iMetrics
	httpServer *http.Server
	URL        string
	addr       string
	timeout    time.Duration
}

// NewServer creates an admin server for rs. metrics may be nil.
func NewServer(rs iRangeServer, metrics iMetrics, port string, readHeaderTimeout time.Duration) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	return &Server{
		rs:      rs,
		metrics: metrics,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
		timeout: readHeaderTimeout,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/stats", s.handleStats)
	r.Get("/ranges", s.handleRanges)
	r.Route("/ranges/{table}/{endRow}", func(r chi.Router) {
		r.Post("/compact", s.handleCompact)
		r.Post("/split", s.handleSplit)
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.timeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrRangeNotFound), errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrMaintenanceBusy):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

// target resolves the range addressed by the URL. The end row segment is
// path-escaped so that the end-of-table marker survives.
func (s *Server) target(r *http.Request) (types.TableIdentifier, string, error) {
	endRow, err := url.PathUnescape(chi.URLParam(r, "endRow"))
	if err != nil {
		return types.TableIdentifier{}, "", errors.Wrapf(dberrors.ErrInvalidArgument, "end row: %v", err)
	}
	table, err := s.rs.Table(chi.URLParam(r, "table"))
	if err != nil {
		return types.TableIdentifier{}, "", err
	}
	return table, endRow, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rs.Stats())
}

func (s *Server) handleRanges(w http.ResponseWriter, r *http.Request) {
	ranges := s.rs.Stats().Ranges
	if ranges == nil {
		ranges = []rangeserver.Stats{}
	}
	s.writeJSON(w, http.StatusOK, ranges)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	table, endRow, err := s.target(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	major := false
	if v := r.URL.Query().Get("major"); v != "" {
		if major, err = strconv.ParseBool(v); err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("major must be a boolean"))
			return
		}
	}
	if err := s.rs.Compact(table, endRow, major); err != nil {
		slog.Error("admin compaction failed", "table", table.Name, "end_row", endRow, "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	table, endRow, err := s.target(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.rs.Split(r.Context(), table, endRow); err != nil {
		slog.Error("admin split failed", "table", table.Name, "end_row", endRow, "error", err)
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
