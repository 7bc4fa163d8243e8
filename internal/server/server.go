// Package server is the operator-facing HTTP control surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/analysis"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/capture"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/metadata"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/metrics"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Store is the part of the recording store the handlers use.
type Store interface {
	Entries() []store.Entry
	CurrentEntry() (store.Entry, bool)
	EntryForName(name string) (store.Entry, bool)
	DeleteEntry(name string) (bool, error)
	DeleteAllEntries() error
	OpenEntryAnalysis(name string) (*os.File, error)
	OpenEntryCapture(name string) (*os.File, store.Entry, error)
}

// Controller sends control messages to the capture loop.
type Controller interface {
	Send(ctx context.Context, cmd capture.Command) error
	SendAndWait(ctx context.Context, cmd capture.Command) error
}

// AnalysisQueue accepts re-analysis requests.
type AnalysisQueue interface {
	AnalyzeEntry(name string) error
	Status() analysis.Status
}

// StatsCollector reports device stats.
type StatsCollector interface {
	Collect() metadata.SystemStats
}

// Options configure a Server.
type Options struct {
	// DebugMode rejects every mutating request with 403.
	DebugMode bool
	Metrics   *metrics.Metrics
}

// Server holds the handler dependencies. Construct with New.
type Server struct {
	store    Store
	control  Controller
	analysis AnalysisQueue
	stats    StatsCollector
	opts     Options
	log      *logger.Logger
	handler  http.Handler
}

// New builds the server and its routes.
func New(st Store, control Controller, queue AnalysisQueue, stats StatsCollector, opts Options) *Server {
	s := &Server{
		store:    st,
		control:  control,
		analysis: queue,
		stats:    stats,
		opts:     opts,
		log:      logger.GetLogger(),
	}
	s.handler = s.middleware(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/start-recording", s.handleStartRecording)
	mux.HandleFunc("POST /api/stop-recording", s.handleStopRecording)
	mux.HandleFunc("POST /api/delete-recording/{name}", s.handleDeleteRecording)
	mux.HandleFunc("POST /api/delete-all-recordings", s.handleDeleteAllRecordings)
	mux.HandleFunc("GET /api/analysis-report/{name}", s.handleAnalysisReport)
	mux.HandleFunc("GET /api/qmdl-manifest", s.handleManifest)
	mux.HandleFunc("GET /api/qmdl/{name}", s.handleDownloadCapture)
	mux.HandleFunc("GET /api/analysis", s.handleAnalysisStatus)
	mux.HandleFunc("POST /api/analysis/{name}", s.handleQueueAnalysis)
	mux.HandleFunc("GET /api/system-stats", s.handleSystemStats)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	return mux
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("[server] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// forbidden rejects mutating requests in debug mode.
func (s *Server) forbidden(w http.ResponseWriter) bool {
	if s.opts.DebugMode {
		http.Error(w, "server is in debug mode, recordings are read-only", http.StatusForbidden)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func accepted(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, msg)
}
