// Package server exposes the health check and manual sync trigger for
// service mode.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
	syncengine "github.com/rohit-purandare/shelfbridge/internal/sync"
)

// Server wraps the HTTP endpoints around the sync service.
type Server struct {
	svc      *syncengine.Service
	log      *logger.Logger
	httpSrv  *http.Server
	mu       sync.Mutex
	syncing  bool
	lastRun  *syncengine.Summary
	lastTime time.Time
}

// New creates a server bound to addr.
func New(addr string, svc *syncengine.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	s := &Server{
		svc: svc,
		log: log.WithComponent("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/sync", s.handleSync)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           logger.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	payload := map[string]interface{}{
		"status":  "ok",
		"syncing": s.syncing,
	}
	if !s.lastTime.IsZero() {
		payload["last_sync"] = s.lastTime.UTC().Format(time.RFC3339)
	}
	if s.lastRun != nil {
		payload["last_run"] = s.lastRun
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		http.Error(w, "sync already running", http.StatusConflict)
		return
	}
	s.syncing = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.syncing = false
			s.mu.Unlock()
		}()
		summary, err := s.svc.Sync(context.Background())
		if err != nil {
			s.log.Error().Err(err).Msg("Triggered sync failed")
			return
		}
		s.mu.Lock()
		s.lastRun = summary
		s.lastTime = time.Now()
		s.mu.Unlock()
	}()

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("sync started\n"))
}
