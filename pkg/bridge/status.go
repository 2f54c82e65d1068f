package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/voicewire/voicewire/pkg/media"
	"github.com/voicewire/voicewire/pkg/session"
)

// SystemStatus is a point-in-time view of the whole bridge.
type SystemStatus struct {
	Uptime      time.Duration `json:"uptime"`
	ActiveCalls int           `json:"active_calls"`
	Transport   string        `json:"transport"`
	Sessions    session.Stats `json:"sessions"`
	Transports  []media.Stats `json:"transports,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Status returns the current system view.
func (o *Orchestrator) Status() SystemStatus {
	o.mu.Lock()
	started := o.started
	calls := make([]*call, 0, len(o.calls))
	for _, c := range o.calls {
		calls = append(calls, c)
	}
	o.mu.Unlock()

	var transports []media.Stats
	for _, c := range calls {
		if st, ok := c.transportStats(); ok {
			transports = append(transports, st)
		}
	}

	return SystemStatus{
		Uptime:      time.Since(started),
		ActiveCalls: len(calls),
		Transport:   o.cfg.TransportKind,
		Sessions:    o.registry.Stats(),
		Transports:  transports,
		Timestamp:   time.Now(),
	}
}

// CallDetail returns the session snapshot for a channel.
func (o *Orchestrator) CallDetail(channelID string) (session.Snapshot, bool) {
	return o.registry.GetByChannel(channelID)
}

// Calls returns snapshots of all live calls.
func (o *Orchestrator) Calls() []session.Snapshot {
	o.mu.Lock()
	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	out := make([]session.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := o.registry.GetByChannel(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// StatusServer serves the read-only HTTP status surface.
type StatusServer struct {
	orch *Orchestrator
	log  *slog.Logger
	srv  *http.Server
}

// NewStatusServer builds a status server listening on addr.
func NewStatusServer(addr string, orch *Orchestrator, log *slog.Logger) *StatusServer {
	if log == nil {
		log = slog.Default()
	}
	s := &StatusServer{orch: orch, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /calls", s.handleCalls)
	mux.HandleFunc("GET /calls/{channel}", s.handleCall)
	mux.HandleFunc("GET /calls/{channel}/export", s.handleExport)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop. It returns promptly on bind failure.
func (s *StatusServer) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		s.log.Info("status server listening", "addr", s.srv.Addr)
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *StatusServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *StatusServer) Handler() http.Handler { return s.srv.Handler }

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *StatusServer) handleCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Calls())
}

func (s *StatusServer) handleCall(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel")
	snap, ok := s.orch.CallDetail(channelID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *StatusServer) handleExport(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel")
	snap, ok := s.orch.CallDetail(channelID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
		return
	}
	export, ok := s.orch.registry.Export(snap.ID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session gone"})
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
