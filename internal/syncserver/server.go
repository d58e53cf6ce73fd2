// Package syncserver is a reference remote authority for the sync protocol.
//
// It keeps accepted events in memory, verifies checksums, reports events it
// already holds that collide with incoming ones, and returns its Lamport
// clock. It exists for tests, demos and local development; a production
// backend only needs to honour the same request/response contract.
package syncserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/roach88/offsync/internal/conflict"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/metrics"
	"github.com/roach88/offsync/internal/syncer"
)

// maxBody bounds the request body size.
const maxBody = 16 << 20

type versionKey struct {
	aggregateID string
	version     int64
}

// Server implements the sync endpoint as an http.Handler.
//
// Thread-safety: Server is safe for concurrent use via internal mutex.
type Server struct {
	auth    *Auth // nil disables authentication
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	events    map[string]event.DomainEvent
	byVersion map[versionKey][]string
	order     []string
	clock     int64
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires a valid bearer token on every request.
func WithAuth(a *Auth) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments the handler.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		events:    map[string]event.DomainEvent{},
		byVersion: map[versionKey][]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the instrumented sync handler.
func (s *Server) Handler() http.Handler {
	return s.metrics.Instrument(s)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	subject := ""
	if s.auth != nil {
		raw, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="offsync"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sub, err := s.auth.Verify(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="offsync", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		subject = sub
	}

	var req syncer.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp := s.Accept(req.Events)
	s.logger.Info("sync request",
		"subject", subject, "events", len(req.Events),
		"synced", len(resp.Synced), "failed", len(resp.Failed), "conflicts", len(resp.Conflicts))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Accept applies a batch and builds the reply.
//
// An event whose checksum does not verify is failed. An id already held with
// a different checksum is failed and the held copy is returned as a conflict.
// Every other event is stored and acknowledged; held events from other nodes
// that collide with it (same aggregate and version, overlapping fields) are
// returned as conflicts. Re-sending an acknowledged event is acknowledged
// again without side effects.
func (s *Server) Accept(batch []event.DomainEvent) syncer.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := syncer.Response{
		Synced:    []string{},
		Failed:    []string{},
		Conflicts: []event.DomainEvent{},
	}
	reported := map[string]bool{}
	report := func(ev event.DomainEvent) {
		if !reported[ev.ID] {
			reported[ev.ID] = true
			resp.Conflicts = append(resp.Conflicts, ev)
		}
	}

	incoming := slices.Clone(batch)
	event.SortByClock(incoming)

	for _, ev := range incoming {
		if ok, err := ev.VerifyChecksum(); err != nil || !ok {
			resp.Failed = append(resp.Failed, ev.ID)
			continue
		}

		if held, ok := s.events[ev.ID]; ok {
			if held.Checksum == ev.Checksum {
				resp.Synced = append(resp.Synced, ev.ID)
			} else {
				resp.Failed = append(resp.Failed, ev.ID)
				report(held)
			}
			continue
		}

		key := versionKey{ev.AggregateID, ev.Version}
		held := make([]event.DomainEvent, 0, len(s.byVersion[key]))
		for _, id := range s.byVersion[key] {
			held = append(held, s.events[id])
		}
		for _, c := range conflict.Detect([]event.DomainEvent{ev}, held) {
			report(c.RemoteEvent)
		}

		ev.Synced = true
		ev.SyncAttempts, ev.LastSyncAttempt, ev.SyncError = 0, 0, ""
		s.events[ev.ID] = ev
		s.byVersion[key] = append(s.byVersion[key], ev.ID)
		s.order = append(s.order, ev.ID)
		if ev.Clock > s.clock {
			s.clock = ev.Clock
		}
		resp.Synced = append(resp.Synced, ev.ID)
	}

	if len(resp.Synced) > 0 {
		s.clock++
	}
	clk := s.clock
	resp.Clock = &clk
	return resp
}

// Events returns every accepted event in acceptance order.
func (s *Server) Events() []event.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.DomainEvent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.events[id])
	}
	return out
}

// Clock returns the server's Lamport value.
func (s *Server) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
