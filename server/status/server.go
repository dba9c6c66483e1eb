// Package status serves a small read-only HTTP surface exposing the
// driver's pending/missing counts and recent round completions, for
// operator debugging. Grounded on storetheindex's server/admin package:
// same net.Listener + http.Server + gorilla/mux shape, trimmed to a single
// unauthenticated read-only surface with no import/admin routes.
package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/filecoin-project/dagdriver/driver"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dagdriver/status")

// Server is the read-only status HTTP server.
type Server struct {
	server *http.Server
	l      net.Listener
}

// New binds listen and registers the status routes against drv. If
// metricsHandler is non-nil (an opencensus prometheus.Exporter, typically)
// it is mounted at /metrics.
func New(listen string, drv *driver.Driver, metricsHandler http.Handler) (*Server, error) {
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter().StrictSlash(true)
	h := &handler{drv: drv}

	r.HandleFunc("/status", h.status).Methods("GET")
	r.HandleFunc("/rounds", h.rounds).Methods("GET")
	r.HandleFunc("/healthcheck", h.healthcheck).Methods("GET")
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler).Methods("GET")
	}

	return &Server{
		server: &http.Server{Handler: r},
		l:      l,
	}, nil
}

// Serve blocks serving the status routes until Shutdown is called.
func (s *Server) Serve() error {
	log.Infow("Status server listening", "addr", s.l.Addr())
	err := s.server.Serve(s.l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type handler struct {
	drv *driver.Driver
}

type statusResponse struct {
	PendingLen int `json:"pendingLen"`
	MissingLen int `json:"missingLen"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.drv.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{
		PendingLen: snap.PendingLen,
		MissingLen: snap.MissingLen,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Errorw("Failed to encode status response", "err", err)
	}
}

// rounds reports the driver's in-memory round-completion log, read via a
// StatusQuery on the event loop rather than directly off the driver's
// recentRounds slice. This is independent of RoundCompletions(), which an
// external ordering layer drains; the status server must not compete with
// that consumer.
func (h *handler) rounds(w http.ResponseWriter, r *http.Request) {
	snap, err := h.drv.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap.RecentRounds); err != nil {
		log.Errorw("Failed to encode rounds response", "err", err)
	}
}

func (h *handler) healthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
