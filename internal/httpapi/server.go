// Package httpapi implements the Control Plane (spec §4.8): a small JSON
// HTTP surface for health checks, router capability discovery, call
// session inspection, aggregate stats, and admin-initiated termination,
// grounded on sebacius-switchboard's internal/signaling/api.Server
// generalized from that repo's SIP-registration/dialog resources to this
// gateway's peer/call/media ones.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/gateway/internal/call"
	"github.com/sebas/gateway/internal/gatewayerr"
	"github.com/sebas/gateway/internal/media"
	"github.com/sebas/gateway/internal/peer"
	"github.com/sebas/gateway/internal/workerpool"
)

// Server is the control-plane HTTP API. It registers its routes onto a
// caller-supplied mux rather than owning a listener itself, since spec §6
// names a single PORT shared with the signaling server
// (internal/signaling) — cmd/gateway owns the one http.Server both
// packages register into.
type Server struct {
	peers   *peer.Manager
	calls   *call.Registry
	media   *media.Registry
	workers *workerpool.Pool

	version   string
	startTime time.Time
}

// NewServer registers the control plane's routes on mux, reporting on the
// already-constructed gateway components passed in.
func NewServer(mux *http.ServeMux, version string, peers *peer.Manager, calls *call.Registry, mediaRegistry *media.Registry, workers *workerpool.Pool) *Server {
	s := &Server{
		peers:     peers,
		calls:     calls,
		media:     mediaRegistry,
		workers:   workers,
		version:   version,
		startTime: time.Now(),
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/capabilities/", s.handleCapabilities)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/agent/", s.handleStatsByAgent)
	mux.HandleFunc("/info", s.handleInfo)

	return s
}

// --- Health & info ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mstats := s.media.Snapshot()
	wstats := s.workers.Snapshot()

	status := "ok"
	if wstats.Healthy == 0 {
		status = "degraded"
	}
	respondOK(w, http.StatusOK, map[string]any{
		"status":             status,
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"peers":              s.peers.PeerCount(),
		"workers_total":      wstats.Total,
		"workers_healthy":    wstats.Healthy,
		"routers":            mstats.Routers,
		"transports":         mstats.Transports,
		"producers":          mstats.Producers,
		"consumers":          mstats.Consumers,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondOK(w, http.StatusOK, map[string]any{
		"service": "gateway",
		"version": s.version,
		"started": s.startTime.UTC().Format(time.RFC3339),
	})
}

// --- Capabilities ---

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	tenant := strings.TrimPrefix(r.URL.Path, "/capabilities/")
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant required")
		return
	}
	router, err := s.media.GetOrCreateRouter(tenant)
	if err != nil {
		respondGatewayError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"capabilities": router.Capabilities})
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	agent := r.URL.Query().Get("agent")
	tenant := r.URL.Query().Get("tenant")
	snaps := s.calls.All(agent, tenant)
	if snaps == nil {
		snaps = []call.Snapshot{}
	}
	respondOK(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	callID, action, hasAction := strings.Cut(rest, "/")
	if callID == "" {
		respondError(w, http.StatusBadRequest, "call_id required")
		return
	}

	if hasAction {
		if action != "terminate" || r.Method != http.MethodPost {
			respondError(w, http.StatusBadRequest, "unsupported sub-resource")
			return
		}
		s.handleTerminate(w, r, callID)
		return
	}

	if r.Method != http.MethodGet {
		respondError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	session, ok := s.calls.Get(callID)
	if !ok {
		respondError(w, http.StatusNotFound, "call session not found")
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"session": session.ToSnapshot()})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request, callID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.peers.AdminTerminate(ctx, callID); err != nil {
		respondGatewayError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{"call_id": callID, "terminated": true})
}

// --- Stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	mstats := s.media.Snapshot()
	wstats := s.workers.Snapshot()
	sessions := s.calls.All("", "")
	active := 0
	for _, sess := range sessions {
		if !isTerminalState(sess.State) {
			active++
		}
	}
	respondOK(w, http.StatusOK, map[string]any{
		"peers":            s.peers.PeerCount(),
		"total_sessions":   len(sessions),
		"active_sessions":  active,
		"workers_total":    wstats.Total,
		"workers_healthy":  wstats.Healthy,
		"routers":          mstats.Routers,
		"transports":       mstats.Transports,
		"producers":        mstats.Producers,
		"consumers":        mstats.Consumers,
	})
}

func (s *Server) handleStatsByAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	agent := strings.TrimPrefix(r.URL.Path, "/stats/agent/")
	if agent == "" {
		respondError(w, http.StatusBadRequest, "agent required")
		return
	}
	sessions := s.calls.All(agent, "")
	active := 0
	for _, sess := range sessions {
		if !isTerminalState(sess.State) {
			active++
		}
	}
	respondOK(w, http.StatusOK, map[string]any{
		"agent":            agent,
		"total_sessions":   len(sessions),
		"active_sessions":  active,
	})
}

func isTerminalState(state string) bool {
	return state == "ended" || state == "failed"
}

// --- Response helpers ---

func respondOK(w http.ResponseWriter, status int, data map[string]any) {
	data["success"] = true
	writeJSON(w, status, data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// respondGatewayError maps a *gatewayerr.Error to the HTTP status the
// external interface documents (404 for not-found codes, 400 for
// state-violation codes, 503 when no worker is available, 500 otherwise).
func respondGatewayError(w http.ResponseWriter, err error) {
	gerr := gatewayerr.As(err)
	status := http.StatusInternalServerError
	switch gerr.Code {
	case gatewayerr.CodePeerNotFound, gatewayerr.CodeCallNotFound, gatewayerr.CodeTransportNotFound, gatewayerr.CodeProducerNotFound:
		status = http.StatusNotFound
	case gatewayerr.CodeBusy, gatewayerr.CodeNotEstablished, gatewayerr.CodeAlreadyTerminated, gatewayerr.CodeAlreadyConnected, gatewayerr.CodeInvalidPhoneNumber, gatewayerr.CodeIncompatibleCapabilities:
		status = http.StatusBadRequest
	case gatewayerr.CodeMediaWorkerLost, gatewayerr.CodeTransportUnavailable, gatewayerr.CodeWorkerSpawnFailed:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"success": false, "error": gerr.ToWire()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] failed to encode JSON response", "error", err)
	}
}
