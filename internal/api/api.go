// Package api serves the control endpoints operators and the PBX side use to
// inspect and end calls:
//
//	GET    /calls                      list active calls
//	POST   /calls                      start a call for an RTP client
//	GET    /calls/{clientKey}          one call
//	POST   /calls/{clientKey}/hangup   graceful close
//	DELETE /calls/{clientKey}          force end, discarding queued audio
//
// Errors are JSON objects carrying the request's correlation ID so they can
// be matched against logs and traces.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
)

// ErrUnknownAgent is returned by a [StartFunc] for an agent ID that is not
// configured.
var ErrUnknownAgent = errors.New("api: unknown agent")

// Controller is the part of the orchestrator the API drives.
// *bridge.Orchestrator satisfies it.
type Controller interface {
	Snapshot() []bridge.Info
	CloseConnection(clientKey string) bool
	ForceEndSession(clientKey string) error
}

var _ Controller = (*bridge.Orchestrator)(nil)

// StartRequest is the body of POST /calls.
type StartRequest struct {
	ClientKey string `json:"client_key"`

	// AgentID selects the agent profile. Empty means the default agent.
	AgentID  string `json:"agent_id,omitempty"`
	CallerID string `json:"caller_id,omitempty"`
}

// StartFunc resolves a start request to a call configuration and creates
// the connection.
type StartFunc func(ctx context.Context, req StartRequest) (bridge.Info, error)

// Option configures a [Server].
type Option func(*Server)

// WithStarter enables POST /calls.
func WithStarter(fn StartFunc) Option {
	return func(s *Server) { s.start = fn }
}

// Server handles the control endpoints.
type Server struct {
	calls Controller
	start StartFunc
}

// New returns a Server backed by calls.
func New(calls Controller, opts ...Option) *Server {
	s := &Server{calls: calls}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the control routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /calls", s.handleList)
	if s.start != nil {
		mux.HandleFunc("POST /calls", s.handleStart)
	}
	mux.HandleFunc("GET /calls/{clientKey}", s.handleGet)
	mux.HandleFunc("POST /calls/{clientKey}/hangup", s.handleHangup)
	mux.HandleFunc("DELETE /calls/{clientKey}", s.handleForceEnd)
}

type listResponse struct {
	Count int           `json:"count"`
	Calls []bridge.Info `json:"calls"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.Snapshot()
	if calls == nil {
		calls = []bridge.Info{}
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(calls), Calls: calls})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientKey == "" {
		writeError(w, r, http.StatusBadRequest, "client_key is required")
		return
	}

	info, err := s.start(r.Context(), req)
	if err != nil {
		status := startStatus(err)
		log := observe.Logger(r.Context(), "client_key", req.ClientKey, "agent_id", req.AgentID)
		if status >= http.StatusInternalServerError {
			log.Error("start call failed", "err", err)
		} else {
			log.Info("start call rejected", "status", status, "err", err)
		}
		writeError(w, r, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// startStatus maps a start failure to an HTTP status.
func startStatus(err error) int {
	var verr *config.ValidationError
	switch {
	case errors.Is(err, ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrConnectionExists):
		return http.StatusConflict
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bridge.ErrAtCapacity), errors.Is(err, bridge.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		// Provider connect or session setup failed.
		return http.StatusBadGateway
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("clientKey")
	for _, info := range s.calls.Snapshot() {
		if info.ClientKey == key {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, "call not found")
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("clientKey")
	if !s.calls.CloseConnection(key) {
		writeError(w, r, http.StatusNotFound, "call not found")
		return
	}
	observe.Logger(r.Context()).Info("call hung up via api", "client_key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceEnd(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("clientKey")
	err := s.calls.ForceEndSession(key)
	switch {
	case errors.Is(err, bridge.ErrUnknownConnection):
		writeError(w, r, http.StatusNotFound, "call not found")
		return
	case err != nil:
		observe.Logger(r.Context()).Error("force end failed", "client_key", key, "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to end call: "+err.Error())
		return
	}
	observe.Logger(r.Context()).Info("call force-ended via api", "client_key", key)
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:         msg,
		CorrelationID: observe.CorrelationID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
