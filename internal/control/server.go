// Package control implements the bearer-token-authenticated administration
// HTTP endpoint (§6 "Administrative endpoint"): a thin external surface
// over the session registry's operations.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/tuicd/internal/registry"
	"github.com/postalsys/tuicd/internal/userid"
)

// ServerConfig contains admin server configuration.
type ServerConfig struct {
	Address      string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:9443",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	cfg      ServerConfig
	registry *registry.Registry
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates an admin server backed by reg.
func NewServer(cfg ServerConfig, reg *registry.Registry) *Server {
	s := &Server{cfg: cfg, registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/online", s.authenticated(s.handleOnline))
	mux.HandleFunc("/detailed_online", s.authenticated(s.handleDetailedOnline))
	mux.HandleFunc("/kick", s.authenticated(s.handleKick))
	mux.HandleFunc("/traffic", s.authenticated(s.handleTraffic))
	mux.HandleFunc("/reset_traffic", s.authenticated(s.handleResetTraffic))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)
	go s.server.Serve(ln)
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// IsRunning reports whether the admin server is serving.
func (s *Server) IsRunning() bool { return s.running.Load() }

// authenticated wraps a handler with bearer-token verification. A missing
// or mismatched token returns 401 without invoking the handler.
func (s *Server) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if s.cfg.Token == "" || len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// onlineUser is one row of /online and /detailed_online.
type onlineUser struct {
	User   string `json:"user"`
	Online int    `json:"online"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summaries := s.registry.Enumerate()
	out := make([]onlineUser, 0, len(summaries))
	for _, s := range summaries {
		if s.Online == 0 {
			continue
		}
		out = append(out, onlineUser{User: s.User.String(), Online: s.Online})
	}
	writeJSON(w, out)
}

// detailedUser is one row of /detailed_online, including endpoints.
type detailedUser struct {
	User      string   `json:"user"`
	Online    int      `json:"online"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) handleDetailedOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summaries := s.registry.Enumerate()
	out := make([]detailedUser, 0, len(summaries))
	for _, s := range summaries {
		if s.Online == 0 {
			continue
		}
		eps := s.Endpoints
		if eps == nil {
			eps = []string{}
		}
		out = append(out, detailedUser{User: s.User.String(), Online: s.Online, Endpoints: eps})
	}
	writeJSON(w, out)
}

// kickResponse reports how many connections were closed.
type kickResponse struct {
	Closed int `json:"closed"`
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var raw []string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "invalid body: expected a JSON array of user uuids", http.StatusBadRequest)
		return
	}

	users := make([]userid.UUID, 0, len(raw))
	for _, u := range raw {
		id, err := userid.Parse(u)
		if err != nil {
			http.Error(w, "invalid user uuid: "+u, http.StatusBadRequest)
			return
		}
		users = append(users, id)
	}

	closed := s.registry.Kick(users)
	writeJSON(w, kickResponse{Closed: closed})
}

// trafficUser reports one user's traffic totals, with a humanized summary
// string for operators reading the response by eye.
type trafficUser struct {
	User      string `json:"user"`
	TCPTx     uint64 `json:"tcp_tx"`
	TCPRx     uint64 `json:"tcp_rx"`
	UDPTx     uint64 `json:"udp_tx"`
	UDPRx     uint64 `json:"udp_rx"`
	TotalText string `json:"total"`
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summaries := s.registry.Enumerate()
	out := make([]trafficUser, 0, len(summaries))
	for _, s := range summaries {
		total := s.Traffic.TCPTx + s.Traffic.TCPRx + s.Traffic.UDPTx + s.Traffic.UDPRx
		out = append(out, trafficUser{
			User:      s.User.String(),
			TCPTx:     s.Traffic.TCPTx,
			TCPRx:     s.Traffic.TCPRx,
			UDPTx:     s.Traffic.UDPTx,
			UDPRx:     s.Traffic.UDPRx,
			TotalText: humanize.Bytes(total),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.registry.ResetTraffic()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
