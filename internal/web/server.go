// Package web is the HTTP surface: the setup page, status, network scan,
// join and update preparation, plus a websocket stream of the status body.
package web

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/r0bb10/dualnet-controller/internal/controller"
	"github.com/r0bb10/dualnet-controller/internal/link"
	"github.com/r0bb10/dualnet-controller/internal/ota"
)

const pushInterval = time.Second

// indexHTML is the setup page a user on the fallback network opens to pick
// a network and enter its password.
//
//go:embed index.html
var indexHTML []byte

var ErrStopped = errors.New("http server stopped")

// Backend is the controller's control surface.
type Backend interface {
	Snapshot() controller.Snapshot
	Networks(ctx context.Context) ([]link.Network, error)
	RequestJoin(ctx context.Context, ssid, password string) (link.JoinOutcome, error)
	RequestPrepareUpdate(ctx context.Context) error
}

type Server struct {
	addr    string
	backend Backend
	hub     *Hub
	mux     *http.ServeMux

	mu      sync.Mutex
	srv     *http.Server
	addrNet net.Addr
	stopped bool
	quit    chan struct{}
}

func NewServer(addr string, backend Backend) *Server {
	s := &Server{
		addr:    addr,
		backend: backend,
		hub:     newHub(),
		mux:     http.NewServeMux(),
		quit:    make(chan struct{}),
	}
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /scan", s.handleScan)
	s.mux.HandleFunc("/connect", s.handleConnect)
	s.mux.HandleFunc("/prepare-ota", s.handlePrepareOTA)
	s.mux.HandleFunc("GET /ws", s.hub.serveWs)
	go s.hub.run()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// Start listens and serves in the background, and starts the websocket
// status push.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	s.addrNet = ln.Addr()

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}(s.srv)
	go s.push()
	log.Printf("HTTP server listening on %s", ln.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrNet
}

// Stop drops the listening socket and every open connection, websockets
// included. It does not wait for in-flight handlers: one of them may be
// waiting on the caller. A stopped server cannot be restarted.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.srv
	close(s.quit)
	s.mu.Unlock()

	s.hub.stop()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (s *Server) push() {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			body, err := json.Marshal(newStatusBody(s.backend.Snapshot()))
			if err != nil {
				log.Printf("Status encode failed: %v", err)
				continue
			}
			s.hub.publish(body)
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(indexHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStatusBody(s.backend.Snapshot()))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	log.Printf("WiFi scan requested")
	networks, err := s.backend.Networks(r.Context())
	if err != nil {
		log.Printf("Scan failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Scan failed"})
		return
	}
	if networks == nil {
		networks = []link.Network{}
	}
	log.Printf("Sent %d unique networks to client", len(networks))
	writeJSON(w, http.StatusOK, networks)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Missing SSID or password", http.StatusBadRequest)
		return
	}
	ssid := r.Form.Get("ssid")
	_, hasPassword := r.Form["password"]
	if ssid == "" || !hasPassword {
		http.Error(w, "Missing SSID or password", http.StatusBadRequest)
		return
	}

	log.Printf("Received connection request for %q", ssid)
	outcome, err := s.backend.RequestJoin(r.Context(), ssid, r.Form.Get("password"))
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"status": "error", "message": err.Error()})
		return
	}
	resp := map[string]any{"status": "success", "ssid": ssid, "connected": outcome.Joined}
	if outcome.Joined {
		resp["ip"] = outcome.Address.String()
		resp["rssi"] = outcome.Signal
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrepareOTA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log.Printf("Prepare OTA endpoint called")
	if err := s.backend.RequestPrepareUpdate(r.Context()); err != nil {
		writeJSON(w, statusFor(err), map[string]any{"status": "error", "message": err.Error(), "otaPrepared": false})
		return
	}
	window := s.backend.Snapshot().PrepWindow
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"message":     fmt.Sprintf("OTA preparation complete. WiFi power save disabled for %d minutes.", int(window/time.Minute)),
		"otaPrepared": true,
		"timeout":     int(window / time.Second),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ota.ErrBusy), errors.Is(err, ota.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Response encode failed: %v", err)
	}
}
