package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"DroneLink/internal/drone"
	"DroneLink/internal/logger"
	"DroneLink/internal/mavlink"
	"DroneLink/internal/metrics"
)

//go:embed static/*
var staticFiles embed.FS

const maxRecentAcks = 50

// Drone is what the web layer needs from the drone controller
type Drone interface {
	State() drone.Snapshot
	Target() mavlink.Identity
	OnAck(fn func(drone.Ack))
	Arm() (*drone.Pending, error)
	Disarm() (*drone.Pending, error)
	Takeoff(altitude float32) (*drone.Pending, error)
	Land() (*drone.Pending, error)
	SetMode(baseMode uint8, customMode uint32) (*drone.Pending, error)
}

// Options configure the web server
type Options struct {
	Port              int
	AllowedOrigins    []string
	TelemetryInterval time.Duration
	AckTimeout        time.Duration
}

// ConnectionStatus represents the current connection state
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	SystemID  uint8  `json:"systemId"`
	Message   string `json:"message"`
}

// TakeoffRequest is the body of POST /api/drone/takeoff
type TakeoffRequest struct {
	Altitude float32 `json:"altitude"`
}

// ModeRequest is the body of POST /api/drone/mode
type ModeRequest struct {
	BaseMode   uint8  `json:"baseMode"`
	CustomMode uint32 `json:"customMode"`
}

// CommandResponse is returned by every command endpoint
type CommandResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Command string     `json:"command"`
	Ack     *drone.Ack `json:"ack,omitempty"`
}

// TelemetryEvent is pushed to websocket clients
type TelemetryEvent struct {
	Type  string          `json:"type"` // "state" or "ack"
	Time  time.Time       `json:"time"`
	State *drone.Snapshot `json:"state,omitempty"`
	Ack   *drone.Ack      `json:"ack,omitempty"`
}

// Server exposes drone state and commands over HTTP and a websocket
type Server struct {
	drone    Drone
	opts     Options
	upgrader websocket.Upgrader
	handler  http.Handler
	http     *http.Server

	acksMu sync.RWMutex
	acks   []drone.Ack

	subsMu sync.Mutex
	subs   map[chan drone.Ack]struct{}
}

// NewServer wires routes for d. Call Start to listen.
func NewServer(d Drone, opts Options) *Server {
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = 500 * time.Millisecond
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		drone: d,
		opts:  opts,
		subs:  make(map[chan drone.Ack]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	d.OnAck(s.recordAck)

	mux := http.NewServeMux()

	fsys, err := fs.Sub(staticFiles, "static")
	if err != nil {
		logger.Fatal("[WEB] static files: %v", err)
	}
	fileServer := http.FileServer(http.FS(fsys))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/dashboard.html", http.StatusFound)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fileServer.ServeHTTP(w, r)
	})

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Global.GetSnapshot())
	})
	mux.HandleFunc("GET /api/connection", s.connection)
	mux.HandleFunc("GET /api/drone/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.drone.State())
	})
	mux.HandleFunc("GET /api/drone/acks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.RecentAcks())
	})

	mux.HandleFunc("POST /api/drone/arm", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, "ARM", s.drone.Arm)
	})
	mux.HandleFunc("POST /api/drone/disarm", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, "DISARM", s.drone.Disarm)
	})
	mux.HandleFunc("POST /api/drone/land", func(w http.ResponseWriter, r *http.Request) {
		s.command(w, r, "LAND", s.drone.Land)
	})
	mux.HandleFunc("POST /api/drone/takeoff", s.takeoff)
	mux.HandleFunc("POST /api/drone/mode", s.setMode)

	mux.HandleFunc("GET /ws/telemetry", s.telemetry)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(mux)
	return s
}

// Handler returns the root handler, CORS included
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured port in the background
func (s *Server) Start() {
	s.http = &http.Server{
		Addr:              ":" + strconv.Itoa(s.opts.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("[WEB] 🌐 Web server starting on http://0.0.0.0:%d", s.opts.Port)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("[WEB] Web server error: %v", err)
		}
	}()
}

// Shutdown stops the listener and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// RecentAcks returns the latest acknowledgements, oldest first
func (s *Server) RecentAcks() []drone.Ack {
	s.acksMu.RLock()
	defer s.acksMu.RUnlock()
	return append([]drone.Ack{}, s.acks...)
}

func (s *Server) recordAck(ack drone.Ack) {
	s.acksMu.Lock()
	s.acks = append(s.acks, ack)
	if len(s.acks) > maxRecentAcks {
		s.acks = s.acks[len(s.acks)-maxRecentAcks:]
	}
	s.acksMu.Unlock()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ack:
		default:
		}
	}
}

func (s *Server) subscribe() (chan drone.Ack, func()) {
	ch := make(chan drone.Ack, 16)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) connection(w http.ResponseWriter, r *http.Request) {
	snap := s.drone.State()
	status := ConnectionStatus{
		Connected: snap.Connected,
		SystemID:  s.drone.Target().SystemID,
		Message:   "Waiting for drone heartbeat...",
	}
	if snap.Connected {
		status.Message = fmt.Sprintf("Connected to drone (System ID: %d)", snap.Peer.SystemID)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) takeoff(w http.ResponseWriter, r *http.Request) {
	var req TakeoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Altitude <= 0 {
		http.Error(w, "altitude must be positive", http.StatusBadRequest)
		return
	}
	s.command(w, r, "TAKEOFF", func() (*drone.Pending, error) {
		return s.drone.Takeoff(req.Altitude)
	})
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	s.command(w, r, "SET_MODE", func() (*drone.Pending, error) {
		return s.drone.SetMode(req.BaseMode, req.CustomMode)
	})
}

// command submits via send. With ?wait=true the response carries the ack.
func (s *Server) command(w http.ResponseWriter, r *http.Request, name string, send func() (*drone.Pending, error)) {
	logger.Info("[WEB] Command request: %s", name)

	p, err := send()
	if err != nil {
		writeJSON(w, http.StatusBadGateway, CommandResponse{Command: name, Message: err.Error()})
		return
	}

	resp := CommandResponse{Success: true, Command: name, Message: "command sent"}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.AckTimeout)
	defer cancel()
	ack, err := p.Wait(ctx)
	if err != nil {
		resp.Success = false
		resp.Message = err.Error()
		writeJSON(w, http.StatusGatewayTimeout, resp)
		return
	}
	resp.Ack = &ack
	resp.Success = ack.Result == drone.AckAccepted
	resp.Message = ack.Status
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) telemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[WEB] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	acks, unsub := s.subscribe()
	defer unsub()

	// reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.TelemetryInterval)
	defer ticker.Stop()

	push := func(evt TelemetryEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(evt); err != nil {
			logger.Debug("[WEB] websocket write: %v", err)
			return false
		}
		return true
	}

	snap := s.drone.State()
	if !push(TelemetryEvent{Type: "state", Time: time.Now(), State: &snap}) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case ack := <-acks:
			if !push(TelemetryEvent{Type: "ack", Time: time.Now(), Ack: &ack}) {
				return
			}
		case now := <-ticker.C:
			snap := s.drone.State()
			if !push(TelemetryEvent{Type: "state", Time: now, State: &snap}) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
