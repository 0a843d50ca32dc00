// Package moonrakertest serves a small in-memory imitation of the Moonraker
// API for tests.
package moonrakertest

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Server records every call it receives. Behavior can be changed at any time
// from the test goroutine.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	scripts     []string
	actions     []string
	requests    int
	macros      []string
	status      map[string]map[string]any
	unavailable int
	scriptErrs  map[string]string
	delay       time.Duration
	conns       map[*websocket.Conn]struct{}
	subscribes  int
	upgrader    websocket.Upgrader
}

// New starts a plain HTTP server that is closed with the test.
func New(t testing.TB) *Server {
	t.Helper()
	s := newServer()
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// NewTLS starts an HTTPS server using cfg.
func NewTLS(t testing.TB, cfg *tls.Config) *Server {
	t.Helper()
	s := newServer()
	s.Server = httptest.NewUnstartedServer(s.routes())
	s.Server.TLS = cfg
	s.StartTLS()
	t.Cleanup(s.Close)
	return s
}

func newServer() *Server {
	return &Server{
		macros:     []string{"LOAD_FILAMENT", "UNLOAD_FILAMENT", "PAUSE", "RESUME", "CANCEL_PRINT"},
		scriptErrs: make(map[string]string),
		conns:      make(map[*websocket.Conn]struct{}),
		status: map[string]map[string]any{
			"extruder":       {"temperature": 209.96, "target": 210.0},
			"heater_bed":     {"temperature": 60.0, "target": 60.0},
			"toolhead":       {"position": []float64{10, 20, 0.3, 1.5}},
			"print_stats":    {"state": "standby", "filename": ""},
			"display_status": {"progress": 0.0},
		},
	}
}

// HostPort splits the listener address for client configuration.
func (s *Server) HostPort(t testing.TB) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func (s *Server) SetMacros(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.macros = append([]string(nil), names...)
}

// FailNext answers the next n HTTP requests with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = n
}

// RejectScript answers script with a 400 carrying message.
func (s *Server) RejectScript(script, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scriptErrs[script] = message
}

// SetDelay holds every HTTP reply for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Server) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scripts...)
}

// Actions lists print control paths in arrival order, e.g. "start benchy.gcode".
func (s *Server) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) Subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribes
}

// Push merges fields into object and notifies subscribers with only the
// changed fields.
func (s *Server) Push(object string, fields map[string]any) {
	s.mu.Lock()
	cur, ok := s.status[object]
	if !ok {
		cur = make(map[string]any)
		s.status[object] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
	conns := s.connList()
	s.mu.Unlock()

	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_status_update",
		"params":  []any{map[string]any{object: fields}, 1234.5},
	}
	for _, c := range conns {
		_ = c.WriteJSON(msg)
	}
}

// Notify sends a parameterless notification such as notify_klippy_shutdown.
func (s *Server) Notify(method string) {
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": method})
	}
}

// DropSubscribers closes every websocket session.
func (s *Server) DropSubscribers() {
	s.mu.Lock()
	conns := s.connList()
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) connList() []*websocket.Conn {
	out := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/printer/info", s.guard(s.handleInfo))
	mux.HandleFunc("/printer/objects/query", s.guard(s.handleQuery))
	mux.HandleFunc("/printer/gcode/script", s.guard(s.handleScript))
	mux.HandleFunc("/printer/print/", s.guard(s.handlePrint))
	mux.HandleFunc("/websocket", s.handleWebsocket)
	return mux
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		delay := s.delay
		fail := s.unavailable > 0
		if fail {
			s.unavailable--
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail {
			writeError(w, http.StatusServiceUnavailable, "Klippy Host not connected")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeResult(w, map[string]any{"state": "ready", "state_message": "Printer is ready", "hostname": "test"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	for key := range r.URL.Query() {
		if key == "configfile" {
			settings := make(map[string]any)
			for _, name := range s.macros {
				settings["gcode_macro "+strings.ToLower(name)] = map[string]any{"gcode": "\nM117 " + name}
			}
			settings["printer"] = map[string]any{"kinematics": "cartesian"}
			out["configfile"] = map[string]any{"settings": settings}
			continue
		}
		if obj, ok := s.status[key]; ok {
			out[key] = obj
		}
	}
	writeResult(w, map[string]any{"eventtime": 1234.5, "status": out})
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Script string `json:"script"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	s.scripts = append(s.scripts, body.Script)
	msg, reject := s.scriptErrs[body.Script]
	s.mu.Unlock()
	if reject {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	writeResult(w, "ok")
}

func (s *Server) handlePrint(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/printer/print/")
	if action == "start" {
		var body struct {
			Filename string `json:"filename"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		action += " " + body.Filename
	}
	s.mu.Lock()
	s.actions = append(s.actions, action)
	s.mu.Unlock()
	writeResult(w, "ok")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var req struct {
		Method string          `json:"method"`
		ID     json.RawMessage `json:"id"`
	}
	if err := conn.ReadJSON(&req); err != nil || req.Method != "printer.objects.subscribe" {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.subscribes++
	snapshot := make(map[string]any, len(s.status))
	for k, v := range s.status {
		fields := make(map[string]any, len(v))
		for fk, fv := range v {
			fields[fk] = fv
		}
		snapshot[k] = fields
	}
	err = conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"eventtime": 1234.5, "status": snapshot},
	})
	if err == nil {
		s.conns[conn] = struct{}{}
	}
	s.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}

	// drain until the client goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": message}})
}
