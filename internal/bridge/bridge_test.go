package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tftbridge/internal/backend"
	"github.com/danmuck/tftbridge/internal/protocol"
	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/danmuck/tftbridge/internal/ratelimit"
	"github.com/danmuck/tftbridge/internal/serial"
	"github.com/danmuck/tftbridge/internal/supervisor"
	"github.com/danmuck/tftbridge/internal/testutil/moonrakertest"
	"github.com/danmuck/tftbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// screen plays the touchscreen on the far side of the serial link.
type screen struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu  sync.Mutex
	out bytes.Buffer
}

func newScreen() *screen {
	r, w := io.Pipe()
	return &screen{r: r, w: w}
}

func (s *screen) Read(b []byte) (int, error) { return s.r.Read(b) }

func (s *screen) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(b)
}

func (s *screen) Close() error { return s.r.Close() }

func (s *screen) send(line string) {
	_, _ = s.w.Write([]byte(line + "\n"))
}

func (s *screen) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Split(strings.TrimRight(s.out.String(), "\n"), "\n")
}

func (s *screen) received(line string) bool {
	for _, l := range s.lines() {
		if l == line {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, host string, port int, scr *screen) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Serial = serial.Config{Device: "/dev/ttyFAKE0", Baud: serial.DefaultBaud}
	cfg.SerialOpener = func(string, int, time.Duration) (io.ReadWriteCloser, error) {
		return scr, nil
	}
	fast := session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	cfg.SerialReconnect = fast
	cfg.BackendReconnect = fast
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.Backend.Host = host
	cfg.Backend.Port = port
	cfg.Backend.Reconnect = fast
	cfg.Backend.Session = session.Config{
		CallTimeout:    time.Second,
		AttemptTimeout: 500 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
		MaxRetries:     2,
		Backoff:        session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond},
	}
	cfg.RateLimit = ratelimit.Config{Capacity: 1000, RefillInterval: time.Millisecond, QueueSize: 64}
	return cfg
}

func startBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	b, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("bridge did not stop")
		}
	})
	return b
}

func waitReady(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.Ready() && b.Macros() != nil
	}, 5*time.Second, 5*time.Millisecond)
}

func linkState(b *Bridge, name string) supervisor.State {
	for _, snap := range b.Links() {
		if snap.Link == name {
			return snap.State
		}
	}
	return supervisor.Disconnected
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSerialCommandPassesThrough(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	scr := newScreen()
	b := startBridge(t, testConfig(t, host, port, scr))
	waitReady(t, b)

	scr.send("N3 G28 X*104")
	require.Eventually(t, func() bool {
		return len(srv.Scripts()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"G28 X"}, srv.Scripts())
	require.Eventually(t, func() bool { return scr.received("ok") }, 2*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, b.Summary().Commands)
}

func TestMacroResolutionForwardsParams(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	reply := b.Handle(context.Background(), "M701 T0 L50")
	require.Equal(t, []string{"ok"}, reply)
	require.Equal(t, []string{"LOAD_FILAMENT T=0 L=50"}, srv.Scripts())
}

func TestMacroFallsBackToBridgeMacro(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	srv.SetMacros("TFT_LOAD_FILAMENT")
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "M701"))
	require.Equal(t, []string{"TFT_LOAD_FILAMENT"}, srv.Scripts())

	reply := b.Handle(context.Background(), "M702")
	require.Equal(t, []string{"!! no-backend-equivalent"}, reply)
	require.Len(t, srv.Scripts(), 1)
}

func TestBackendDownRepliesBusy(t *testing.T) {
	testlog.Start(t)
	scr := newScreen()
	b := startBridge(t, testConfig(t, "127.0.0.1", closedPort(t), scr))
	require.Eventually(t, func() bool {
		return linkState(b, "serial") == supervisor.Connected
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []string{protocol.BusyLine}, b.Handle(context.Background(), "M701"))
	require.Equal(t, []string{protocol.BusyLine}, b.Handle(context.Background(), "G28"))
	require.Equal(t, []string{"ok T:0.0 /0.0 B:0.0 /0.0"}, b.Handle(context.Background(), "M105"))
	require.False(t, b.Ready())
}

func TestUnsafeFilenameNeverReachesBackend(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	reply := b.Handle(context.Background(), "M23 ../../etc/passwd")
	require.Len(t, reply, 1)
	require.True(t, strings.HasPrefix(reply[0], protocol.ErrorToken), reply[0])
	require.EqualValues(t, 1, b.Summary().Rejected)
	require.Empty(t, srv.Scripts())
	require.Empty(t, srv.Actions())
}

func TestLocalRepliesAndRejections(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), ""))
	require.Equal(t, []string{"echo:Settings are stored in printer.cfg", "ok"}, b.Handle(context.Background(), "M503"))
	require.Equal(t, []string{"!! no-backend-equivalent"}, b.Handle(context.Background(), "M502"))

	reply := b.Handle(context.Background(), "M105")
	require.Equal(t, []string{"ok T:210.0 /210.0 B:60.0 /60.0"}, reply)

	reply = b.Handle(context.Background(), "M114")
	require.Equal(t, []string{"X:10.00 Y:20.00 Z:0.30 E:1.50", "ok"}, reply)

	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "M32 benchy.gcode"))
	require.Equal(t, []string{"start benchy.gcode"}, srv.Actions())
	require.Empty(t, srv.Scripts())
}

func TestBackendRejectionReachesScreen(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	srv.RejectScript("G28", "Must home axis first")
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	require.Equal(t, []string{"!! Must home axis first"}, b.Handle(context.Background(), "G28"))
	require.True(t, b.Ready(), "a rejected command must not take the link down")
}

func TestSDSelectThenStartStaysGcode(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	b := startBridge(t, testConfig(t, host, port, newScreen()))
	waitReady(t, b)

	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "M23 model.gcode"))
	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "M24"))
	require.Equal(t, []string{"M23 model.gcode", "M24"}, srv.Scripts())
	require.Empty(t, srv.Actions())
}

func TestLivenessUnderFlappingBackend(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	cfg := testConfig(t, host, port, newScreen())
	b := startBridge(t, cfg)
	waitReady(t, b)
	limit := cfg.Backend.Session.CallTimeout + 250*time.Millisecond

	var ok, busy, failed int
	defer func() { t.Logf("liveness ok=%d busy=%d failed=%d", ok, busy, failed) }()
	for i := range 1000 {
		if i%100 == 0 {
			srv.FailNext(5)
		}
		start := time.Now()
		reply := b.Handle(context.Background(), "G1 X1 F3000")
		require.Less(t, time.Since(start), limit, "command %d replied late", i)
		require.NotEmpty(t, reply)
		last := reply[len(reply)-1]
		require.True(t, protocol.IsTerminal(last), "command %d ended with %q", i, last)
		switch {
		case last == "ok":
			ok++
		case last == protocol.BusyLine:
			busy++
		default:
			require.True(t, strings.HasPrefix(last, protocol.ErrorToken), last)
			failed++
		}
	}
	require.Positive(t, ok)
	require.EqualValues(t, 1000, b.Summary().Commands)
	require.Empty(t, b.PendingCalls())

	require.Eventually(t, b.Ready, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "G1 X2"))
}

func TestTelemetryReachesScreen(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	scr := newScreen()
	b := startBridge(t, testConfig(t, host, port, scr))
	waitReady(t, b)

	require.Eventually(t, func() bool {
		return scr.received("T:210.0 /210.0 B:60.0 /60.0")
	}, 3*time.Second, 5*time.Millisecond)

	srv.Push("print_stats", map[string]any{"state": "printing", "filename": "benchy.gcode"})
	require.Eventually(t, func() bool {
		return scr.received("//action:print_start")
	}, 3*time.Second, 5*time.Millisecond)
	require.Positive(t, b.Summary().TelemetryLines)
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	srv := moonrakertest.New(t)
	host, port := srv.HostPort(t)
	cfg := testConfig(t, host, port, newScreen())
	cfg.Admin.Token = "s3cret"
	b := startBridge(t, cfg)
	waitReady(t, b)
	router := b.AdminRouter()

	get := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, get("/health", "").Code)
	require.Equal(t, http.StatusUnauthorized, get("/ready", "").Code)
	require.Equal(t, http.StatusOK, get("/ready", "s3cret").Code)
	require.Equal(t, http.StatusOK, get("/metrics", "s3cret").Code)

	rec := get("/macros", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Macros []string `json:"macros"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body.Macros, "LOAD_FILAMENT")

	rec = get("/links", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"link":"backend"`)

	rec = get("/rules", "s3cret")
	require.Contains(t, rec.Body.String(), `"name":"load-filament"`)

	require.Equal(t, http.StatusOK, get("/calls", "s3cret").Code)
	require.Equal(t, http.StatusOK, get("/stats", "s3cret").Code)
}

func TestSimulateSkipsBackend(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, "127.0.0.1", closedPort(t), newScreen())
	cfg.Backend.Simulate = true
	b := startBridge(t, cfg)
	waitReady(t, b)

	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "G28"))
	require.Equal(t, []string{"ok"}, b.Handle(context.Background(), "M701"))
	s := b.Summary()
	require.True(t, s.Simulate)
	require.EqualValues(t, 2, s.Simulated)
}

func TestDefaultConfig(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	require.Equal(t, serial.DefaultBaud, cfg.Serial.Baud)
	require.Equal(t, backend.DefaultPort, cfg.Backend.Port)
	require.Equal(t, DefaultProbeInterval, cfg.ProbeInterval)
	require.Equal(t, 60*time.Second, cfg.SerialReconnect.MaxDelay)
	require.Equal(t, 30*time.Second, cfg.BackendReconnect.MaxDelay)
}

func TestFrameBoundFollowsLineLimit(t *testing.T) {
	testlog.Start(t)
	cfg := Config{}.WithDefaults()
	require.Equal(t, serial.DefaultMaxFrame, cfg.Serial.MaxFrame)

	cfg = Config{Validator: protocol.ValidatorConfig{MaxLineLength: 8192}}.WithDefaults()
	require.Equal(t, 8193, cfg.Serial.MaxFrame)

	long := "M117 " + strings.Repeat("x", 5000)
	framer := serial.NewFramer(cfg.Serial.MaxFrame)
	lines := framer.Feed([]byte(long + "\n"))
	require.Equal(t, []string{long}, lines)
}
