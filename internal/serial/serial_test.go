package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/testutil/testlog"
)

// fakePort stands in for a device. Tests write what the touchscreen sends
// through feed and read replies from written.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	out      bytes.Buffer
	writeErr error
	closed   bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *fakePort) feed(s string) {
	_, _ = p.w.Write([]byte(s))
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

type recordingGate struct {
	mu     sync.Mutex
	down   bool
	faults []error
}

func (g *recordingGate) Check() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return faults.Reject(faults.ErrTransportUnavailable, "serial-down")
	}
	return nil
}

func (g *recordingGate) ReportFault(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = append(g.faults, err)
}

func (g *recordingGate) faultCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.faults)
}

type portQueue struct {
	mu    sync.Mutex
	ports []*fakePort
	opens []string
}

func (q *portQueue) open(device string, baud int, _ time.Duration) (io.ReadWriteCloser, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opens = append(q.opens, device)
	if len(q.ports) == 0 {
		return nil, errors.New("no such device")
	}
	p := q.ports[0]
	q.ports = q.ports[1:]
	return p, nil
}

func readLine(t *testing.T, tr *Transport) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	line, err := tr.ReadLine(ctx)
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return line
}

func TestFramerSplitsAndDropsEmpty(t *testing.T) {
	testlog.Start(t)

	f := NewFramer(0)
	got := f.Feed([]byte("G28\r\n\r\nM105\nM11"))
	if len(got) != 2 || got[0] != "G28" || got[1] != "M105" {
		t.Fatalf("unexpected lines: %q", got)
	}
	if f.Pending() != 3 {
		t.Fatalf("unexpected pending: %d", f.Pending())
	}
	got = f.Feed([]byte("4\n"))
	if len(got) != 1 || got[0] != "M114" {
		t.Fatalf("unexpected continuation: %q", got)
	}
}

func TestFramerOverflowTruncates(t *testing.T) {
	testlog.Start(t)

	f := NewFramer(8)
	got := f.Feed([]byte(strings.Repeat("x", 20) + "\nG28\n"))
	if len(got) != 2 || got[0] != "xxxxxxxx" || got[1] != "G28" {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestTransportReadsAndWrites(t *testing.T) {
	testlog.Start(t)

	port := newFakePort()
	q := &portQueue{ports: []*fakePort{port}}
	tr, err := New(Config{Device: "/dev/ttyUSB0"}, q.open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	go port.feed("G28\nM105\n")
	if got := readLine(t, tr); got != "G28" {
		t.Fatalf("unexpected line: %q", got)
	}
	if got := readLine(t, tr); got != "M105" {
		t.Fatalf("unexpected line: %q", got)
	}
	if err := tr.WriteLines("ok", "ok T:0.0 /0.0 B:0.0 /0.0"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := port.written(); got != "ok\nok T:0.0 /0.0 B:0.0 /0.0\n" {
		t.Fatalf("unexpected output: %q", got)
	}
	st := tr.Stats()
	if st.LinesRead != 2 || st.LinesWritten != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestTransportReadFaultDiscardsPartialLine(t *testing.T) {
	testlog.Start(t)

	first, second := newFakePort(), newFakePort()
	q := &portQueue{ports: []*fakePort{first, second}}
	tr, err := New(Config{Device: "/dev/ttyACM0"}, q.open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	gate := &recordingGate{}
	tr.SetGate(gate)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	go func() {
		first.feed("M10")
		first.w.CloseWithError(errors.New("unplugged"))
	}()
	deadline := time.Now().Add(2 * time.Second)
	for gate.faultCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("read fault not reported")
		}
		time.Sleep(time.Millisecond)
	}

	// what the supervisor does on a fault
	_ = tr.Close()
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr.Close()
	go second.feed("5\nG28\n")
	if got := readLine(t, tr); got != "5" {
		t.Fatalf("partial line leaked across reconnect: %q", got)
	}
	if got := readLine(t, tr); got != "G28" {
		t.Fatalf("unexpected line: %q", got)
	}
	if gate.faultCount() != 1 {
		t.Fatalf("close should not report a fault: %d", gate.faultCount())
	}
}

func TestTransportWriteFailsFast(t *testing.T) {
	testlog.Start(t)

	port := newFakePort()
	q := &portQueue{ports: []*fakePort{port}}
	tr, err := New(Config{Device: "/dev/ttyUSB0"}, q.open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.WriteLines("ok"); !errors.Is(err, faults.ErrTransportUnavailable) {
		t.Fatalf("write before open should be unavailable: %v", err)
	}

	gate := &recordingGate{}
	tr.SetGate(gate)
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	port.mu.Lock()
	port.writeErr = errors.New("i/o error")
	port.mu.Unlock()
	if err := tr.WriteLines("ok"); faults.KindOf(err) != faults.KindTransportUnavailable {
		t.Fatalf("unexpected write error: %v", err)
	}
	if gate.faultCount() != 1 {
		t.Fatalf("write fault not reported")
	}

	gate.mu.Lock()
	gate.down = true
	gate.mu.Unlock()
	if err := tr.WriteLines("ok"); faults.KindOf(err) != faults.KindTransportUnavailable {
		t.Fatalf("closed gate should fail fast: %v", err)
	}
}

func TestLinesIteratorRestarts(t *testing.T) {
	testlog.Start(t)

	port := newFakePort()
	q := &portQueue{ports: []*fakePort{port}}
	tr, err := New(Config{Device: "/dev/ttyUSB0"}, q.open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()
	go port.feed("G1 X1\nG1 X2\nG1 X3\n")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []string
	for line := range tr.Lines(ctx) {
		got = append(got, line)
		if len(got) == 1 {
			break
		}
	}
	for line := range tr.Lines(ctx) {
		got = append(got, line)
		if len(got) == 3 {
			break
		}
	}
	if strings.Join(got, ",") != "G1 X1,G1 X2,G1 X3" {
		t.Fatalf("unexpected lines: %q", got)
	}
}

func TestAutoDetectOpensPickedDevice(t *testing.T) {
	testlog.Start(t)

	q := &portQueue{ports: []*fakePort{newFakePort()}}
	tr, err := New(Config{AutoDetect: true}, q.open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.detect = func() (string, error) {
		return PickDevice([]string{"/dev/ttyS0", "/dev/ttyACM1", "/dev/ttyUSB3"})
	}
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()
	if tr.Device() != "/dev/ttyUSB3" {
		t.Fatalf("unexpected device: %q", tr.Device())
	}
}

func TestPickDevice(t *testing.T) {
	testlog.Start(t)

	if got, err := PickDevice([]string{"/dev/ttyACM0", "/dev/ttyS0"}); err != nil || got != "/dev/ttyACM0" {
		t.Fatalf("unexpected pick: %q %v", got, err)
	}
	if _, err := PickDevice([]string{"/dev/ttyS0"}); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected no device, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	if _, err := New(Config{}, nil); !errors.Is(err, ErrDeviceRequired) {
		t.Fatalf("expected device required, got %v", err)
	}
	if _, err := New(Config{Device: "/dev/ttyUSB0", Baud: 12345}, nil); !errors.Is(err, ErrUnsupportedBaud) {
		t.Fatalf("expected unsupported baud, got %v", err)
	}
	if cfg := (Config{Device: "/dev/ttyUSB0"}).WithDefaults(); cfg.Baud != DefaultBaud {
		t.Fatalf("unexpected default baud: %d", cfg.Baud)
	}
}
