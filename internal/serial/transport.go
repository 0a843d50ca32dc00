// Package serial owns the touchscreen device link.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaud        = 250000
	DefaultReadTimeout = 100 * time.Millisecond
	readChunk          = 256
)

// SupportedBauds are the rates accepted from configuration.
var SupportedBauds = []int{9600, 19200, 38400, 57600, 115200, 230400, 250000, 460800, 921600}

var (
	ErrDeviceRequired  = errors.New("serial: device required")
	ErrUnsupportedBaud = errors.New("serial: unsupported baud rate")
	ErrNotOpen         = errors.New("serial: not open")
)

// Opener opens the raw device.
type Opener func(device string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error)

// Gate reports link availability and receives faults. *supervisor.Supervised
// satisfies it.
type Gate interface {
	Check() error
	ReportFault(err error)
}

type Config struct {
	Device      string
	Baud        int
	AutoDetect  bool
	ReadTimeout time.Duration
	MaxFrame    int
}

func DefaultConfig() Config {
	return Config{
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
		MaxFrame:    DefaultMaxFrame,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Device = strings.TrimSpace(c.Device)
	if c.Baud == 0 {
		c.Baud = def.Baud
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = def.MaxFrame
	}
	return c
}

func (c Config) Validate() error {
	if c.Device == "" && !c.AutoDetect {
		return ErrDeviceRequired
	}
	if !ValidBaud(c.Baud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, c.Baud)
	}
	return nil
}

func ValidBaud(baud int) bool {
	for _, b := range SupportedBauds {
		if b == baud {
			return true
		}
	}
	return false
}

// conn is one opened device. Its reader goroutine owns the framer.
type conn struct {
	gen    uint64
	device string
	port   io.ReadWriteCloser
	done   chan struct{}
	closed atomic.Bool
}

// Transport reads complete lines from the device and writes replies. After a
// read or write error it reports a fault and yields nothing until the
// supervisor opens the device again.
type Transport struct {
	cfg    Config
	opener Opener
	detect func() (string, error)

	mu   sync.Mutex
	cur  *conn
	gen  uint64
	gate Gate

	writeMu sync.Mutex
	lines   chan string

	linesRead    atomic.Uint64
	linesWritten atomic.Uint64
}

func New(cfg Config, opener Opener) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opener == nil {
		opener = OpenDevice
	}
	return &Transport{
		cfg:    cfg,
		opener: opener,
		detect: AutoDetect,
		lines:  make(chan string),
	}, nil
}

func (t *Transport) Name() string {
	return "serial"
}

func (t *Transport) SetGate(g Gate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gate = g
}

// Device returns the path of the open device, or the configured one.
func (t *Transport) Device() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != nil {
		return t.cur.device
	}
	return t.cfg.Device
}

// Open opens the device and starts framing lines. It satisfies
// supervisor.Link.
func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	device := t.cfg.Device
	if t.cfg.AutoDetect {
		found, err := t.detect()
		if err != nil {
			return err
		}
		device = found
	}
	port, err := t.opener(device, t.cfg.Baud, t.cfg.ReadTimeout)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", device, err)
	}

	t.mu.Lock()
	prev := t.cur
	t.gen++
	c := &conn{gen: t.gen, device: device, port: port, done: make(chan struct{})}
	t.cur = c
	t.mu.Unlock()
	if prev != nil {
		t.closeConn(prev)
	}

	go t.readLoop(c)
	log.Info().Msgf("serial.Transport.Open device=%s baud=%d gen=%d", device, t.cfg.Baud, c.gen)
	return nil
}

// Close closes the current device. Partial input is discarded with it.
func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.cur
	t.cur = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return t.closeConn(c)
}

func (t *Transport) closeConn(c *conn) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.port.Close()
}

func (t *Transport) readLoop(c *conn) {
	framer := NewFramer(t.cfg.MaxFrame)
	buf := make([]byte, readChunk)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			for _, line := range framer.Feed(buf[:n]) {
				select {
				case t.lines <- line:
					t.linesRead.Add(1)
				case <-c.done:
					return
				}
			}
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			if pending := framer.Pending(); pending > 0 {
				log.Warn().Msgf("serial.Transport.readLoop discard partial line bytes=%d gen=%d", pending, c.gen)
			}
			t.fault(c, fmt.Errorf("serial: read: %w", err))
			return
		}
		if c.closed.Load() {
			return
		}
	}
}

// ReadLine blocks until a complete line arrives or ctx ends.
func (t *Transport) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-t.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Lines yields inbound lines until ctx ends. Iteration may stop and restart
// freely; no line is lost between iterations.
func (t *Transport) Lines(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, err := t.ReadLine(ctx)
			if err != nil {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// WriteLines writes each line with a newline terminator. It fails fast when
// the link is not usable.
func (t *Transport) WriteLines(lines ...string) error {
	t.mu.Lock()
	c := t.cur
	g := t.gate
	t.mu.Unlock()
	if g != nil {
		if err := g.Check(); err != nil {
			return err
		}
	}
	if c == nil || c.closed.Load() {
		return fmt.Errorf("%w: %w", faults.ErrTransportUnavailable, ErrNotOpen)
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(c.port, b.String()); err != nil {
		werr := fmt.Errorf("serial: write: %w", err)
		t.fault(c, werr)
		return fmt.Errorf("%w: %w", faults.ErrTransportUnavailable, werr)
	}
	t.linesWritten.Add(uint64(len(lines)))
	return nil
}

// fault reports err for c unless c was already replaced or closed.
func (t *Transport) fault(c *conn, err error) {
	t.mu.Lock()
	current := t.cur == c
	g := t.gate
	t.mu.Unlock()
	if !current || c.closed.Load() {
		return
	}
	log.Warn().Msgf("serial.Transport.fault device=%s gen=%d err=%v", c.device, c.gen, err)
	if g != nil {
		g.ReportFault(err)
	}
}

// Stats counts lines since construction.
type Stats struct {
	LinesRead    uint64
	LinesWritten uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		LinesRead:    t.linesRead.Load(),
		LinesWritten: t.linesWritten.Load(),
	}
}
