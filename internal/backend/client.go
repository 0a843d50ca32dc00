// Package backend talks to the Moonraker HTTP and WebSocket API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/danmuck/tftbridge/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 7125

	// maxReplyBytes caps a single backend reply body.
	maxReplyBytes = 4 << 20
)

// Gate reports whether the backend link may carry traffic and receives
// transport faults. *supervisor.Supervised satisfies it.
type Gate interface {
	Check() error
	ReportFault(err error)
	WaitConnected(ctx context.Context) error
}

type Config struct {
	Host    string
	Port    int
	APIKey  string
	Session session.Config
	// Reconnect paces websocket resubscription.
	Reconnect session.BackoffConfig
	// Simulate logs calls instead of sending them.
	Simulate bool
}

func DefaultConfig() Config {
	return Config{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Session: session.DefaultConfig(),
		Reconnect: session.BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	c.Session = c.Session.WithDefaults()
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = def.Reconnect
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	return c.Session.ValidateClientTransport()
}

// CallEvent describes one finished call for observers.
type CallEvent struct {
	Request  Request
	Attempts int
	Duration time.Duration
	Err      error
}

// Stats counts client activity since construction.
type Stats struct {
	Calls     uint64
	Failures  uint64
	Retries   uint64
	Simulated uint64
	InFlight  int
}

// Client issues backend calls. All calls made through Call are gated on link
// availability and rate limited; ListMacros and Probe are not, so the link
// supervisor can use them while the link is still being established.
type Client struct {
	cfg     Config
	baseURL *url.URL
	wsURL   *url.URL
	http    *http.Client
	dialer  *websocket.Dialer
	limiter *ratelimit.Limiter
	outbox  *session.CallOutbox
	sim     *simulator

	gateMu sync.RWMutex
	gate   Gate

	rngMu sync.Mutex
	rng   *rand.Rand

	observeMu sync.RWMutex
	observe   func(CallEvent)

	calls    atomic.Uint64
	failures atomic.Uint64
	retries  atomic.Uint64
}

func New(cfg Config, limiter *ratelimit.Limiter) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Host)
	if err != nil {
		return nil, err
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}

	scheme, wsScheme := "http", "ws"
	if tlsCfg != nil {
		scheme, wsScheme = "https", "wss"
	}
	hostPort := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	transport.DialContext = (&net.Dialer{Timeout: cfg.Session.ConnectTimeout}).DialContext
	transport.TLSHandshakeTimeout = cfg.Session.ConnectTimeout

	c := &Client{
		cfg:     cfg,
		baseURL: &url.URL{Scheme: scheme, Host: hostPort},
		wsURL:   &url.URL{Scheme: wsScheme, Host: hostPort, Path: pathWebsocket},
		http:    &http.Client{Transport: transport},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Session.ConnectTimeout,
			TLSClientConfig:  tlsCfg,
		},
		limiter: limiter,
		outbox:  session.NewCallOutbox(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.Simulate {
		c.sim = newSimulator()
	}
	return c, nil
}

func (c *Client) Name() string {
	return "backend"
}

func (c *Client) Config() Config {
	return c.cfg
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// SetGate attaches the link supervisor. A client without a gate is always
// considered available.
func (c *Client) SetGate(g Gate) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	c.gate = g
}

// OnCall registers an observer for finished calls.
func (c *Client) OnCall(fn func(CallEvent)) {
	c.observeMu.Lock()
	defer c.observeMu.Unlock()
	c.observe = fn
}

func (c *Client) Outbox() *session.CallOutbox {
	return c.outbox
}

func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

func (c *Client) Stats() Stats {
	st := Stats{
		Calls:    c.calls.Load(),
		Failures: c.failures.Load(),
		Retries:  c.retries.Load(),
		InFlight: c.outbox.Len(),
	}
	if c.sim != nil {
		st.Simulated = c.sim.count()
	}
	return st
}

// Open probes the backend. It satisfies supervisor.Link.
func (c *Client) Open(ctx context.Context) error {
	if c.sim != nil {
		log.Info().Msgf("backend.Client.Open [simulate] base=%s", c.baseURL)
		return nil
	}
	if err := c.Probe(ctx); err != nil {
		return err
	}
	log.Info().Msgf("backend.Client.Open connected base=%s", c.baseURL)
	return nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Probe checks that the backend answers its info endpoint.
func (c *Client) Probe(ctx context.Context) error {
	if c.sim != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()
	body, err := c.exchange(ctx, http.MethodGet, pathPrinterInfo, "", nil)
	if err != nil {
		return err
	}
	var info printerInfo
	if err := decodeResult(body, &info); err != nil {
		return err
	}
	log.Debug().Msgf("backend.Client.Probe state=%s host=%s", info.State, info.Hostname)
	return nil
}

// ListMacros returns the names of every macro the backend defines.
func (c *Client) ListMacros(ctx context.Context) ([]string, error) {
	if c.sim != nil {
		return c.sim.macros(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Session.CallTimeout)
	defer cancel()
	body, err := c.exchange(ctx, http.MethodGet, pathObjectsQuery, queryString("configfile"), nil)
	if err != nil {
		return nil, err
	}
	var res queryResult
	if err := decodeResult(body, &res); err != nil {
		return nil, err
	}
	if res.Status.Configfile == nil {
		return nil, fmt.Errorf("%w: configfile missing", ErrMalformedReply)
	}
	return macroNames(res.Status.Configfile.Settings), nil
}

// Call performs req with retries. It fails fast when the link is down or the
// limiter refuses, and gives up when ctx ends. A call that exhausts its
// retries on transport errors is reported to the gate as a link fault.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	if err := c.check(); err != nil {
		return Response{}, err
	}
	if err := c.limiter.Admit(ctx); err != nil {
		return Response{}, err
	}
	c.calls.Add(1)
	if c.sim != nil {
		resp := c.sim.call(req)
		c.emit(CallEvent{Request: req, Attempts: 1, Duration: time.Since(started)})
		return resp, nil
	}

	callID := uuid.NewString()
	deadline, _ := ctx.Deadline()
	c.outbox.Upsert(session.PendingCall{
		CallID:   callID,
		Endpoint: string(req.Endpoint),
		IssuedAt: started,
		Deadline: deadline,
	})
	defer c.outbox.Remove(callID)

	resp, attempts, err := c.callWithRetry(ctx, callID, req)
	c.emit(CallEvent{Request: req, Attempts: attempts, Duration: time.Since(started), Err: err})
	if err != nil {
		c.failures.Add(1)
		log.Warn().Msgf("backend.Client.Call failed call_id=%s req=%s attempts=%d err=%v", callID, req, attempts, err)
		return Response{}, err
	}
	log.Debug().Msgf("backend.Client.Call ok call_id=%s req=%s attempts=%d", callID, req, attempts)
	return resp, nil
}

func (c *Client) callWithRetry(ctx context.Context, callID string, req Request) (Response, int, error) {
	maxAttempts := 1 + c.cfg.Session.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.outbox.MarkAttempt(callID, attempt, errString(lastErr))
		if attempt > 1 {
			c.retries.Add(1)
		}
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, attempt, nil
		}
		if ctx.Err() != nil {
			return Response{}, attempt, fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		if !retryable(err) {
			return Response{}, attempt, callFailed(err)
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		delay := c.nextDelay(attempt)
		log.Debug().Msgf("backend.Client.Call retry call_id=%s attempt=%d delay=%s err=%v", callID, attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, attempt, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	c.reportFault(lastErr)
	return Response{}, maxAttempts, callFailed(fmt.Errorf("attempts=%d: %w", maxAttempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Session.AttemptTimeout)
	defer cancel()

	resp := Response{Request: req}
	switch req.Endpoint {
	case EndpointScript:
		body, err := c.exchange(ctx, http.MethodPost, pathGcodeScript, "", scriptBody{Script: req.Script})
		if err != nil {
			return Response{}, err
		}
		var result string
		if err := decodeResult(body, &result); err != nil {
			return Response{}, err
		}
		resp.Result = result
	case EndpointQueryTemperature, EndpointQueryPosition:
		objects := []string{"extruder", "heater_bed"}
		if req.Endpoint == EndpointQueryPosition {
			objects = []string{"toolhead"}
		}
		body, err := c.exchange(ctx, http.MethodGet, pathObjectsQuery, queryString(objects...), nil)
		if err != nil {
			return Response{}, err
		}
		var res queryResult
		if err := decodeResult(body, &res); err != nil {
			return Response{}, err
		}
		resp.Status.merge(res.Status)
	case EndpointPrintStart:
		if _, err := c.exchange(ctx, http.MethodPost, pathPrintStart, "", printStartBody{Filename: req.Filename}); err != nil {
			return Response{}, err
		}
		resp.Result = "ok"
	case EndpointPrintPause, EndpointPrintResume, EndpointPrintCancel:
		if _, err := c.exchange(ctx, http.MethodPost, printPath(req.Endpoint), "", nil); err != nil {
			return Response{}, err
		}
		resp.Result = "ok"
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownEndpoint, req.Endpoint)
	}
	return resp, nil
}

func printPath(ep Endpoint) string {
	switch ep {
	case EndpointPrintPause:
		return pathPrintPause
	case EndpointPrintResume:
		return pathPrintResume
	default:
		return pathPrintCancel
	}
}

// exchange sends one HTTP request and returns the body of a 2xx reply.
func (c *Client) exchange(ctx context.Context, method, path, rawQuery string, payload any) ([]byte, error) {
	u := *c.baseURL
	u.Path = path
	u.RawQuery = rawQuery

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		apiErr := &APIError{Status: httpResp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) check() error {
	c.gateMu.RLock()
	g := c.gate
	c.gateMu.RUnlock()
	if g == nil {
		return nil
	}
	return g.Check()
}

func (c *Client) reportFault(err error) {
	c.gateMu.RLock()
	g := c.gate
	c.gateMu.RUnlock()
	if g != nil && err != nil {
		g.ReportFault(err)
	}
}

func (c *Client) waitConnected(ctx context.Context) error {
	c.gateMu.RLock()
	g := c.gate
	c.gateMu.RUnlock()
	if g == nil {
		return ctx.Err()
	}
	return g.WaitConnected(ctx)
}

func (c *Client) emit(ev CallEvent) {
	c.observeMu.RLock()
	fn := c.observe
	c.observeMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Client) nextDelay(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
}

func (c *Client) nextReconnectDelay(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return session.NextBackoffDelay(c.cfg.Reconnect, attempt, c.rng)
}

// retryable reports whether err is a transient transport condition. Replies
// the backend produced on purpose are final.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, ErrMalformedReply) || errors.Is(err, ErrUnknownEndpoint) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// attempt timeout; the caller context is checked separately
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
