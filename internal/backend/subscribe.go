package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	methodSubscribe        = "printer.objects.subscribe"
	notifyStatusUpdate     = "notify_status_update"
	notifyKlippyReady      = "notify_klippy_ready"
	notifyKlippyShutdown   = "notify_klippy_shutdown"
	notifyKlippyDisconnect = "notify_klippy_disconnected"

	// PrintStateOffline is reported when the firmware host drops away.
	PrintStateOffline = "offline"
	// PrintStateShutdown is reported when the firmware host shuts down.
	PrintStateShutdown = "shutdown"

	sampleBuffer = 16
)

var errSubscriptionClosed = errors.New("backend: subscription closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

type rpcMessage struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	Result  json.RawMessage   `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID json.RawMessage `json:"id"`
}

// Subscribe streams telemetry until ctx ends. Stream drops are repaired
// internally: the consumer sees gaps, never an error. The channel is closed
// only when ctx is done.
func (c *Client) Subscribe(ctx context.Context) <-chan Sample {
	out := make(chan Sample, sampleBuffer)
	go c.runSubscription(ctx, out)
	return out
}

func (c *Client) runSubscription(ctx context.Context, out chan<- Sample) {
	defer close(out)
	if c.sim != nil {
		c.sim.stream(ctx, out)
		return
	}

	attempt := 0
	for ctx.Err() == nil {
		if err := c.waitConnected(ctx); err != nil && ctx.Err() != nil {
			return
		}
		received, err := c.subscribeOnce(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		attempt++
		delay := c.nextReconnectDelay(attempt)
		log.Warn().Msgf("backend.Client.Subscribe dropped attempt=%d retry_in=%s err=%v", attempt, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// subscribeOnce runs one websocket session. received reports whether any
// status arrived before the session ended.
func (c *Client) subscribeOnce(ctx context.Context, out chan<- Sample) (received bool, err error) {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-Api-Key", c.cfg.APIKey)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL.String(), header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	id := uuid.NewString()
	err = conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		Method:  methodSubscribe,
		Params:  map[string]any{"objects": subscribedObjects},
		ID:      id,
	})
	if err != nil {
		return false, err
	}
	log.Info().Msgf("backend.Client.Subscribe connected url=%s", c.wsURL)

	var held Status
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return received, errSubscriptionClosed
			}
			return received, err
		}
		var samples []Sample
		switch {
		case matchesID(msg.ID, id):
			if msg.Error != nil {
				return received, &APIError{Code: msg.Error.Code, Message: msg.Error.Message}
			}
			var res queryResult
			if err := json.Unmarshal(msg.Result, &res); err != nil {
				return received, fmt.Errorf("%w: %v", ErrMalformedReply, err)
			}
			held.merge(res.Status)
			samples = allSamples(held, time.Now())
			received = true
		case msg.Method == notifyStatusUpdate:
			if len(msg.Params) == 0 {
				continue
			}
			var raw rawStatus
			if err := json.Unmarshal(msg.Params[0], &raw); err != nil {
				log.Debug().Msgf("backend.Client.Subscribe skip malformed update err=%v", err)
				continue
			}
			samples = changedSamples(held.merge(raw), held, time.Now())
			received = true
		case msg.Method == notifyKlippyShutdown:
			held.PrintState = PrintStateShutdown
			samples = []Sample{sampleOf(SamplePrintState, held, time.Now())}
		case msg.Method == notifyKlippyDisconnect:
			held.PrintState = PrintStateOffline
			samples = []Sample{sampleOf(SamplePrintState, held, time.Now())}
		case msg.Method == notifyKlippyReady:
			// objects must be subscribed again after a firmware restart
			return received, errSubscriptionClosed
		default:
			continue
		}
		for _, s := range samples {
			select {
			case out <- s:
			case <-ctx.Done():
				return received, ctx.Err()
			}
		}
	}
}

func matchesID(raw json.RawMessage, id string) bool {
	if len(raw) == 0 {
		return false
	}
	var got string
	if err := json.Unmarshal(raw, &got); err != nil {
		return false
	}
	return got == id
}

func sampleOf(kind SampleKind, st Status, at time.Time) Sample {
	return Sample{
		Kind:       kind,
		At:         at,
		Extruder:   st.Extruder,
		Bed:        st.Bed,
		Position:   st.Position,
		PrintState: st.PrintState,
		Filename:   st.Filename,
		Progress:   st.Progress,
	}
}

func allSamples(st Status, at time.Time) []Sample {
	return changedSamples(changes{
		temperature: st.HasHeaters,
		position:    st.HasPosition,
		printState:  st.PrintState != "",
	}, st, at)
}

func changedSamples(ch changes, st Status, at time.Time) []Sample {
	var out []Sample
	if ch.temperature {
		out = append(out, sampleOf(SampleTemperature, st, at))
	}
	if ch.position {
		out = append(out, sampleOf(SamplePosition, st, at))
	}
	if ch.printState {
		out = append(out, sampleOf(SamplePrintState, st, at))
	}
	return out
}
