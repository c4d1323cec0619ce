package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/parlancehq/parlance/pkg/audio"
)

// Telephony envelope event types, matching the carrier media-stream bridge
// protocol.
const (
	telephonyConnected = "connected"
	telephonyStart     = "start"
	telephonyMedia     = "media"
	telephonyStop      = "stop"
	telephonyClear     = "clear"
	telephonyMark      = "mark"
)

// envelope is the telephony wire frame. Every frame, in both directions, is
// one JSON envelope on a text message.
type envelope struct {
	EventType string `json:"eventType"`

	// Data is the base64 µ-law audio payload for media events.
	Data string `json:"data,omitempty"`

	// StreamID identifies the media stream, assigned by the bridge on start
	// and echoed on outbound media.
	StreamID string `json:"streamId,omitempty"`

	// Parameters carries bridge-configured session parameters on the start
	// event (scenario, agent, variables).
	Parameters map[string]string `json:"parameters,omitempty"`

	// Name labels a mark event.
	Name string `json:"name,omitempty"`
}

// TelephonyConn is the telephony µ-law dialect. Inbound media is decoded to
// 16-bit PCM at 8 kHz before reaching the Audio channel; outbound PCM is
// µ-law encoded onto media envelopes. The bridge's clear event implements
// stop-playback.
type TelephonyConn struct {
	ws       *websocket.Conn
	start    StartRequest
	streamID string
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	audio chan []byte
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

var _ Conn = (*TelephonyConn)(nil)

// AcceptTelephony upgrades the HTTP request to a WebSocket, waits for the
// bridge's start event and starts the read loop. The caller owns the
// returned connection and must call Close.
func AcceptTelephony(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*TelephonyConn, error) {
	if log == nil {
		log = slog.Default()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: telephony accept: %w", err)
	}

	hsCtx, hsCancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer hsCancel()

	start, streamID, err := readTelephonyHandshake(hsCtx, ws)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "bad handshake")
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &TelephonyConn{
		ws:       ws,
		start:    start,
		streamID: streamID,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		audio:    make(chan []byte, audioBuf),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readTelephonyHandshake consumes envelopes until the start event arrives.
// A connected event may precede it and is skipped.
func readTelephonyHandshake(ctx context.Context, ws *websocket.Conn) (StartRequest, string, error) {
	for {
		env, err := readEnvelope(ctx, ws)
		if err != nil {
			return StartRequest{}, "", fmt.Errorf("transport: telephony handshake: %w", err)
		}
		switch env.EventType {
		case telephonyConnected:
			continue
		case telephonyStart:
			params := env.Parameters
			return StartRequest{
				SampleRate: telephonySampleRate,
				Scenario:   params["scenario"],
				StartAgent: params["agent"],
				Vars:       sessionVars(params),
				Language:   params["language"],
			}, env.StreamID, nil
		default:
			return StartRequest{}, "", fmt.Errorf("transport: expected start, got %q", env.EventType)
		}
	}
}

// sessionVars extracts template variables from the start parameters. The
// reserved routing keys are not variables.
func sessionVars(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	vars := make(map[string]string, len(params))
	for k, v := range params {
		switch k {
		case "scenario", "agent", "language":
		default:
			vars[k] = v
		}
	}
	if len(vars) == 0 {
		return nil
	}
	return vars
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (envelope, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// readLoop pumps inbound envelopes until the bridge stops the stream or the
// peer disconnects.
func (c *TelephonyConn) readLoop() {
	defer close(c.audio)

	for {
		env, err := readEnvelope(c.ctx, c.ws)
		if err != nil {
			c.finish(readErr("telephony", err))
			return
		}

		switch env.EventType {
		case telephonyMedia:
			payload, err := base64.StdEncoding.DecodeString(env.Data)
			if err != nil {
				c.log.Warn("undecodable media payload", "error", err)
				continue
			}
			select {
			case c.audio <- audio.DecodeUlaw(payload):
			case <-c.ctx.Done():
				c.finish(nil)
				return
			}

		case telephonyStop:
			// Orderly end of the call from the bridge side.
			c.finish(nil)
			return

		case telephonyMark:
			c.log.Debug("playback mark reached", "name", env.Name)

		default:
			c.log.Debug("ignoring telephony event", "event", env.EventType)
		}
	}
}

// Start implements Conn.
func (c *TelephonyConn) Start() StartRequest { return c.start }

// Audio implements Conn. Chunks are 16-bit LE mono PCM at 8 kHz.
func (c *TelephonyConn) Audio() <-chan []byte { return c.audio }

// SendAudio implements Conn. The chunk must be 16-bit LE mono PCM at 8 kHz;
// it is µ-law encoded onto a media envelope.
func (c *TelephonyConn) SendAudio(chunk []byte) error {
	return c.writeEnvelope(envelope{
		EventType: telephonyMedia,
		StreamID:  c.streamID,
		Data:      base64.StdEncoding.EncodeToString(audio.EncodeUlaw(chunk)),
	})
}

// SendControl implements Conn. The telephony wire has no caller-side
// display: only playback.stop has a representation (the clear event);
// everything else is dropped.
func (c *TelephonyConn) SendControl(ctl Control) error {
	if ctl.Type == ControlPlaybackStop {
		return c.StopPlayback()
	}
	return nil
}

// StopPlayback implements Conn by sending a clear event, which makes the
// bridge discard all buffered outbound audio.
func (c *TelephonyConn) StopPlayback() error {
	return c.writeEnvelope(envelope{EventType: telephonyClear, StreamID: c.streamID})
}

// Done implements Conn.
func (c *TelephonyConn) Done() <-chan struct{} { return c.done }

// Err implements Conn.
func (c *TelephonyConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Conn.
func (c *TelephonyConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ws.Close(websocket.StatusNormalClosure, "session end")
	c.finish(nil)
	c.cancel()
	if err != nil && websocket.CloseStatus(err) < 0 {
		return fmt.Errorf("transport: telephony close: %w", err)
	}
	return nil
}

// finish records the terminal error once and closes done.
func (c *TelephonyConn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *TelephonyConn) writeEnvelope(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	ctx, cancel := writeCtx(c.ctx)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return errClosed("telephony", err)
	}
	return nil
}
