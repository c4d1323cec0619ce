package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// BrowserConn is the browser PCM dialect: binary WebSocket frames carry raw
// 16-bit little-endian mono PCM, text frames carry JSON Control messages.
type BrowserConn struct {
	ws    *websocket.Conn
	start StartRequest
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	audio chan []byte
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

var _ Conn = (*BrowserConn)(nil)

// AcceptBrowser upgrades the HTTP request to a WebSocket, performs the
// session.start handshake and starts the read loop. The caller owns the
// returned connection and must call Close.
//
// The session.ready acknowledgement is not sent here; the session handler
// sends it once the session is actually ready to receive audio.
func AcceptBrowser(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*BrowserConn, error) {
	if log == nil {
		log = slog.Default()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Audio frames are already compact; compression only adds latency.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: browser accept: %w", err)
	}

	hsCtx, hsCancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer hsCancel()

	start, err := readBrowserHandshake(hsCtx, ws)
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "bad handshake")
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &BrowserConn{
		ws:     ws,
		start:  start,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		audio:  make(chan []byte, audioBuf),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readBrowserHandshake waits for the opening session.start frame.
func readBrowserHandshake(ctx context.Context, ws *websocket.Conn) (StartRequest, error) {
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return StartRequest{}, fmt.Errorf("transport: browser handshake read: %w", err)
	}
	if typ != websocket.MessageText {
		return StartRequest{}, errors.New("transport: browser handshake must be a text frame")
	}

	var ctl Control
	if err := json.Unmarshal(data, &ctl); err != nil {
		return StartRequest{}, fmt.Errorf("transport: browser handshake decode: %w", err)
	}
	if ctl.Type != ControlSessionStart {
		return StartRequest{}, fmt.Errorf("transport: expected %s, got %q", ControlSessionStart, ctl.Type)
	}

	rate := ctl.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	return StartRequest{
		SampleRate: rate,
		Scenario:   ctl.Scenario,
		StartAgent: ctl.StartAgent,
		Vars:       ctl.Vars,
		Language:   ctl.Language,
	}, nil
}

// readLoop pumps inbound frames until the peer disconnects or Close fires.
func (c *BrowserConn) readLoop() {
	defer close(c.audio)

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(readErr("browser", err))
			return
		}

		switch typ {
		case websocket.MessageBinary:
			select {
			case c.audio <- data:
			case <-c.ctx.Done():
				c.finish(nil)
				return
			}

		case websocket.MessageText:
			var ctl Control
			if err := json.Unmarshal(data, &ctl); err != nil {
				c.log.Warn("undecodable control frame", "error", err)
				continue
			}
			if ctl.Type == ControlSessionEnd {
				// Orderly hang-up from the client side.
				c.finish(nil)
				return
			}
			c.log.Debug("ignoring client control", "type", ctl.Type)
		}
	}
}

// Start implements Conn.
func (c *BrowserConn) Start() StartRequest { return c.start }

// Audio implements Conn.
func (c *BrowserConn) Audio() <-chan []byte { return c.audio }

// SendAudio implements Conn. The chunk must be 16-bit LE mono PCM at the
// negotiated sample rate.
func (c *BrowserConn) SendAudio(chunk []byte) error {
	ctx, cancel := writeCtx(c.ctx)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return errClosed("browser", err)
	}
	return nil
}

// SendControl implements Conn.
func (c *BrowserConn) SendControl(ctl Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("transport: encode control: %w", err)
	}
	ctx, cancel := writeCtx(c.ctx)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return errClosed("browser", err)
	}
	return nil
}

// StopPlayback implements Conn. Browsers receive an explicit playback.stop
// control and are expected to flush their audio buffer.
func (c *BrowserConn) StopPlayback() error {
	return c.SendControl(Control{Type: ControlPlaybackStop})
}

// Done implements Conn.
func (c *BrowserConn) Done() <-chan struct{} { return c.done }

// Err implements Conn.
func (c *BrowserConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements Conn. It announces session.end to the client on a
// best-effort basis and releases the socket.
func (c *BrowserConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.SendControl(Control{Type: ControlSessionEnd})
	err := c.ws.Close(websocket.StatusNormalClosure, "session end")
	c.finish(nil)
	c.cancel()
	if err != nil && websocket.CloseStatus(err) < 0 {
		return fmt.Errorf("transport: browser close: %w", err)
	}
	return nil
}

// finish records the terminal error once and closes done.
func (c *BrowserConn) finish(err error) {
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

// readErr classifies a read-loop error: a normal peer closure is an orderly
// end, anything else is a TransportClosed fault.
func readErr(dialect string, err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return errClosed(dialect, err)
}
