// Package channel is the client side of the signaling websocket.
package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/protocol"
)

type Options struct {
	URL          string
	Header       http.Header
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
	Dialer       *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Client keeps one websocket to the relay. Outbound messages share a single
// queue drained by one writer, so they leave in Send order.
type Client struct {
	opts   Options
	in     chan protocol.Message
	lostCh chan error

	mu        sync.Mutex
	connected bool
	conn      *websocket.Conn
	send      chan core.Frame
	cancel    context.CancelFunc
	pumps     *conc.WaitGroup
}

var _ core.SignalChannel = (*Client)(nil)

func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:   opts,
		in:     make(chan protocol.Message, opts.SendBuffer),
		lostCh: make(chan error, 1),
	}
}

// Connect dials the relay and registers id. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context, id domain.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	join, err := protocol.Encode(protocol.Join(id))
	if err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, join); err != nil {
		_ = ws.Close()
		return fmt.Errorf("send join: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	send := make(chan core.Frame, c.opts.SendBuffer)
	pumps := &conc.WaitGroup{}
	c.conn, c.send, c.cancel, c.pumps = ws, send, cancel, pumps
	c.connected = true

	pumps.Go(func() { c.writePump(pumpCtx, ws, send) })
	pumps.Go(func() { c.readPump(pumpCtx, ws) })

	log.Info().Str("module", "channel").Str("url", c.opts.URL).Str("user", string(id.ID)).Msg("connected")
	return nil
}

func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return domain.ErrChannelNotReady
	}
	select {
	case c.send <- data:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

func (c *Client) Messages() <-chan protocol.Message { return c.in }

func (c *Client) Lost() <-chan error { return c.lostCh }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the websocket and waits for both pumps.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	ws, pumps := c.conn, c.pumps
	c.detachLocked()
	c.mu.Unlock()

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(c.opts.WriteTimeout))
	err := ws.Close()
	pumps.Wait()
	log.Info().Str("module", "channel").Msg("disconnected")
	return err
}

func (c *Client) detachLocked() {
	c.connected = false
	c.cancel()
	close(c.send)
	c.conn, c.send, c.cancel = nil, nil, nil
}

// lost handles a connection that failed underneath us.
func (c *Client) lost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != ws {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.mu.Unlock()
	_ = ws.Close()
	log.Warn().Err(err).Str("module", "channel").Msg("connection lost")

	// An unread loss already tells the reader the same thing.
	select {
	case c.lostCh <- err:
	default:
	}
}

func (c *Client) writePump(ctx context.Context, ws *websocket.Conn, send <-chan core.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.lost(ws, err)
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.lost(ws, err)
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.lost(ws, err)
			}
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "channel").Msg("bad message from relay")
			continue
		}
		select {
		case c.in <- msg:
		case <-ctx.Done():
			return
		}
	}
}
