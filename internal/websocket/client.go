// Package websocket carries the subscription channel of the funding chart
// service over websocket, in both directions.
//
// Hub is the server side: it turns each connection into a Live Fanout
// subscriber. Client is one client connection used by the chart watcher;
// it does not reconnect by itself, its owner dials a fresh Client once Done
// fires.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultClientPing  = 15 * time.Second
	defaultClientWrite = 5 * time.Second
	clientReadLimit    = 1 << 20
	handshakeTimeout   = 10 * time.Second
	closeGrace         = 5 * time.Second
)

// ErrClientClosed is reported for writes after Close and as the terminal
// error of a client closed by its owner.
var ErrClientClosed = errors.New("websocket client closed")

// ClientConfig defines settings for a Client.
type ClientConfig struct {
	// Endpoint is the websocket URL, e.g. ws://localhost:8080/ws. Required.
	Endpoint string

	// OnMessage receives every text frame in arrival order. Required. Errors
	// and panics are logged; neither drops the connection.
	OnMessage func([]byte) error

	InsecureSkipVerify bool

	// PingPeriod is the keepalive interval. The connection is considered dead
	// after two periods without any frame from the server.
	PingPeriod time.Duration

	WriteTimeout time.Duration

	// Hello frames are written right after the handshake, before the first
	// read, typically the join command for the current instrument.
	Hello [][]byte
}

// Client is a single subscription channel connection.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	loops  sync.WaitGroup

	done  chan struct{}
	errMu sync.Mutex
	err   error
}

// Dial connects to cfg.Endpoint, writes the hello frames and starts reading.
// Cancelling ctx later closes the client.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, errors.New("endpoint URL is required")
	case cfg.OnMessage == nil:
		return nil, errors.New("message handler is required")
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultClientPing
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultClientWrite
	}

	logger := log.With().Str("component", "ws_client").Str("endpoint", cfg.Endpoint).Logger()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.Endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", cfg.Endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.conn.SetReadLimit(clientReadLimit)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
	})

	for _, frame := range cfg.Hello {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			c.cancel()
			_ = conn.Close()
			return nil, fmt.Errorf("write hello frame: %w", err)
		}
	}

	c.loops.Add(2)
	go c.readLoop()
	go c.keepalive()
	// Outside loops: Close waits on loops.
	go func() {
		<-c.ctx.Done()
		_ = c.Close()
	}()

	logger.Info().Msg("websocket connection established")
	return c, nil
}

func (c *Client) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingPeriod))
}

func (c *Client) readLoop() {
	defer c.loops.Done()
	defer close(c.done)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.extendDeadline()
		if kind != websocket.TextMessage {
			continue
		}
		c.logger.Debug().Int("bytes", len(data)).Msg("received frame")
		c.deliver(data)
	}
}

func (c *Client) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()
	if err := c.cfg.OnMessage(data); err != nil {
		c.logger.Error().Err(err).Msg("error handling message")
	}
}

// fail records the terminal error of the read loop.
func (c *Client) fail(err error) {
	if c.closed.Load() {
		err = ErrClientClosed
	} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info().Err(err).Msg("server closed the connection")
	} else {
		c.logger.Warn().Err(err).Msg("connection lost")
	}
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *Client) keepalive() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

// Send marshals v and writes it as one text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(kind int, data []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

// Done is closed once the connection is gone, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends a normal close frame, drops the connection and waits for the
// loops to exit. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()

		stopped := make(chan struct{})
		go func() {
			c.loops.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(closeGrace):
			c.logger.Warn().Msg("timeout waiting for connection loops")
		}
	})
	return err
}
