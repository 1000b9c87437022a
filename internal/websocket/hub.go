package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/service"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultServerPingPeriod = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultClientReadLimit  = 4 << 10 // client commands are tiny
	replyBuffer             = 8
)

// HubConfig defines settings for the subscription Hub.
type HubConfig struct {
	// PingPeriod is the interval between server pings. A connection that
	// stays silent for two periods is dropped.
	PingPeriod time.Duration

	// WriteTimeout bounds every write to a connection.
	WriteTimeout time.Duration

	// ReadLimit caps the size of one client command.
	ReadLimit int64

	// CheckOrigin overrides the upgrader's origin check. nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub serves the subscription channel over websocket.
//
// Every connection becomes one subscriber of the Live Fanout. Clients send
// {"action":"join"|"leave","instrument":"..."} commands and receive the
// latestBar, barDelta and aggregateUpdate envelopes as JSON text frames.
type Hub struct {
	manager  service.SubscriptionManager
	cfg      HubConfig
	upgrader websocket.Upgrader
	validate *validator.Validate
	ctx      context.Context
	cancel   context.CancelFunc
	active   atomic.Int64
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

// NewHub creates a Hub on top of a subscription manager.
func NewHub(manager service.SubscriptionManager, cfg HubConfig) *Hub {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultServerPingPeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultClientReadLimit
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		manager: manager,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      checkOrigin,
		},
		validate: validator.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	return int(h.active.Load())
}

// ServeHTTP upgrades the request and serves the connection until either side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Debug().Err(err).Str("component", "ws_hub").Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	h.serve(ctx, conn)
}

// Close disconnects every client and waits for their handlers to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := log.With().
		Str("component", "ws_hub").
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	sub, err := h.manager.Subscribe(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to register subscriber")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "fanout unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer func() {
		if err := h.manager.Unsubscribe(sub); err != nil {
			logger.Error().Err(err).Msg("failed to unsubscribe")
		}
	}()

	logger = logger.With().Str("subscriber", sub.ID()).Logger()
	h.active.Add(1)
	defer h.active.Add(-1)
	logger.Info().Msg("client connected")

	// Closing the socket is the only way to interrupt a blocked read. On hub
	// shutdown the client is told why first; WriteControl is safe next to the
	// write loop.
	stopClose := context.AfterFunc(ctx, func() {
		if h.ctx.Err() != nil {
			h.writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		}
		_ = conn.Close()
	})
	defer stopClose()

	replies := make(chan model.Envelope, replyBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, conn, sub, replies, logger)
	}()

	h.readLoop(ctx, conn, sub, replies, logger)
	cancel()
	<-writerDone
	_ = conn.Close()
	logger.Info().Msg("client disconnected")
}

// readLoop applies join/leave commands until the connection fails.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, sub *service.Subscriber, replies chan<- model.Envelope, logger zerolog.Logger) {
	pongWait := h.cfg.PingPeriod * 2
	conn.SetReadLimit(h.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(err).Msg("websocket closed normally")
			default:
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(replies, model.ErrorEnvelope("", fmt.Errorf("malformed command: %w", err)), logger)
			continue
		}
		if err := h.validate.Struct(msg); err != nil {
			reply(replies, model.ErrorEnvelope(msg.Instrument, fmt.Errorf("invalid command: %w", err)), logger)
			continue
		}

		switch msg.Action {
		case model.ActionJoin:
			err = h.manager.Join(ctx, sub, msg.Instrument)
		case model.ActionLeave:
			err = h.manager.Leave(ctx, sub, msg.Instrument)
		}
		if err == nil {
			logger.Debug().Str("action", string(msg.Action)).Str("instrument", msg.Instrument).Msg("command applied")
			continue
		}
		if errors.Is(err, model.ErrInvalidEvent) {
			reply(replies, model.ErrorEnvelope(msg.Instrument, err), logger)
			continue
		}
		logger.Warn().Err(err).Str("action", string(msg.Action)).Msg("command failed, closing connection")
		return
	}
}

func reply(replies chan<- model.Envelope, env model.Envelope, logger zerolog.Logger) {
	select {
	case replies <- env:
	default:
		logger.Debug().Str("error", env.Error).Msg("reply buffer full, dropping error reply")
	}
}

// writeLoop is the only goroutine that writes data frames to conn.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub *service.Subscriber, replies <-chan model.Envelope, logger zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Updates():
			if !ok {
				h.writeClose(conn, websocket.CloseGoingAway, "fanout stopped")
				return
			}
			if err := h.writeEnvelope(conn, env); err != nil {
				logger.Warn().Err(err).Str("event", string(env.Event)).Msg("write error")
				return
			}
		case env := <-replies:
			if err := h.writeEnvelope(conn, env); err != nil {
				logger.Warn().Err(err).Msg("write error")
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("ping error")
				return
			}
		}
	}
}

func (h *Hub) writeEnvelope(conn *websocket.Conn, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}
