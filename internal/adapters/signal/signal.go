// Package signal is the WebSocket control transport: JSON-RPC 2.0 requests
// in, responses and room notifications out.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/app/orch"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Options tune every connection a controller accepts.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter
	opts    Options
}

func NewSignalWSController(o *orch.Orchestrator, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{Orch: o, Limiter: limiter, opts: opts.withDefaults()}
}

// WsSignalConn is one control connection. Writes go through a bounded queue
// drained by the write pump; a full queue is backpressure.
type WsSignalConn struct {
	id   domain.ParticipantID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// participantSink delivers room notifications to one connection.
type participantSink struct {
	ctl  *SignalWSController
	conn *WsSignalConn
}

var _ core.NotificationSink = (*participantSink)(nil)

func (s *participantSink) Notify(method string, params map[string]any) {
	frame, err := notificationFrame(method, params)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("participant", string(s.conn.id)).Str("method", method).Msg("notification marshal")
		return
	}
	s.ctl.deliver(s.conn, method, frame)
}

// deliver queues frame and applies the backpressure policy when the queue
// is full.
func (ctl *SignalWSController) deliver(c *WsSignalConn, method string, frame []byte) {
	err := c.TrySend(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrBackpressure):
		ctl.Orch.OnBackPressure(c.id, method)
	default:
		log.Debug().Err(err).Str("module", "signal").Str("participant", string(c.id)).Str("method", method).Msg("dropped frame")
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until the socket closes or
// ctx is done. Each connection is a new participant.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.ParticipantID(uuid.NewString())
	log.Info().Str("module", "signal").Str("participant", string(id)).Str("client_token", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := &WsSignalConn{
		id:   id,
		conn: ws,
		send: make(chan []byte, ctl.opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(id, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
