package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/app/orch"
	"github.com/dkeye/Conference/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("participant", string(c.id)).Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("participant", string(c.id)).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("participant", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("participant", string(c.id)).Msg("writePump write error")
				return
			}
		}
	}
}

// readPump serves requests until the socket fails or ctx is canceled, then
// makes the participant leave.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("participant", string(c.id)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Limiter.Forget(c.id)
		ctl.Orch.Disconnect(c.id)
	}()

	// A canceled ctx (kick, shutdown) unblocks ReadMessage by closing the socket.
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	deadline := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	sink := &participantSink{ctl: ctl, conn: c}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		ctl.handleFrame(ctx, c, sink, data)
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, c *WsSignalConn, sink *participantSink, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.id)).Msg("bad json")
		ctl.reply(c, req.ID, "", nil, &rpcError{Code: codeParseError, Message: "malformed request"})
		return
	}

	switch {
	case req.Method == MethodPing:
		ctl.reply(c, req.ID, req.Method, map[string]string{"value": "pong"}, nil)
		return
	case req.Method == orch.MethodSendMessage && !ctl.Limiter.Allow(c.id):
		log.Warn().Str("module", "signal").Str("participant", string(c.id)).Msg("sendMessage rate limited")
		ctl.reply(c, req.ID, req.Method, nil, &rpcError{Code: codeRateLimited, Message: "too many messages"})
		return
	}

	call := orch.Call{
		Request: domain.NewParticipantRequest(c.id, requestID(req.ID)),
		Method:  req.Method,
		Params:  req.Params,
		Sink:    sink,
	}
	id := req.ID
	ctl.Orch.Dispatch(ctx, call, func(res orch.Result) {
		if res.Err != nil {
			ctl.reply(c, id, call.Method, nil, &rpcError{Code: res.Err.Code(), Message: res.Err.Message})
			return
		}
		ctl.reply(c, id, call.Method, res.Payload, nil)
	})
}

// reply sends a response. Requests without an id are notifications and get
// none, unless they could not be parsed.
func (ctl *SignalWSController) reply(c *WsSignalConn, id json.RawMessage, method string, result any, rerr *rpcError) {
	if len(id) == 0 && (rerr == nil || rerr.Code != codeParseError) {
		return
	}
	var (
		frame []byte
		err   error
	)
	if rerr != nil {
		frame, err = errorFrame(id, rerr.Code, rerr.Message)
	} else {
		frame, err = resultFrame(id, result)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("participant", string(c.id)).Str("method", method).Msg("response marshal")
		return
	}
	ctl.deliver(c, method, frame)
}
