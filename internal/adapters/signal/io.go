package signal

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/conference/internal/adapters/gateway"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.opts.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.opts.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.ping(); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, client string, c *WsSignalConn, sess *gateway.Session) {
	defer func() {
		log.Info().Str("module", "signal").Str("client", client).Msg("readPump closing")
		cancel()
		c.Close()
		sess.Close()
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("client", client).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("client", client).Msg("readPump read error")
				}
				return
			}
			if ctl.Limiter != nil && !ctl.Limiter.Allow(client) {
				log.Warn().Str("module", "signal").Str("client", client).Msg("rate limited")
				ctl.sendJSON(c, gateway.Envelope{
					Janus: gateway.TypeError,
					Error: &gateway.EnvelopeError{Code: http.StatusTooManyRequests, Reason: "rate limited"},
				})
				continue
			}
			sess.Handle(ctx, data)
		}
	}
}
