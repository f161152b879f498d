package devserver

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/orchestra-mcp/chatsync/src/auth"
	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

type connectAck struct {
	ClientID string `json:"client_id"`
	UserID   int64  `json:"user_id"`
}

// socketHandler authenticates the upgrade request, registers the client with
// the hub and sends the connect acknowledgment before any push.
func (s *Server) socketHandler() fasthttp.RequestHandler {
	sock := s.cfg.Socket
	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:   sock.ReadBufferSize,
		WriteBufferSize:  sock.WriteBufferSize,
		HandshakeTimeout: sock.HandshakeTimeout,
	}
	opts := hub.ClientOptions{
		SendBuffer:   sock.SendBuffer,
		Rate:         rate.Limit(sock.EventRate),
		Burst:        sock.EventBurst,
		PingInterval: sock.PingInterval,
	}
	// The write pump pings, so the conn itself only enforces deadlines.
	ka := transport.Keepalive{PongWait: sock.PongWait, WriteTimeout: sock.WriteTimeout}

	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"websocket upgrade required"}`)
			return
		}

		token := string(ctx.QueryArgs().Peek("token"))
		if token == "" {
			token = bearer(string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)))
		}
		id, err := auth.Validate(s.secret, token)
		if err != nil {
			s.logger.Warn().Err(err).Msg("push channel rejected")
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"error":"unauthorized"}`)
			return
		}

		clientID := uuid.New().String()
		err = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			wc := transport.NewConn(conn, ka)
			client := hub.NewClient(clientID, id.UserID, id.Name, wc, s.hub, opts)
			s.hub.Register(client)

			ack, err := types.NewEvent(types.EventConnect, connectAck{ClientID: clientID, UserID: id.UserID})
			if err == nil {
				err = wc.WriteJSON(ack)
			}
			if err != nil {
				s.logger.Error().Err(err).Str("client_id", clientID).Msg("connect ack failed")
				s.hub.Unregister(client)
				return
			}

			go client.WritePump()
			client.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}
