// Package ws serves relay rooms over websocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/core"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/relay"
)

const (
	writeWait   = 5 * time.Second
	sendBacklog = 256
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type Controller struct {
	hub      *relay.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewController(hub *relay.Hub, opts Options) *Controller {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &Controller{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleRoom upgrades the request and joins the connection to the room
// named by the :room path parameter. The member lives until either side
// closes or ctx ends.
func (ctl *Controller) HandleRoom(ctx context.Context, c *gin.Context) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sid := core.SessionID(c.GetString("client_token") + "/" + uuid.NewString()[:8])

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := newConn(ws, sendBacklog)
	meta := domain.NewMember("", c.Query("name"))
	ctl.hub.Join(room, core.NewMemberSession(sid, meta, conn))
	log.Info().Str("module", "adapters.ws").Str("sid", string(sid)).Str("room", string(room)).Msg("member connected")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(sid, conn)
	}()
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			c.Close()
			return
		case <-c.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(sid core.SessionID, c *Conn) {
	defer func() {
		ctl.hub.Leave(sid)
		c.Close()
		log.Info().Str("module", "adapters.ws").Str("sid", string(sid)).Msg("member disconnected")
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		if err := ctl.hub.OnFrame(sid, data); err != nil {
			if errors.Is(err, relay.ErrNotMember) {
				return
			}
			log.Debug().Err(err).Str("module", "adapters.ws").Str("sid", string(sid)).Msg("frame rejected")
		}
	}
}
