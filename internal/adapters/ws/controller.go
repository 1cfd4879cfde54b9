package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller terminates new client connections: upgrade, assign id,
// register, welcome envelope, then pump frames into the router.
type Controller struct {
	Registry *app.Registry
	Router   *app.Router

	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func NewController(reg *app.Registry, router *app.Router) *Controller {
	return &Controller{
		Registry:   reg,
		Router:     router,
		ReadLimit:  1 << 20,
		PingPeriod: 54 * time.Second,
		SendBuffer: 64,
	}
}

// HandleRelay is the /ws endpoint. A client may pin its id across
// reconnects with ?client_id=...; otherwise the cookie token or a fresh
// uuid is used.
func (ctl *Controller) HandleRelay(ctx context.Context, c *gin.Context) {
	id, err := domain.ParseClientID(c.Query("client_id"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	if id == "" {
		id = domain.ClientID(c.GetString("client_token"))
	}

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}

	info := domain.ClientInfo{Display: c.Query("display")}
	conn := NewConn(sock, ctl.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	id = ctl.Registry.Register(id, conn, info, cancel)
	log.Info().Str("module", "ws").Str("client", string(id)).Msg("client connected")

	if err := ctl.Registry.SendJSON(id, core.Connected(string(id), "ready")); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("client", string(id)).Msg("welcome not delivered")
	}

	go conn.writePump(ctx, ctl.PingPeriod)
	go ctl.readLoop(ctx, id, conn)
}

func (ctl *Controller) readLoop(ctx context.Context, id domain.ClientID, conn *Conn) {
	defer func() {
		// Remove the entry first so no route ever targets a dangling
		// handle, then let signaling finalize any sessions this client
		// owned. A reconnect may have replaced the entry already; in that
		// case the id is still live and its sessions must survive.
		if ctl.Registry.Release(id, conn) {
			ctl.Router.Disconnected(id)
		}
		log.Info().Str("module", "ws").Str("client", string(id)).Msg("client disconnected")
	}()
	// Pong deadline must outlive at least one ping round trip.
	pongWait := ctl.PingPeriod + ctl.PingPeriod/2
	conn.readPump(ctx, ctl.ReadLimit, pongWait, func(f core.Frame) {
		ctl.Router.Route(id, f)
	})
}
