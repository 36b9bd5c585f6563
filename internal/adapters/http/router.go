package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Collab/internal/adapters/ws"
	"github.com/dkeye/Collab/internal/config"
	"github.com/dkeye/Collab/internal/domain"
	"github.com/dkeye/Collab/internal/relay"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// visitsMiddleware counts requests per browser session. The relay keeps no
// other per-client state.
func visitsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		n, _ := s.Get("visits").(int)
		s.Set("visits", n+1)
		_ = s.Save()
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CollabSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := ws.NewController(hub, ws.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod})

	api := r.Group("/api", visitsMiddleware())
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Rooms())
	})
	api.GET("/rooms/:room/members", func(c *gin.Context) {
		room, err := domain.ParseRoomID(c.Param("room"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, hub.Members(room))
	})
	api.GET("/ws/room/:room", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Str("room", c.Param("room")).Msg("ws room endpoint hit")
		ctrl.HandleRoom(ctx, c)
	})

	return r
}
