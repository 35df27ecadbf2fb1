package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/adapters/signal"
	"github.com/dkeye/Conference/internal/app/orch"
	"github.com/dkeye/Conference/internal/config"
	"github.com/dkeye/Conference/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a long-lived token cookie. It
// only correlates logs; participants are identified per connection.
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

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ConferenceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.ListRooms())
	})

	api.GET("/rooms/:name/participants", func(c *gin.Context) {
		ps, err := o.Participants(domain.RoomName(c.Param("name")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ps)
	})

	api.DELETE("/rooms/:name", func(c *gin.Context) {
		if !authorized(c, cfg.Secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ids, err := o.EvictRoom(domain.RoomName(c.Param("name")))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"evicted": len(ids)})
	})

	return r
}

// authorized checks the admin bearer token. With no secret configured, admin
// routes are closed.
func authorized(c *gin.Context, secret string) bool {
	return secret != "" && c.GetHeader("Authorization") == "Bearer "+secret
}

func writeError(c *gin.Context, err error) {
	re := domain.AsRoomError(err)
	status := http.StatusInternalServerError
	switch re.Kind {
	case domain.KindRoomNotFound, domain.KindParticipantNotFound:
		status = http.StatusNotFound
	case domain.KindInvalidRequest:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": re.Code(), "error": re.Message})
}
