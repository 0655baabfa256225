package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dkeye/conference/internal/adapters/signal"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/core"
	"github.com/dkeye/conference/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// restMethods are the operations served without a signaling connection.
var restMethods = map[string]bool{
	"agent.leave":          true,
	"writer_config.update": true,
	"reader_config.update": true,
	"stream.upload":        true,
}

// Caller runs one request to completion.
type Caller interface {
	Call(ctx context.Context, msg core.Message) core.Response
}

type StreamLister interface {
	Snapshot() []domain.StreamInfo
}

type Deps struct {
	Signal  *signal.SignalWSController
	Core    Caller
	Streams StreamLister
	Metrics http.Handler
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the cookie session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("ConferenceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := r.Group("/api")

	if deps.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
			deps.Signal.HandleSignal(ctx, c)
		})
	}

	if deps.Streams != nil {
		api.GET("/streams", func(c *gin.Context) {
			streams := deps.Streams.Snapshot()
			if streams == nil {
				streams = []domain.StreamInfo{}
			}
			c.JSON(http.StatusOK, gin.H{"streams": streams})
		})
	}

	if deps.Core != nil {
		api.POST("/:method", func(c *gin.Context) {
			callMethod(c, deps.Core)
		})
	}

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

// callMethod runs a handle-less operation. The JSON body is the request
// body; its method comes from the path.
func callMethod(c *gin.Context, caller Caller) {
	method := c.Param("method")
	if !restMethods[method] {
		c.JSON(http.StatusBadRequest, fail(domain.BadRequest("unknown method %q", method)))
		return
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, fail(domain.BadRequest("read body: %v", err)))
		return
	}
	body := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			c.JSON(http.StatusBadRequest, fail(domain.BadRequest("invalid body: %v", err)))
			return
		}
	}
	body["method"] = method
	encoded, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, fail(domain.Internal("encode body: %v", err)))
		return
	}

	resp := caller.Call(c.Request.Context(), core.Message{
		Transaction: uuid.NewString(),
		Body:        encoded,
	})
	c.JSON(resp.Status, resp.Payload())
}

func fail(err error) map[string]any {
	return core.Fail(err).Payload()
}
