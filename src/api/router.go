package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trendlab/src/stream"
)

type Registrar interface {
	Register(r *gin.Engine)
}

// StreamHandler websocket 进度推送
type StreamHandler struct {
	Hub *stream.Hub
}

func (h *StreamHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/stream", func(c *gin.Context) {
		h.Hub.ServeWS(c.Writer, c.Request)
	})
}

// NewRouter dev 环境用 gin DebugMode，其余 ReleaseMode
func NewRouter(env string, logger *zap.Logger, handlers ...Registrar) *gin.Engine {
	if strings.EqualFold(env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if logger != nil {
		engine.Use(requestLogger(logger))
	}
	for _, h := range handlers {
		h.Register(engine)
	}
	return engine
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
