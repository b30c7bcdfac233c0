package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/watchingthewheelsgo/xbot/config"
	"github.com/watchingthewheelsgo/xbot/internal/api/handler"
	"github.com/watchingthewheelsgo/xbot/pkg/middleware"
)

// NewRouter 组装管理接口路由
func NewRouter(cfg *config.Config, h *handler.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(otelgin.Middleware("xbot"))

	r.GET("/healthz", h.Health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1", middleware.JWTAuth(cfg.Auth.JWTSecret))
	{
		v1.POST("/actions", h.Enqueue)
		v1.GET("/actions", h.ListActions)
		v1.GET("/actions/:id", h.GetAction)
		v1.GET("/stats", h.Stats)
	}
	return r
}
