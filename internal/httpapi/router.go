package httpapi

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/content-droid/internal/logging"
)

// RouterOptions はルーター構築時の設定です。
type RouterOptions struct {
	Logger zerolog.Logger
	// AllowedOrigins は CORS 許可オリジン（カンマ区切り）です。
	AllowedOrigins string
	// WorkerToken が空の場合、ワーカー用コールバックは登録しません。
	WorkerToken string
}

// NewRouter はミドルウェアと API ルートを登録した gin.Engine を返します。
func NewRouter(svc JobService, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestID(), logging.AccessLog(opts.Logger))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(opts.AllowedOrigins)
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		logging.RequestIDHeader,
	}
	corsConfig.ExposeHeaders = []string{logging.RequestIDHeader}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(cors.New(corsConfig))
	}

	api := router.Group("/api")
	{
		api.POST("/generate", GenerateHandler(svc, opts.Logger))
		api.GET("/status/:id", StatusHandler(svc))
		api.GET("/video/:id", ResultHandler(svc))
		api.GET("/jobs/:id", JobHandler(svc))
	}

	if strings.TrimSpace(opts.WorkerToken) != "" {
		internal := router.Group("/internal/videos/:id", RequireWorkerToken(opts.WorkerToken))
		{
			internal.POST("/start", StartCallback(svc))
			internal.POST("/progress", ProgressCallback(svc))
			internal.POST("/complete", CompleteCallback(svc))
			internal.POST("/fail", FailCallback(svc))
		}
	}

	return router
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
