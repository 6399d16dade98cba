package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(LoggerMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", FormRateLimitMiddleware(h.tracker, h.formPolicy), h.Register)
			auth.POST("/login", h.Login)
		}

		payment := api.Group("/payment", AuthMiddleware(h.authService))
		{
			payment.POST("/intents", h.CreateIntent)
			payment.POST("/verify", h.VerifyPayment)
			payment.GET("/orders/:order_id", h.GetPaymentStatus)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
