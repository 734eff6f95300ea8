package http

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/http/handlers"
	"github.com/mikibart/projcontest-site-sub000/internal/http/middleware"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/contests"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/payments"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

type RouterDeps struct {
	Logger *slog.Logger
	DB     *gorm.DB

	Settings    *settings.Store
	Coordinator *payments.Coordinator
	Contests    *contests.Repo

	SessionCookieName string
	SessionSecure     bool
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(d.Logger))
	// ErrorHandler sits outside Recovery so a recovered panic still gets a
	// rendered error response on the way back out.
	r.Use(middleware.ErrorHandler(d.Logger))
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.SessionMiddleware(middleware.SessionCfg{
		DB:         d.DB,
		CookieName: d.SessionCookieName,
		Secure:     d.SessionSecure,
		TTL:        30 * 24 * time.Hour,
	}))

	paymentH := handlers.NewPaymentHandler(d.Logger, d.Coordinator)
	webhookH := handlers.NewWebhookHandler(d.Logger, d.Coordinator)
	settingsH := handlers.NewSettingsHandler(d.Logger, d.Settings)
	contestH := handlers.NewContestHandler(d.Contests)

	// Webhooks carry their own authentication (signatures), no session.
	r.POST("/webhooks/:provider", webhookH.Handle)

	api := r.Group("/api")
	{
		api.GET("/contests/:id/status", contestH.Status)

		// Browser return path from the provider; redirects only.
		api.GET("/payments/:provider/capture", paymentH.Capture)
		api.POST("/payments/:provider/capture", paymentH.Capture)

		authed := api.Group("")
		authed.Use(middleware.RequireAuth())
		{
			authed.POST("/payments/:provider", paymentH.Create)
		}

		admin := api.Group("")
		admin.Use(middleware.RequireAdmin())
		{
			admin.GET("/settings", settingsH.List)
			admin.PUT("/settings", settingsH.Update)
			admin.POST("/admin/payments/:id/refund", paymentH.Refund)
		}
	}

	return r
}
