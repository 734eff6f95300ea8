package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mikibart/projcontest-site-sub000/internal/modules/payments"
)

type WebhookHandler struct {
	Logger *slog.Logger
	Coord  *payments.Coordinator
}

func NewWebhookHandler(logger *slog.Logger, coord *payments.Coordinator) *WebhookHandler {
	return &WebhookHandler{Logger: logger, Coord: coord}
}

// POST /webhooks/:provider
// The body must be read raw before any parsing: signatures are computed over
// the exact bytes. 401 means signature failure and nothing else; any
// processing failure is a 5xx so the provider retries.
func (h *WebhookHandler) Handle(c *gin.Context) {
	providerName := c.Param("provider")
	gw, ok := h.Coord.Gateway(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"received": false, "error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"received": false, "error": "invalid body"})
		return
	}

	ev, err := gw.VerifyAndParseWebhook(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.Logger.Warn("webhook signature rejected", "provider", providerName)
			c.JSON(http.StatusUnauthorized, gin.H{"received": false, "error": "invalid signature"})
			return
		}
		var cfgErr *payments.ConfigError
		if errors.As(err, &cfgErr) {
			// verification impossible; 5xx keeps the provider retrying until
			// the secret is configured
			h.Logger.Error("webhook rejected, provider not configured", "provider", providerName, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"received": false})
			return
		}
		h.Logger.Warn("webhook payload rejected", "provider", providerName, "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"received": false, "error": "invalid payload"})
		return
	}

	if err := h.Coord.HandleWebhook(c.Request.Context(), providerName, ev, body); err != nil {
		h.Logger.Error("webhook apply failed", "provider", providerName,
			"event_id", ev.ID, "type", ev.RawType, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
