package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mikibart/projcontest-site-sub000/internal/http/middleware"
	"github.com/mikibart/projcontest-site-sub000/internal/http/validation"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
	"github.com/mikibart/projcontest-site-sub000/internal/shared/apperr"
)

type SettingsHandler struct {
	Logger *slog.Logger
	Store  *settings.Store
}

func NewSettingsHandler(logger *slog.Logger, store *settings.Store) *SettingsHandler {
	return &SettingsHandler{Logger: logger, Store: store}
}

type settingView struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	HasValue bool   `json:"has_value"`
}

// GET /api/settings (admin)
// Sensitive values are masked; plaintext never leaves the store once set.
func (h *SettingsHandler) List(c *gin.Context) {
	keys := settings.AllowedKeys()
	values := h.Store.GetMany(c.Request.Context(), keys...)

	out := make([]settingView, 0, len(keys))
	for _, k := range keys {
		v := values[k]
		view := settingView{Key: k, HasValue: v != ""}
		if settings.IsSensitive(k) {
			view.Value = maskValue(v)
		} else {
			view.Value = v
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

type updateSettingsInput struct {
	Settings map[string]string `json:"settings" binding:"required"`
}

// PUT /api/settings (admin)
// Partial write: an empty string on a sensitive key means "leave unchanged",
// unknown keys are dropped by the store.
func (h *SettingsHandler) Update(c *gin.Context) {
	var in updateSettingsInput
	if err := c.ShouldBindJSON(&in); err != nil {
		errs := validation.FromBindError(err, &in)
		middleware.Fail(c, apperr.InvalidErr("Invalid request.", errs))
		return
	}

	for k, v := range in.Settings {
		if err := h.Store.Set(c.Request.Context(), k, v); err != nil {
			middleware.Fail(c, apperr.Wrap(err))
			return
		}
	}

	h.List(c)
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	r := []rune(v)
	if len(r) <= 4 {
		return "••••"
	}
	return "••••" + string(r[len(r)-4:])
}
