package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/http/middleware"
	"github.com/mikibart/projcontest-site-sub000/internal/http/validation"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/payments"
	"github.com/mikibart/projcontest-site-sub000/internal/shared/apperr"
)

type PaymentHandler struct {
	Logger *slog.Logger
	Coord  *payments.Coordinator
}

func NewPaymentHandler(logger *slog.Logger, coord *payments.Coordinator) *PaymentHandler {
	return &PaymentHandler{Logger: logger, Coord: coord}
}

type collectFeeInput struct {
	ContestID string `json:"contest_id" binding:"required,uuid"`
}

// POST /api/payments/:provider
func (h *PaymentHandler) Create(c *gin.Context) {
	u, _ := middleware.CurrentUser(c)

	var in collectFeeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		errs := validation.FromBindError(err, &in)
		middleware.Fail(c, apperr.InvalidErr("Invalid request.", errs))
		return
	}

	res, err := h.Coord.CollectFee(c.Request.Context(), payments.CollectFeeInput{
		ContestID:   in.ContestID,
		ActorUserID: u.ID,
		Provider:    c.Param("provider"),
	})
	if err != nil {
		middleware.Fail(c, mapCollectFeeErr(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment_id":   res.PaymentID,
		"order_id":     res.OrderID,
		"redirect_url": res.RedirectURL,
		"amount":       res.Amount.StringFixed(2),
		"currency":     res.Currency,
	})
}

func mapCollectFeeErr(err error) error {
	var cfgErr *payments.ConfigError
	var commErr *payments.CommError
	switch {
	case errors.Is(err, payments.ErrUnknownProvider):
		return apperr.InvalidErr("Unknown payment provider.", nil)
	case errors.Is(err, payments.ErrProviderDisabled):
		return apperr.ConflictErr("This payment method is currently unavailable.")
	case errors.As(err, &cfgErr):
		return &apperr.AppError{Kind: apperr.Conflict, PublicMsg: "This payment method is not configured.", Err: err}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFoundErr("Contest not found.")
	case errors.Is(err, payments.ErrForbidden):
		return apperr.ForbiddenErr("Only the contest owner can pay the activation fee.")
	case errors.Is(err, payments.ErrContestNotPayable):
		return apperr.InvalidErr("Contest is not awaiting payment.", nil)
	case errors.Is(err, payments.ErrDuplicateActivePayment):
		return apperr.ConflictErr("An active payment already exists for this contest.")
	case errors.As(err, &commErr):
		return &apperr.AppError{Kind: apperr.Internal, PublicMsg: "Payment provider is unreachable. Please try again.", Err: err}
	default:
		return apperr.Wrap(err)
	}
}

// GET|POST /api/payments/:provider/capture?token=<orderID>
// Browser-facing return path: it only ever redirects, never answers JSON. The
// webhook path may have settled the same order already; HandleCapture absorbs
// that.
func (h *PaymentHandler) Capture(c *gin.Context) {
	ctx := c.Request.Context()
	provider := c.Param("provider")
	token := c.Query("token")
	if token == "" {
		c.Redirect(http.StatusFound, h.Coord.CancelURL(ctx, "", "invalid_token"))
		return
	}

	out, err := h.Coord.HandleCapture(ctx, provider, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, payments.ErrUnknownProvider) {
			h.Logger.Warn("capture for unknown order", "provider", provider, "token", token)
			c.Redirect(http.StatusFound, h.Coord.CancelURL(ctx, out.ContestID, "unknown_order"))
			return
		}
		h.Logger.Error("capture failed", "provider", provider, "token", token, "err", err)
		c.Redirect(http.StatusFound, h.Coord.CancelURL(ctx, out.ContestID, "provider_error"))
		return
	}

	if out.Completed || out.Pending {
		c.Redirect(http.StatusFound, h.Coord.SuccessURL(ctx, out.ContestID))
		return
	}
	c.Redirect(http.StatusFound, h.Coord.CancelURL(ctx, out.ContestID, "payment_failed"))
}

// POST /api/admin/payments/:id/refund
// Manual override only; no provider refund call is made here.
func (h *PaymentHandler) Refund(c *gin.Context) {
	err := h.Coord.MarkRefunded(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": payments.StatusRefunded})
	case errors.Is(err, gorm.ErrRecordNotFound):
		middleware.Fail(c, apperr.NotFoundErr("Payment not found."))
	case errors.Is(err, payments.ErrInvalidTransition):
		middleware.Fail(c, apperr.ConflictErr("Payment is already settled."))
	default:
		middleware.Fail(c, apperr.Wrap(err))
	}
}
