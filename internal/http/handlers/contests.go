package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/http/middleware"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/contests"
	"github.com/mikibart/projcontest-site-sub000/internal/shared/apperr"
)

type ContestHandler struct {
	Repo *contests.Repo
}

func NewContestHandler(repo *contests.Repo) *ContestHandler {
	return &ContestHandler{Repo: repo}
}

// GET /api/contests/:id/status
// Polling surface: webhook settlement is invisible to the payer, so the
// client watches for the pending_approval -> open flip here.
func (h *ContestHandler) Status(c *gin.Context) {
	contest, err := h.Repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			middleware.Fail(c, apperr.NotFoundErr("Contest not found."))
			return
		}
		middleware.Fail(c, apperr.Wrap(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"contest_id": contest.ID,
		"status":     contest.Status,
	})
}
