package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/fluentedge-labs/assess_api/shared"
)

type UserHandler struct {
	assessmentSvc AssessmentServiceInterface
}

func NewUserHandler(assessmentSvc AssessmentServiceInterface) *UserHandler {
	return &UserHandler{
		assessmentSvc: assessmentSvc,
	}
}

// @Summary Get score history
// @Description Return score reports for all of the user's completed assessment sessions, newest first
// @Tags user
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Success 200 {object} shared.Response{data=dto.ScoreHistoryResponse}
// @Router /api/v1/user/scores [get]
func (h *UserHandler) GetScoreHistory(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)

	history, err := h.assessmentSvc.GetScoreHistory(userID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Score history retrieved", history)
}
