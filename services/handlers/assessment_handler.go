package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/fluentedge-labs/assess_api/dto"
	"github.com/fluentedge-labs/assess_api/shared"
)

type AssessmentHandler struct {
	assessmentSvc AssessmentServiceInterface
}

func NewAssessmentHandler(assessmentSvc AssessmentServiceInterface) *AssessmentHandler {
	return &AssessmentHandler{
		assessmentSvc: assessmentSvc,
	}
}

// @Summary Start an assessment session
// @Description Consume one daily attempt and create a fully prepared session with all seven stages
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param createRequest body dto.CreateAssessmentRequest false "Optional topic and difficulty"
// @Success 201 {object} shared.Response{data=dto.CreateAssessmentResponse}
// @Failure 409 {object} shared.Response "No attempts remaining today"
// @Router /api/v1/assessment/session [post]
func (h *AssessmentHandler) CreateSession(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)

	var req dto.CreateAssessmentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return err
		}
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	resp, err := h.assessmentSvc.CreateSession(c.Context(), userID, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusCreated, "Assessment session created", resp)
}

// @Summary Get session state
// @Description Return the authoritative state of an assessment session
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Success 200 {object} shared.Response{data=dto.SessionStateResponse}
// @Failure 404 {object} shared.Response "Session not found"
// @Failure 410 {object} shared.Response "Session expired"
// @Router /api/v1/assessment/session/{sessionId} [get]
func (h *AssessmentHandler) GetSessionState(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	resp, err := h.assessmentSvc.GetState(c.Context(), userID, sessionID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Session state retrieved", resp)
}

// @Summary Sync client progress
// @Description Reconcile the client's cached view against the server record and report drift
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param syncRequest body dto.SyncProgressRequest true "Client view of the session"
// @Success 200 {object} shared.Response{data=dto.SyncProgressResponse}
// @Router /api/v1/assessment/session/{sessionId}/sync [post]
func (h *AssessmentHandler) SyncProgress(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	var req dto.SyncProgressRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	resp, err := h.assessmentSvc.Sync(c.Context(), userID, sessionID, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Progress synced", resp)
}

// @Summary Heartbeat
// @Description Refresh session activity and confirm the server-side timer is running
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param heartbeatRequest body dto.HeartbeatRequest false "Client timer reading"
// @Success 200 {object} shared.Response{data=dto.SessionStateResponse}
// @Router /api/v1/assessment/session/{sessionId}/heartbeat [post]
func (h *AssessmentHandler) Heartbeat(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	var req dto.HeartbeatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return err
		}
	}

	resp, err := h.assessmentSvc.Heartbeat(c.Context(), userID, sessionID, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Heartbeat recorded", resp)
}

// @Summary Get stage content
// @Description Return the generated content for a stage. Repeated calls return the same content.
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param stageKind path string true "Stage kind" Enums(reading, listening, jumbled_sentences, story_summary, personal_question, comprehension, fill_blanks)
// @Success 200 {object} shared.Response{data=dto.StageContentResponse}
// @Failure 400 {object} shared.Response "Stage not reachable yet or already completed"
// @Router /api/v1/assessment/session/{sessionId}/stage/{stageKind}/content [get]
func (h *AssessmentHandler) GetStageContent(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")
	stage := c.Params("stageKind")

	resp, err := h.assessmentSvc.GetStageContent(c.Context(), userID, sessionID, stage)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Stage content retrieved", resp)
}

// @Summary Submit a stage item answer
// @Description Grade one item of the current stage and advance the item cursor
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param stageKind path string true "Stage kind"
// @Param submitRequest body dto.SubmitItemRequest true "Item answer"
// @Success 200 {object} shared.Response{data=dto.SubmitItemResponse}
// @Router /api/v1/assessment/session/{sessionId}/stage/{stageKind}/item [post]
func (h *AssessmentHandler) SubmitStageItem(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")
	stage := c.Params("stageKind")

	var req dto.SubmitItemRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	resp, err := h.assessmentSvc.SubmitStageItem(c.Context(), userID, sessionID, stage, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Item submitted", resp)
}

// @Summary Complete a stage
// @Description Record the stage score, mark it completed and advance to the next stage
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param stageKind path string true "Stage kind"
// @Param completeRequest body dto.CompleteStageRequest true "Stage score"
// @Success 200 {object} shared.Response{data=dto.CompleteStageResponse}
// @Router /api/v1/assessment/session/{sessionId}/stage/{stageKind}/complete [post]
func (h *AssessmentHandler) CompleteStage(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")
	stage := c.Params("stageKind")

	var req dto.CompleteStageRequest
	if err := c.BodyParser(&req); err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	resp, err := h.assessmentSvc.CompleteStage(c.Context(), userID, sessionID, stage, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Stage completed", resp)
}

// @Summary Force submit a session
// @Description Submit the session as-is, zero-filling unfinished stages. Safe to call from an unload beacon; an empty body defaults the reason to user_submit.
// @Tags assessment
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Param submitRequest body dto.ForceSubmitRequest false "Submit reason"
// @Success 200 {object} shared.Response{data=dto.SessionStateResponse}
// @Router /api/v1/assessment/session/{sessionId}/submit [post]
func (h *AssessmentHandler) ForceSubmit(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	// sendBeacon posts an empty body, so parse leniently.
	var req dto.ForceSubmitRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			validationResp := dto.CreateValidationErrorResponse(err)
			return c.Status(fiber.StatusBadRequest).JSON(validationResp)
		}
	}

	resp, err := h.assessmentSvc.ForceSubmit(c.Context(), userID, sessionID, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Session submitted", resp)
}

// @Summary Get score report
// @Description Return the overall score and per-stage breakdown for a session
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Success 200 {object} shared.Response{data=dto.ScoreReportResponse}
// @Router /api/v1/assessment/session/{sessionId}/score [get]
func (h *AssessmentHandler) GetScoreReport(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	resp, err := h.assessmentSvc.GetScoreReport(userID, sessionID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Score report retrieved", resp)
}

// @Summary Clear a session
// @Description Delete the session record, its artifacts and its timer snapshot. Recorded scores are kept.
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param sessionId path string true "Session ID"
// @Success 200 {object} shared.Response{data=nil}
// @Router /api/v1/assessment/session/{sessionId} [delete]
func (h *AssessmentHandler) ClearSession(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	sessionID := c.Params("sessionId")

	if err := h.assessmentSvc.ClearSession(c.Context(), userID, sessionID); err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Session cleared", nil)
}

// @Summary Stream a media resource
// @Description Stream the bytes of a stored artifact, typically stage audio
// @Tags assessment
// @Produce octet-stream
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param resourceId path string true "Resource ID"
// @Success 200 {file} binary
// @Failure 404 {object} shared.Response "Resource not found"
// @Router /api/v1/assessment/resource/{resourceId} [get]
func (h *AssessmentHandler) GetResource(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	resourceID := c.Params("resourceId")

	data, contentType, err := h.assessmentSvc.ReadResource(c.Context(), userID, resourceID)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, contentType)
	return c.Status(fiber.StatusOK).Send(data)
}

// @Summary Get attempt quota
// @Description Return today's used and remaining assessment attempts
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Success 200 {object} shared.Response{data=dto.QuotaResponse}
// @Router /api/v1/assessment/quota [get]
func (h *AssessmentHandler) GetQuota(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)

	resp, err := h.assessmentSvc.GetQuota(userID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Quota retrieved", resp)
}

// @Summary List assessment topics
// @Description Return the active topics a session can be created with
// @Tags assessment
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Success 200 {object} shared.Response{data=dto.TopicListResponse}
// @Router /api/v1/assessment/topics [get]
func (h *AssessmentHandler) GetTopics(c *fiber.Ctx) error {
	resp, err := h.assessmentSvc.GetTopics()
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Topics retrieved", resp)
}
