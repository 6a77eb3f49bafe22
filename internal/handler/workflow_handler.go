package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/service"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/pkg/response"
)

type WorkflowHandler struct {
	service   *service.WorkflowService
	validator *validator.Validate
}

func NewWorkflowHandler(svc *service.WorkflowService, v *validator.Validate) *WorkflowHandler {
	return &WorkflowHandler{
		service:   svc,
		validator: v,
	}
}

// Get handles GET /api/jobs/:jobId/workflow
// @Summary      Get workflow checkpoint
// @Description  Return the saved multi-step checkpoint for a job
// @Tags         Workflow
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.WorkflowState
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow [get]
func (h *WorkflowHandler) Get(c *fiber.Ctx) error {
	state, err := h.service.Get(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	if state == nil {
		return response.NotFound(c, "Job has no workflow checkpoint")
	}
	return response.OK(c, state)
}

// Save handles PUT /api/jobs/:jobId/workflow
// @Summary      Save workflow checkpoint
// @Description  Replace the job's multi-step checkpoint
// @Tags         Workflow
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.SaveWorkflowRequest true "Checkpoint"
// @Success      200 {object} model.WorkflowState
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow [put]
func (h *WorkflowHandler) Save(c *fiber.Ctx) error {
	var req model.SaveWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	state, err := h.service.Save(c.Context(), c.Params("jobId"), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, state)
}

// RecordChunk handles POST /api/jobs/:jobId/workflow/chunk
// @Summary      Record workflow chunk
// @Description  Merge a processed chunk into the step checkpoint
// @Tags         Workflow
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.RecordWorkflowChunkRequest true "Chunk outcome"
// @Success      200 {object} model.WorkflowState
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow/chunk [post]
func (h *WorkflowHandler) RecordChunk(c *fiber.Ctx) error {
	var req model.RecordWorkflowChunkRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	state, err := h.service.RecordChunk(c.Context(), c.Params("jobId"), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, state)
}

// Advance handles POST /api/jobs/:jobId/workflow/advance
// @Summary      Advance workflow
// @Description  Move the checkpoint to the named step
// @Tags         Workflow
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.WorkflowStepRequest true "Step"
// @Success      200 {object} model.WorkflowState
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow/advance [post]
func (h *WorkflowHandler) Advance(c *fiber.Ctx) error {
	var req model.WorkflowStepRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	state, err := h.service.Advance(c.Context(), c.Params("jobId"), req.Step)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, state)
}

// RetryFailed handles POST /api/jobs/:jobId/workflow/retry-failed
// @Summary      Retry failed workflow items
// @Description  Clear a step's failed set so those items become remaining again
// @Tags         Workflow
// @Accept       json
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        request body model.WorkflowStepRequest true "Step"
// @Success      200 {object} model.WorkflowState
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow/retry-failed [post]
func (h *WorkflowHandler) RetryFailed(c *fiber.Ctx) error {
	var req model.WorkflowStepRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	state, err := h.service.RetryFailed(c.Context(), c.Params("jobId"), req.Step)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, state)
}

// Remaining handles GET /api/jobs/:jobId/workflow/remaining
// @Summary      Remaining workflow items
// @Description  Recompute the remaining-item set for a step
// @Tags         Workflow
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Param        step query string true "Workflow step"
// @Success      200 {object} model.WorkflowRemainingResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/workflow/remaining [get]
func (h *WorkflowHandler) Remaining(c *fiber.Ctx) error {
	step := model.WorkflowStep(c.Query("step"))
	if !step.Valid() {
		return response.ValidationError(c, "Unknown workflow step", nil)
	}

	result, err := h.service.Remaining(c.Context(), c.Params("jobId"), step)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}
