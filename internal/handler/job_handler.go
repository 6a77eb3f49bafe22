package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/service"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// serviceError maps service-layer errors onto the response envelope.
func serviceError(c *fiber.Ctx, err error) error {
	var transition *engine.TransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.As(err, &transition):
		return response.IllegalTransition(c, transition.Error())
	case errors.Is(err, service.ErrInvalidConfig):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, service.ErrJobActive):
		return response.IllegalTransition(c, "Job is still active; cancel it first")
	default:
		return response.ServiceError(c, err.Error())
	}
}

// Create handles POST /api/jobs
// @Summary      Create job
// @Description  Create a page-processing job and trigger its first chunk
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.CreateJobRequest true "Create request"
// @Success      201 {object} model.CreateJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.Context(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

// List handles GET /api/jobs
// @Summary      List jobs
// @Description  List jobs filtered by status, type and document
// @Tags         Jobs
// @Produce      json
// @Param        status query string false "Job status filter"
// @Param        type query string false "Job type filter"
// @Param        documentId query string false "Document filter"
// @Param        limit query int false "Page size"
// @Param        offset query int false "Page offset"
// @Success      200 {object} model.JobListResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	filter := store.JobFilter{
		Status:     model.JobStatus(c.Query("status")),
		Type:       model.JobType(c.Query("type")),
		DocumentID: c.Query("documentId"),
		Limit:      c.QueryInt("limit", 50),
		Offset:     c.QueryInt("offset", 0),
	}

	result, err := h.service.List(c.Context(), filter)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Get handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Description  Poll the current status and progress of a job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Get(c *fiber.Ctx) error {
	result, err := h.service.Get(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/jobs/:jobId
// @Summary      Delete job
// @Description  Delete a job that is not actively processing
// @Tags         Jobs
// @Param        jobId path string true "Job ID"
// @Success      204
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [delete]
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), c.Params("jobId")); err != nil {
		return serviceError(c, err)
	}
	return response.NoContent(c)
}

// Advance handles POST /api/jobs/:jobId/advance
// @Summary      Advance job
// @Description  Trigger the next invocation of a job manually
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/advance [post]
func (h *JobHandler) Advance(c *fiber.Ctx) error {
	result, err := h.service.Advance(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, result)
}

// Pause handles POST /api/jobs/:jobId/pause
// @Summary      Pause job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/pause [post]
func (h *JobHandler) Pause(c *fiber.Ctx) error {
	result, err := h.service.Pause(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Resume handles POST /api/jobs/:jobId/resume
// @Summary      Resume job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/resume [post]
func (h *JobHandler) Resume(c *fiber.Ctx) error {
	result, err := h.service.Resume(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
// @Summary      Cancel job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/cancel [post]
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Retry handles POST /api/jobs/:jobId/retry
// @Summary      Retry job
// @Description  Re-open a failed or cancelled job, reprocessing only failed items
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.JobActionResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/retry [post]
func (h *JobHandler) Retry(c *fiber.Ctx) error {
	result, err := h.service.Retry(c.Context(), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, result)
}

// BatchSummary handles GET /api/jobs/stats/batch
// @Summary      Batch summary
// @Description  Aggregate pending preparation, submission and collection counts over live batch jobs
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.BatchSummaryResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/stats/batch [get]
func (h *JobHandler) BatchSummary(c *fiber.Ctx) error {
	result, err := h.service.BatchSummary(c.Context())
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Stale handles GET /api/jobs/stale
// @Summary      List stale jobs
// @Description  List processing jobs with no recent writes
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.StaleJobsResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/stale [get]
func (h *JobHandler) Stale(c *fiber.Ctx) error {
	result, err := h.service.Stale(c.Context())
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// ResumeStale handles POST /api/jobs/stale/resume
// @Summary      Resume stale jobs
// @Description  Re-dispatch every stale processing job
// @Tags         Jobs
// @Produce      json
// @Success      200 {object} model.ResumeStaleResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/stale/resume [post]
func (h *JobHandler) ResumeStale(c *fiber.Ctx) error {
	result, err := h.service.ResumeStale(c.Context())
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
