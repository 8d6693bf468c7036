package handler

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/docchat/api/internal/model"
	"github.com/docchat/api/internal/service"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/pkg/response"
)

type JobHandler struct {
	service   service.JobSubmitter
	validator *validator.Validate
}

func NewJobHandler(svc service.JobSubmitter, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Message handles POST /message
// @Summary      Submit a message
// @Description  Queue a DIRECT job that answers the message with a single model completion. Poll /status/{requestId} for the result.
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.MessageRequest true "Message request"
// @Success      200 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /message [post]
func (h *JobHandler) Message(c *fiber.Ctx) error {
	var req model.MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitMessage(c.UserContext(), &req)
	if err != nil {
		return submitError(c, err)
	}

	return response.OK(c, result)
}

// StartProcessing handles POST /startProcessing
// @Summary      Start document processing
// @Description  Queue a WORKFLOW job that runs the query over the given files through the workflow engine. Poll /status/{requestId} for progress.
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.StartProcessingRequest true "Processing request"
// @Success      200 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /startProcessing [post]
func (h *JobHandler) StartProcessing(c *fiber.Ctx) error {
	var req model.StartProcessingRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartProcessing(c.UserContext(), &req)
	if err != nil {
		return submitError(c, err)
	}

	return response.OK(c, result)
}

// Status handles GET /status/:requestId
// @Summary      Get job status
// @Description  Return the current status record. With wait, blocks up to that many seconds (max 30) until the record changes after since.
// @Tags         Jobs
// @Produce      json
// @Param        requestId path string true "Request ID"
// @Param        wait query int false "Long-poll seconds"
// @Param        since query string false "RFC3339 timestamp of the last seen update"
// @Success      200 {object} model.JobStatus
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /status/{requestId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	requestID := c.Params("requestId")
	if requestID == "" {
		return response.ValidationError(c, "Request ID is required", nil)
	}

	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		return response.ValidationError(c, "Invalid wait parameter", nil)
	}

	var since time.Time
	if s := c.Query("since"); s != "" {
		since, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return response.ValidationError(c, "Invalid since parameter", nil)
		}
	}

	var result *model.JobStatus
	if wait > 0 {
		result, err = h.service.WaitStatus(c.UserContext(), requestID, since, wait)
	} else {
		result, err = h.service.GetStatus(c.UserContext(), requestID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.StoreError(c, err.Error())
	}

	return response.OK(c, result)
}

// parseWait accepts whole seconds or a Go duration.
func parseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.New("negative wait")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("invalid wait")
	}
	return d, nil
}

func submitError(c *fiber.Ctx, err error) error {
	var enqErr *service.EnqueueError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return response.ValidationError(c, err.Error(), nil)
	case errors.As(err, &enqErr):
		return response.QueueError(c, "Job could not be queued", enqErr.RequestID)
	case errors.Is(err, service.ErrStore):
		return response.StoreError(c, "Job could not be recorded")
	default:
		return response.ServiceError(c, err.Error())
	}
}
