package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/rangeserve"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

type MixHandler struct {
	service   *service.MixService
	validator *validator.Validate
}

func NewMixHandler(svc *service.MixService, v *validator.Validate) *MixHandler {
	return &MixHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/v1/jobs/:id/mix
func (h *MixHandler) Create(c *fiber.Ctx) error {
	var req model.MixRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Create(c.Context(), c.Params("id"), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/v1/jobs/:id/mix/:key
func (h *MixHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.Context(), c.Params("id"), c.Params("key"))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Download handles GET|HEAD /api/v1/jobs/:id/mix/:key/download
func (h *MixHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("id")
	path, err := h.service.ArtifactPath(c.Context(), jobID, c.Params("key"))
	if err != nil {
		return serviceError(c, err)
	}

	c.Attachment(service.MixFileName(jobID, path))
	return rangeserve.Serve(c, path, service.ContentType(path))
}
