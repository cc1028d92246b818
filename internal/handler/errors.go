package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/stage"
	"github.com/stemsplit/api/pkg/response"
)

// admissionRetryAfter is the Retry-After hint sent when every slot is busy
const admissionRetryAfter = 30

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

// serviceError maps service sentinels onto the response envelope.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrAdmissionRejected):
		return response.AdmissionRejected(c, admissionRetryAfter)
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrMixNotFound):
		return response.NotFound(c, "Mix not found")
	case errors.Is(err, service.ErrArtifactMissing):
		return response.NotFound(c, "Artifact not found")
	case errors.Is(err, service.ErrJobNotCompleted):
		return response.JobNotReady(c, "Job not completed yet")
	}
	var se *stage.Error
	if errors.As(err, &se) && se.Kind == stage.KindValidation {
		return response.ValidationError(c, se.Detail, nil)
	}
	return response.ServiceError(c, err.Error())
}
