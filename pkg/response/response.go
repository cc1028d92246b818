package response

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Error codes
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeRateLimited         = "RATE_LIMITED"
	CodeAdmissionRejected   = "ADMISSION_REJECTED"
	CodeJobNotReady         = "JOB_NOT_READY"
	CodeRangeNotSatisfiable = "RANGE_NOT_SATISFIABLE"
	CodeServiceError        = "SERVICE_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

// AdmissionRejected tells the client every processing slot is taken.
func AdmissionRejected(c *fiber.Ctx, retryAfterSeconds int) error {
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds))
	return Error(c, fiber.StatusServiceUnavailable, CodeAdmissionRejected, "Server is at capacity, retry later", nil)
}

func JobNotReady(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeJobNotReady, message, nil)
}

func RangeNotSatisfiable(c *fiber.Ctx, size int64) error {
	c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(size, 10))
	return Error(c, fiber.StatusRequestedRangeNotSatisfiable, CodeRangeNotSatisfiable, "Requested range not satisfiable", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
