package handler

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/rangeserve"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/pkg/response"
)

// sniffLen matches the amount of data mimetype inspects
const sniffLen = 3072

type JobHandler struct {
	service       *service.JobService
	validator     *validator.Validate
	maxUploadSize int64
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, maxUploadMB int) *JobHandler {
	return &JobHandler{
		service:       svc,
		validator:     v,
		maxUploadSize: int64(maxUploadMB) * 1024 * 1024,
	}
}

// Create handles POST /api/v1/jobs
func (h *JobHandler) Create(c *fiber.Ctx) error {
	var req model.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitRemote(c.Context(), &req, c.IP())
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

// Upload handles POST /api/v1/jobs/upload
func (h *JobHandler) Upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		return response.ValidationError(c, "File size exceeds the upload limit", map[string]interface{}{
			"maxSize":  h.maxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	// Trust the content, not the declared Content-Type
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return response.ServiceError(c, "Failed to read file")
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	if !isMedia(mtype) {
		return response.ValidationError(c, "Unsupported file type. Upload an audio or video file", map[string]interface{}{
			"contentType": mtype.String(),
		})
	}

	result, err := h.service.SubmitUpload(c.Context(), filepath.Base(file.Filename), io.MultiReader(bytes.NewReader(head), f), c.IP())
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

func isMedia(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") || strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

// Status handles GET /api/v1/jobs/:id
func (h *JobHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetStatus(c.Context(), c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Download handles GET|HEAD /api/v1/jobs/:id/download
func (h *JobHandler) Download(c *fiber.Ctx) error {
	return h.serveArtifact(c, true)
}

// Stream handles GET|HEAD /api/v1/jobs/:id/stream
func (h *JobHandler) Stream(c *fiber.Ctx) error {
	return h.serveArtifact(c, false)
}

func (h *JobHandler) serveArtifact(c *fiber.Ctx, attachment bool) error {
	jobID := c.Params("id")
	path, err := h.service.ArtifactPath(c.Context(), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	if attachment {
		c.Attachment(jobID + filepath.Ext(path))
	}
	return rangeserve.Serve(c, path, service.ContentType(path))
}

// Tracks handles GET /api/v1/jobs/:id/tracks
func (h *JobHandler) Tracks(c *fiber.Ctx) error {
	result, err := h.service.Stems(c.Context(), c.Params("id"))
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Track handles GET|HEAD /api/v1/jobs/:id/tracks/:stem
func (h *JobHandler) Track(c *fiber.Ctx) error {
	stem, ok := model.ParseStem(c.Params("stem"))
	if !ok {
		return response.ValidationError(c, "Unknown stem", map[string]interface{}{
			"allowed": model.AllStems,
		})
	}

	jobID := c.Params("id")
	path, err := h.service.StemPath(c.Context(), jobID, stem)
	if err != nil {
		return serviceError(c, err)
	}

	c.Attachment(jobID + "_" + stem.FileName())
	return rangeserve.Serve(c, path, "audio/wav")
}
