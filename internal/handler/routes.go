package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/middleware"
)

// Routes bundles everything mounted under /api/v1
type Routes struct {
	Jobs        *JobHandler
	Mixes       *MixHandler
	Limiter     *middleware.RateLimiter
	JobsPerHour int
	MixPerHour  int
}

// Register mounts the job and mix endpoints on router.
func Register(router fiber.Router, r Routes) {
	jobs := router.Group("/jobs")
	jobs.Post("/", r.Limiter.JobsLimit(r.JobsPerHour), r.Jobs.Create)
	jobs.Post("/upload", r.Limiter.JobsLimit(r.JobsPerHour), r.Jobs.Upload)
	jobs.Get("/:id", r.Jobs.Status)

	// fiber registers HEAD alongside every GET route
	jobs.Get("/:id/download", r.Jobs.Download)
	jobs.Get("/:id/stream", r.Jobs.Stream)
	jobs.Get("/:id/tracks", r.Jobs.Tracks)
	jobs.Get("/:id/tracks/:stem", r.Jobs.Track)

	jobs.Post("/:id/mix", r.Limiter.MixLimit(r.MixPerHour), r.Mixes.Create)
	jobs.Get("/:id/mix/:key", r.Mixes.Status)
	jobs.Get("/:id/mix/:key/download", r.Mixes.Download)
}
