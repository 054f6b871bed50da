package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-studio/redstage"
)

const maxPeek = 1000

type Handler struct {
	p      *redstage.Pipeline
	logger *slog.Logger
}

func NewHandler(deps *Dependencies) *Handler {
	return &Handler{p: deps.Pipeline, logger: deps.Logger}
}

// Stats handles GET /api/v1/queues
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.p.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

// PeekQueue handles GET /api/v1/queues/:name/jobs?limit=N
func (h *Handler) PeekQueue(c *gin.Context) {
	q, err := h.p.Queue(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseLimit(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	jobs, err := q.Peek(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "peek", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "jobs": toJobResponses(jobs)})
}

// SubmitJob handles POST /api/v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	job, err := h.p.Submit(c.Request.Context(), &redstage.Job{ID: req.ID, Type: req.Type, Payload: req.Payload})
	switch {
	case errors.Is(err, redstage.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, redstage.ErrInvalidJob):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.fail(c, "submit", err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *Handler) GetJob(c *gin.Context) {
	job, ok, err := h.p.Index.Fetch(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, "fetch job", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// ListWorkers handles GET /api/v1/workers
func (h *Handler) ListWorkers(c *gin.Context) {
	members, err := h.p.Workers.Members(c.Request.Context())
	if err != nil {
		h.fail(c, "list workers", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": members})
}

// SignOutWorker handles DELETE /api/v1/workers/:worker_id
func (h *Handler) SignOutWorker(c *gin.Context) {
	if err := h.p.Workers.SignOut(c.Request.Context(), c.Param("worker_id")); err != nil {
		h.fail(c, "sign out", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeadLetters handles GET /api/v1/deadletters?limit=N
func (h *Handler) DeadLetters(c *gin.Context) {
	limit, err := parseLimit(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raws, err := h.p.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, "dead letters", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadletters": raws})
}

// Retry handles POST /api/v1/retry
func (h *Handler) Retry(c *gin.Context) {
	job, ok, err := h.p.Retry(c.Request.Context())
	if err != nil {
		h.fail(c, "retry", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no failed jobs"})
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

// Reconcile handles POST /api/v1/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.p.Reconcile(c.Request.Context())
	if err != nil {
		h.fail(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	_ = c.Error(err)
	h.logger.Error(op+" failed", slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

func parseLimit(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxPeek), nil
}
