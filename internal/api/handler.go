package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"patchwatch/internal/ingest"
	"patchwatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the synchronous ingestion path. It shares the Processor
// with the broker consumer.
type Handler struct {
	processor *ingest.Processor
	timeout   time.Duration
	logger    *logger.Logger
}

// NewHandler bounds every request's storage work by timeout. A zero timeout
// leaves only the client's own deadline.
func NewHandler(p *ingest.Processor, timeout time.Duration, l *logger.Logger) *Handler {
	return &Handler{processor: p, timeout: timeout, logger: l.Named("api")}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/updates", h.createUpdate)     // POST /api/v1/updates
	rg.GET("/games/resolve", h.resolveGame) // GET /api/v1/games/resolve?name=
}

func (h *Handler) createUpdate(c *gin.Context) {
	var sub ingest.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.processor.Process(ctx, sub)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (h *Handler) resolveGame(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	g, err := h.processor.Resolver().Resolve(ctx, name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidSubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrGameNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "game not found"})
	default:
		h.logger.Error("ingestion failed", err, zap.String("path", c.FullPath()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry later"})
	}
}
