package search

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meridianhq/meridian/internal/logger"
)

// Handler handles HTTP requests for search operations.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new search handler.
func NewHandler(service *Service, logger *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// SearchHandler handles GET /v1/search requests.
// Query parameters:
//   - q (required): search query
//   - count (optional): number of results, default 10, max 30
func (h *Handler) SearchHandler(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("search_handler")

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		log.Warn("search request missing query parameter")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing required parameter 'q' (search query)",
		})
		return
	}

	count, err := strconv.Atoi(c.DefaultQuery("count", "10"))
	if err != nil || count < 1 || count > 30 {
		count = 10
	}

	result := h.service.Search(c.Request.Context(), query, count)

	log.Info("search request served",
		slog.String("method", result.SearchMethod),
		slog.Int("results", len(result.Results)))
	c.JSON(http.StatusOK, result)
}
