package server

import (
	"context"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

type httpHandler struct {
	submitter       Submitter
	candidates      CandidateStore
	blobs           BlobOpener
	cleaner         BlobCleaner
	healthCheck     func(ctx context.Context) error
	maxRequestBytes int64
	logger          *zap.Logger
}

func (h *httpHandler) handleCreateCandidate(c *gin.Context) {
	if h.maxRequestBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxRequestBytes)
	}
	reader, err := c.Request.MultipartReader()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "request must be multipart/form-data"})
		return
	}

	candidate, err := h.submitter.Submit(c.Request.Context(), reader)
	if err != nil {
		h.writeError(c, "candidates.create", err)
		return
	}
	c.Header("Location", "/candidates/"+strconv.FormatUint(candidate.ID, 10))
	c.JSON(http.StatusCreated, newCandidateResponse(candidate))
}

func (h *httpHandler) handleListCandidates(c *gin.Context) {
	page, ok := positiveQueryInt(c, "page")
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "page must be a positive integer"})
		return
	}
	limit, ok := positiveQueryInt(c, "limit")
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: "limit must be a positive integer"})
		return
	}

	records, pagination, err := h.candidates.List(c.Request.Context(), page, limit)
	if err != nil {
		h.writeError(c, "candidates.list", err)
		return
	}
	response := listResponse{Records: make([]candidateResponse, 0, len(records)), Pagination: pagination}
	for index := range records {
		response.Records = append(response.Records, newCandidateResponse(&records[index]))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetCandidate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	candidate, err := h.candidates.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "candidates.get", err)
		return
	}
	c.JSON(http.StatusOK, newCandidateResponse(candidate))
}

func (h *httpHandler) handleDeleteCandidate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	locators, err := h.candidates.Delete(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "candidates.delete", err)
		return
	}
	h.cleaner.Cleanup(c.Request.Context(), intake.ReasonCandidateDeleted, locators)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSuggestions(c *gin.Context) {
	values, err := h.candidates.Suggest(c.Request.Context(), c.Param("field"), c.Query("q"))
	if err != nil {
		h.writeError(c, "candidates.suggest", err)
		return
	}
	c.JSON(http.StatusOK, suggestionsResponse{Suggestions: values})
}

// handleFile serves a blob only when a committed attachment row references it.
func (h *httpHandler) handleFile(c *gin.Context) {
	locator := c.Param("locator")
	if !blobstore.IsLocator(locator) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	attachment, err := h.candidates.AttachmentByLocator(c.Request.Context(), locator)
	if err != nil {
		h.writeError(c, "files.lookup", err)
		return
	}
	file, err := h.blobs.Open(c.Request.Context(), locator)
	if err != nil {
		h.writeError(c, "files.open", err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		h.writeError(c, "files.stat", &blobstore.UpstreamIOError{Op: "stat", Locator: locator, Err: err})
		return
	}
	disposition := mime.FormatMediaType("inline", map[string]string{"filename": attachment.OriginalName})
	if disposition == "" {
		disposition = "inline"
	}
	c.DataFromReader(http.StatusOK, info.Size(), attachment.MediaType, file, map[string]string{
		"Content-Disposition":    disposition,
		"X-Content-Type-Options": "nosniff",
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// positiveQueryInt returns 0 for an absent parameter and false for a malformed one.
func positiveQueryInt(c *gin.Context, name string) (int, bool) {
	raw, present := c.GetQuery(name)
	if !present || raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, false
	}
	return value, true
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
