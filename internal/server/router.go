package server

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	errMissingSubmitter  = errors.New("submission pipeline dependency required")
	errMissingCandidates = errors.New("candidate store dependency required")
	errMissingBlobs      = errors.New("blob store dependency required")
	errMissingCleaner    = errors.New("cleaner dependency required")
)

// Submitter runs one multipart submission through the intake pipeline.
type Submitter interface {
	Submit(ctx context.Context, reader *multipart.Reader) (*candidates.Candidate, error)
}

// CandidateStore is the read and delete side of the candidate records.
type CandidateStore interface {
	Get(ctx context.Context, id uint64) (*candidates.Candidate, error)
	List(ctx context.Context, page, limit int) ([]candidates.Candidate, candidates.Pagination, error)
	Suggest(ctx context.Context, field, query string) ([]string, error)
	Delete(ctx context.Context, id uint64) ([]string, error)
	AttachmentByLocator(ctx context.Context, locator string) (*candidates.Attachment, error)
}

// BlobOpener opens committed blobs for download.
type BlobOpener interface {
	Open(ctx context.Context, locator string) (afero.File, error)
}

// BlobCleaner removes blobs after their owning record is gone.
type BlobCleaner interface {
	Cleanup(ctx context.Context, reason string, locators []string)
}

type Dependencies struct {
	Submitter       Submitter
	Candidates      CandidateStore
	Blobs           BlobOpener
	Cleaner         BlobCleaner
	HealthCheck     func(ctx context.Context) error
	Metrics         *prometheus.Registry
	AllowedOrigins  []string
	MaxRequestBytes int64
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Submitter == nil {
		return nil, errMissingSubmitter
	}
	if deps.Candidates == nil {
		return nil, errMissingCandidates
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobs
	}
	if deps.Cleaner == nil {
		return nil, errMissingCleaner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(recoverer(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		submitter:       deps.Submitter,
		candidates:      deps.Candidates,
		blobs:           deps.Blobs,
		cleaner:         deps.Cleaner,
		healthCheck:     deps.HealthCheck,
		maxRequestBytes: deps.MaxRequestBytes,
		logger:          logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(deps.Metrics)))
	}

	router.POST("/candidates", handler.handleCreateCandidate)
	router.GET("/candidates", handler.handleListCandidates)
	router.GET("/candidates/:id", handler.handleGetCandidate)
	router.DELETE("/candidates/:id", handler.handleDeleteCandidate)
	router.GET("/suggestions/:field", handler.handleSuggestions)
	router.GET("/files/:locator", handler.handleFile)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
