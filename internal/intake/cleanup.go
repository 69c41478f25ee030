package intake

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"go.uber.org/zap"
)

// Cleanup reasons.
const (
	ReasonRejected         = "rejected"
	ReasonFailed           = "failed"
	ReasonCandidateDeleted = "candidate_deleted"
)

// BlobDeleter removes stored blobs. Deleting an absent blob must succeed.
type BlobDeleter interface {
	Delete(ctx context.Context, name string) error
}

// Cleaner undoes blob writes for submissions that did not commit. It never returns an
// error and never panics: failures are logged and counted, and the triggering error wins.
type Cleaner struct {
	blobs   BlobDeleter
	logger  *zap.Logger
	metrics *metrics.Pipeline
}

// NewCleaner builds a Cleaner. Logger and metrics may be nil.
func NewCleaner(blobs BlobDeleter, logger *zap.Logger, pipelineMetrics *metrics.Pipeline) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{blobs: blobs, logger: logger, metrics: pipelineMetrics}
}

// Cleanup deletes every locator, best effort. It ignores cancellation of ctx so that a
// disconnected client still gets its staged blobs removed. Calling it twice is harmless.
func (c *Cleaner) Cleanup(ctx context.Context, reason string, locators []string) {
	if c == nil || len(locators) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)

	removed := 0
	for _, locator := range locators {
		if err := c.delete(detached, locator); err != nil {
			c.metrics.CountCleanup(metrics.CleanupFailed)
			c.logger.Warn("cleanup deletion failed",
				zap.String("reason", reason),
				zap.String("locator", locator),
				zap.Error(err))
			continue
		}
		removed++
		c.metrics.CountCleanup(metrics.CleanupRemoved)
	}
	c.logger.Info("cleanup finished",
		zap.String("reason", reason),
		zap.Int("requested", len(locators)),
		zap.Int("removed", removed))
}

func (c *Cleaner) delete(ctx context.Context, locator string) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("intake: blob deletion panicked: %v", recovered)
		}
	}()
	if c.blobs == nil {
		return errMissingBlobStore
	}
	return c.blobs.Delete(ctx, locator)
}
