package intake

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"go.uber.org/zap"
)

// DefaultSweepGrace keeps blobs younger than this out of a sweep so in-flight submissions are not raced.
const DefaultSweepGrace = time.Hour

var errMissingLocatorIndex = errors.New("intake: locator index is required")

// BlobInventory lists and removes stored blobs.
type BlobInventory interface {
	List(ctx context.Context) ([]blobstore.Entry, error)
	Delete(ctx context.Context, name string) error
}

// LocatorIndex answers which locators are referenced by committed attachment rows.
type LocatorIndex interface {
	ReferencedLocators(ctx context.Context, locators []string) (map[string]struct{}, error)
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned    int
	Referenced int
	Young      int
	Removed    []string
	Failed     []string
	DryRun     bool
}

// Sweeper removes blobs that no committed attachment row references.
type Sweeper struct {
	blobs   BlobInventory
	index   LocatorIndex
	logger  *zap.Logger
	metrics *metrics.Pipeline
	clock   func() time.Time
}

func NewSweeper(blobs BlobInventory, index LocatorIndex, logger *zap.Logger, pipelineMetrics *metrics.Pipeline, clock func() time.Time) (*Sweeper, error) {
	if blobs == nil {
		return nil, errMissingBlobStore
	}
	if index == nil {
		return nil, errMissingLocatorIndex
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{blobs: blobs, index: index, logger: logger, metrics: pipelineMetrics, clock: clock}, nil
}

// Sweep removes stale partial uploads and unreferenced committed blobs older than grace.
// With dryRun set it only reports what would be removed.
func (s *Sweeper) Sweep(ctx context.Context, grace time.Duration, dryRun bool) (SweepReport, error) {
	if grace < 0 {
		grace = 0
	}
	report := SweepReport{DryRun: dryRun}

	entries, err := s.blobs.List(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(entries)

	cutoff := s.clock().Add(-grace)
	var stale []blobstore.Entry
	committed := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ModifiedAt.After(cutoff) {
			report.Young++
			continue
		}
		stale = append(stale, entry)
		if !entry.Partial {
			committed = append(committed, entry.Name)
		}
	}

	referenced, err := s.index.ReferencedLocators(ctx, committed)
	if err != nil {
		return report, err
	}

	for _, entry := range stale {
		if _, ok := referenced[entry.Name]; ok && !entry.Partial {
			report.Referenced++
			continue
		}
		if dryRun {
			report.Removed = append(report.Removed, entry.Name)
			continue
		}
		if err := s.blobs.Delete(ctx, entry.Name); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			s.logger.Warn("sweep deletion failed", zap.String("locator", entry.Name), zap.Error(err))
			report.Failed = append(report.Failed, entry.Name)
			continue
		}
		report.Removed = append(report.Removed, entry.Name)
	}

	if !dryRun {
		s.metrics.AddSwept(len(report.Removed))
	}
	s.logger.Info("sweep finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("referenced", report.Referenced),
		zap.Int("young", report.Young),
		zap.Int("removed", len(report.Removed)),
		zap.Int("failed", len(report.Failed)),
		zap.Strings("removed_locators", report.Removed))
	return report, nil
}
