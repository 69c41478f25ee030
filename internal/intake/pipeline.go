package intake

import (
	"context"
	"errors"
	"mime/multipart"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"go.uber.org/zap"
)

// State is the request-scoped submission state.
type State string

const (
	StateReceiving   State = "RECEIVING"
	StateFilesStaged State = "FILES_STAGED"
	StateValidating  State = "VALIDATING"
	StateRejected    State = "REJECTED"
	StatePersisting  State = "PERSISTING"
	StateCommitted   State = "COMMITTED"
	StateFailed      State = "FAILED"
)

var (
	errMissingParser     = errors.New("intake: parser is required")
	errMissingCandidates = errors.New("intake: candidate creator is required")
	errMissingCleaner    = errors.New("intake: cleaner is required")
)

// transitions lists the legal moves. Parse failures leave RECEIVING directly.
var transitions = map[State][]State{
	StateReceiving:   {StateFilesStaged, StateRejected, StateFailed},
	StateFilesStaged: {StateValidating},
	StateValidating:  {StateRejected, StatePersisting},
	StatePersisting:  {StateCommitted, StateFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCommitted || s == StateFailed
}

func (s State) canMoveTo(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CandidateCreator persists a validated submission.
type CandidateCreator interface {
	Create(ctx context.Context, submission candidates.Submission) (*candidates.Candidate, error)
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Parser     *Parser
	Rules      []candidates.Rule
	Candidates CandidateCreator
	Cleaner    *Cleaner
	Metrics    *metrics.Pipeline
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Pipeline drives one submission from the first multipart byte to a terminal state.
type Pipeline struct {
	parser     *Parser
	rules      []candidates.Rule
	candidates CandidateCreator
	cleaner    *Cleaner
	metrics    *metrics.Pipeline
	logger     *zap.Logger
	clock      func() time.Time
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Parser == nil {
		return nil, errMissingParser
	}
	if cfg.Candidates == nil {
		return nil, errMissingCandidates
	}
	if cfg.Cleaner == nil {
		return nil, errMissingCleaner
	}
	rules := cfg.Rules
	if rules == nil {
		rules = candidates.DefaultRules()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Pipeline{
		parser:     cfg.Parser,
		rules:      rules,
		candidates: cfg.Candidates,
		cleaner:    cfg.Cleaner,
		metrics:    cfg.Metrics,
		logger:     logger,
		clock:      clock,
	}, nil
}

// run tracks one submission.
type run struct {
	state    State
	locators []string
	logger   *zap.Logger
}

func (r *run) moveTo(next State) {
	if !r.state.canMoveTo(next) {
		r.logger.Error("illegal submission transition",
			zap.String("from", string(r.state)),
			zap.String("to", string(next)))
		next = StateFailed
	}
	r.logger.Debug("submission transition",
		zap.String("from", string(r.state)),
		zap.String("to", string(next)))
	r.state = next
}

// Submit parses, validates and persists one submission. Every exit that does not reach
// COMMITTED removes the blobs staged for it before Submit returns, including on cancellation.
// Errors are *candidates.ValidationError, *candidates.ConflictError, ErrMalformedRequest,
// *candidates.PersistenceError, *blobstore.UpstreamIOError or a context error.
func (p *Pipeline) Submit(ctx context.Context, reader *multipart.Reader) (*candidates.Candidate, error) {
	started := p.clock()
	current := &run{state: StateReceiving, logger: p.logger}

	defer func() {
		if !current.state.Terminal() {
			current.moveTo(StateFailed)
		}
		if current.state != StateCommitted {
			reason := ReasonFailed
			if current.state == StateRejected {
				reason = ReasonRejected
			}
			p.cleaner.Cleanup(ctx, reason, current.locators)
		}
		p.metrics.ObserveSubmission(string(current.state), p.clock().Sub(started))
	}()

	parsed, err := p.parser.Parse(ctx, reader)
	current.locators = parsed.Locators()
	for _, file := range parsed.Files {
		p.metrics.AddStagedBytes(file.Size)
	}
	if err != nil {
		if isClientError(err) {
			current.moveTo(StateRejected)
		} else {
			current.moveTo(StateFailed)
			p.logger.Warn("submission receive failed", zap.Error(err), zap.Int("staged", len(current.locators)))
		}
		return nil, err
	}
	current.moveTo(StateFilesStaged)

	current.moveTo(StateValidating)
	violations := append(parsed.Violations, candidates.Validate(parsed.Payload, p.rules...)...)
	if len(violations) > 0 {
		current.moveTo(StateRejected)
		return nil, candidates.NewValidationError(violations)
	}

	current.moveTo(StatePersisting)
	if err := ctx.Err(); err != nil {
		current.moveTo(StateFailed)
		return nil, err
	}
	submission := candidates.Submission{Payload: parsed.Payload}
	for _, file := range parsed.Files {
		submission.Attachments = append(submission.Attachments, candidates.AttachmentInput{
			Locator:      file.Locator,
			OriginalName: file.OriginalName,
			MediaType:    file.MediaType,
			Size:         file.Size,
		})
	}
	candidate, err := p.candidates.Create(ctx, submission)
	if err != nil {
		current.moveTo(StateFailed)
		return nil, err
	}
	current.moveTo(StateCommitted)
	return candidate, nil
}

func isClientError(err error) bool {
	var validationErr *candidates.ValidationError
	return errors.As(err, &validationErr) || errors.Is(err, ErrMalformedRequest)
}
