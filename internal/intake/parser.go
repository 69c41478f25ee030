package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"go.uber.org/zap"
)

const (
	// PayloadPart is the form name of the structured part.
	PayloadPart = "payload"
	// AttachmentsPart is the form name of file parts.
	AttachmentsPart = "attachments"
	// DefaultMaxAttachments is the attachment count ceiling.
	DefaultMaxAttachments = 3
	// DefaultMaxPayloadBytes caps the structured part.
	DefaultMaxPayloadBytes int64 = 1 << 20

	maxOriginalNameRunes = 255
	fallbackOriginalName = "attachment"
)

var (
	// ErrMalformedRequest marks submissions whose multipart body or payload JSON cannot be decoded.
	ErrMalformedRequest = errors.New("intake: malformed request")

	errMissingBlobStore = errors.New("intake: blob store is required")
)

// MalformedError carries a client-safe description of an undecodable submission.
type MalformedError struct {
	Message string
	Err     error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return "intake: " + e.Message
	}
	return fmt.Sprintf("intake: %s: %v", e.Message, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Is matches ErrMalformedRequest.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedRequest
}

func malformed(message string, cause error) error {
	return &MalformedError{Message: message, Err: cause}
}

// BlobWriter stores one attachment stream under a fresh locator.
type BlobWriter interface {
	Put(ctx context.Context, declaredMediaType string, source io.Reader) (blobstore.Blob, error)
}

// StagedFile is an attachment already written to the blob store.
type StagedFile struct {
	Locator      string
	OriginalName string
	MediaType    string
	Size         int64
}

// ParseResult is the decoded submission. Violations lists attachments that were refused
// while the rest of the body was still read, so they can be reported with payload problems.
type ParseResult struct {
	Payload    candidates.Payload
	Files      []StagedFile
	Violations []candidates.Violation
}

// Locators lists the locators of every staged file.
func (r ParseResult) Locators() []string {
	locators := make([]string, 0, len(r.Files))
	for _, file := range r.Files {
		locators = append(locators, file.Locator)
	}
	return locators
}

// ParserConfig wires a Parser.
type ParserConfig struct {
	Blobs           BlobWriter
	MaxAttachments  int
	MaxPayloadBytes int64
	Logger          *zap.Logger
}

// Parser reads a multipart submission, streaming file parts into the blob store as they arrive.
type Parser struct {
	blobs           BlobWriter
	maxAttachments  int
	maxPayloadBytes int64
	logger          *zap.Logger
}

func NewParser(cfg ParserConfig) (*Parser, error) {
	if cfg.Blobs == nil {
		return nil, errMissingBlobStore
	}
	maxAttachments := cfg.MaxAttachments
	if maxAttachments <= 0 {
		maxAttachments = DefaultMaxAttachments
	}
	maxPayloadBytes := cfg.MaxPayloadBytes
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		blobs:           cfg.Blobs,
		maxAttachments:  maxAttachments,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}, nil
}

// Parse consumes reader. The returned result always lists the files staged so far, also when
// an error is returned, so that the caller can clean them up.
func (p *Parser) Parse(ctx context.Context, reader *multipart.Reader) (ParseResult, error) {
	var result ParseResult
	payloadSeen := false
	fileParts := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, p.streamError(err)
		}

		switch {
		case part.FileName() != "":
			index := fileParts
			fileParts++
			file, violation, err := p.stageFile(ctx, part, index)
			_ = part.Close()
			if err != nil {
				return result, err
			}
			if violation != nil {
				result.Violations = appendViolation(result.Violations, *violation)
				continue
			}
			result.Files = append(result.Files, file)
		case part.FormName() == AttachmentsPart:
			_ = part.Close()
			return result, malformed("attachment parts must carry a filename", nil)
		case part.FormName() == PayloadPart:
			if payloadSeen {
				_ = part.Close()
				return result, malformed("payload part must appear exactly once", nil)
			}
			payloadSeen = true
			payload, err := p.decodePayload(part)
			_ = part.Close()
			if err != nil {
				return result, err
			}
			result.Payload = payload
		default:
			p.logger.Debug("ignoring multipart field", zap.String("field", part.FormName()))
			_ = part.Close()
		}
	}

	if !payloadSeen {
		return result, malformed("payload part is required", nil)
	}
	return result, nil
}

// stageFile streams one file part into the blob store. Policy refusals come back as a
// violation so that parsing can continue; only stream and storage failures are errors.
func (p *Parser) stageFile(ctx context.Context, part *multipart.Part, index int) (StagedFile, *candidates.Violation, error) {
	if index >= p.maxAttachments {
		return StagedFile{}, &candidates.Violation{
			Field:   "attachments",
			Message: fmt.Sprintf("at most %d attachments are allowed", p.maxAttachments),
		}, nil
	}

	blob, err := p.blobs.Put(ctx, part.Header.Get("Content-Type"), part)
	if err != nil {
		var policyErr *blobstore.PolicyError
		if errors.As(err, &policyErr) {
			return StagedFile{}, &candidates.Violation{
				Field:   fmt.Sprintf("attachments[%d]", index),
				Message: policyErr.Message,
			}, nil
		}
		return StagedFile{}, nil, p.streamError(err)
	}

	return StagedFile{
		Locator:      blob.Locator,
		OriginalName: originalName(part.FileName()),
		MediaType:    blob.MediaType,
		Size:         blob.Size,
	}, nil, nil
}

// appendViolation skips exact repeats, such as one per surplus attachment.
func appendViolation(violations []candidates.Violation, violation candidates.Violation) []candidates.Violation {
	for _, existing := range violations {
		if existing == violation {
			return violations
		}
	}
	return append(violations, violation)
}

func (p *Parser) decodePayload(part io.Reader) (candidates.Payload, error) {
	raw, err := io.ReadAll(io.LimitReader(part, p.maxPayloadBytes+1))
	if err != nil {
		return candidates.Payload{}, p.streamError(err)
	}
	if int64(len(raw)) > p.maxPayloadBytes {
		return candidates.Payload{}, malformed("payload part is too large", nil)
	}
	payload, err := candidates.DecodePayload(bytes.NewReader(raw))
	if err != nil {
		return candidates.Payload{}, malformed("payload is not valid JSON for a candidate", err)
	}
	return payload, nil
}

// streamError classifies failures of the inbound body.
func (p *Parser) streamError(err error) error {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return candidates.NewValidationError([]candidates.Violation{{
			Field:   "attachments",
			Message: fmt.Sprintf("request body exceeds the %d byte limit", maxBytesErr.Limit),
		}})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var ioErr *blobstore.UpstreamIOError
	if errors.As(err, &ioErr) && !ioErr.Inbound() {
		return err
	}
	return malformed("multipart body could not be read", err)
}

func originalName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" || name == "." || name == "/" {
		return fallbackOriginalName
	}
	if utf8.RuneCountInString(name) > maxOriginalNameRunes {
		name = string([]rune(name)[:maxOriginalNameRunes])
	}
	return name
}
