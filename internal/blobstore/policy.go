package blobstore

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// Accepted attachment media types.
	MediaTypePDF  = "application/pdf"
	MediaTypeDOC  = "application/msword"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	// DefaultMaxFileBytes is the per-attachment ceiling (5 MiB).
	DefaultMaxFileBytes int64 = 5 << 20

	sniffLength = 3072
)

// Policy rejection reasons.
const (
	ReasonUnsupportedMediaType = "unsupported_media_type"
	ReasonTooLarge             = "too_large"
	ReasonEmpty                = "empty"
	ReasonContentMismatch      = "content_mismatch"
)

// sniffedContainers lists sniffed types accepted for each declared type. Word documents
// are containers, so the generic zip and OLE signatures are accepted for them.
var sniffedContainers = map[string][]string{
	MediaTypePDF:  {MediaTypePDF},
	MediaTypeDOC:  {MediaTypeDOC, "application/x-ole-storage"},
	MediaTypeDOCX: {MediaTypeDOCX, "application/zip"},
}

var extensions = map[string]string{
	MediaTypePDF:  "pdf",
	MediaTypeDOC:  "doc",
	MediaTypeDOCX: "docx",
}

// PolicyError reports an attachment that violates the type or size policy.
type PolicyError struct {
	Reason  string
	Message string
}

func (e *PolicyError) Error() string {
	return e.Message
}

// Policy bounds what the store accepts.
type Policy struct {
	MaxFileBytes      int64
	AllowedMediaTypes []string
}

// DefaultPolicy accepts PDF, DOC and DOCX files up to 5 MiB.
func DefaultPolicy() Policy {
	return Policy{
		MaxFileBytes:      DefaultMaxFileBytes,
		AllowedMediaTypes: []string{MediaTypePDF, MediaTypeDOC, MediaTypeDOCX},
	}
}

func (p Policy) checkDeclared(declared string) (string, error) {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil {
		return "", p.unsupported()
	}
	mediaType = strings.ToLower(mediaType)
	for _, allowed := range p.AllowedMediaTypes {
		if mediaType == allowed {
			return mediaType, nil
		}
	}
	return "", p.unsupported()
}

func (p Policy) checkContent(mediaType string, head []byte) error {
	if len(head) == 0 {
		return &PolicyError{Reason: ReasonEmpty, Message: "file is empty"}
	}
	detected := mimetype.Detect(head)
	for _, accepted := range sniffedContainers[mediaType] {
		if detected.Is(accepted) {
			return nil
		}
	}
	return &PolicyError{
		Reason:  ReasonContentMismatch,
		Message: fmt.Sprintf("file content does not match declared type %s", mediaType),
	}
}

func (p Policy) unsupported() error {
	return &PolicyError{
		Reason:  ReasonUnsupportedMediaType,
		Message: "only PDF, DOC and DOCX files are accepted",
	}
}

func (p Policy) tooLarge() error {
	return &PolicyError{
		Reason:  ReasonTooLarge,
		Message: fmt.Sprintf("file exceeds the %s size limit", formatBytes(p.MaxFileBytes)),
	}
}

func extensionFor(mediaType string) string {
	return extensions[mediaType]
}

func formatBytes(size int64) string {
	const mebibyte = 1 << 20
	if size >= mebibyte && size%mebibyte == 0 {
		return fmt.Sprintf("%d MiB", size/mebibyte)
	}
	return fmt.Sprintf("%d bytes", size)
}
