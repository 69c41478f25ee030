package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	opReceive = "receive"
	opWrite   = "write"
	opCommit  = "commit"
	opDelete  = "delete"
	opOpen    = "open"
	opList    = "list"

	partialSuffix = ".part"
	rootDirectory = string(filepath.Separator)
)

var (
	// ErrBlobNotFound indicates that no committed blob exists for a locator.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
	// ErrInvalidLocator indicates that a locator does not have the generated shape.
	ErrInvalidLocator = errors.New("blobstore: invalid locator")

	errMissingFilesystem = errors.New("blobstore: filesystem is required")
	errMissingDirectory  = errors.New("blobstore: upload directory is required")

	locatorPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.(pdf|doc|docx)$`)
)

// UpstreamIOError reports a failure of the underlying filesystem or of the inbound stream.
type UpstreamIOError struct {
	Op      string
	Locator string
	Err     error
}

func (e *UpstreamIOError) Error() string {
	if e.Locator == "" {
		return fmt.Sprintf("blobstore: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blobstore: %s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *UpstreamIOError) Unwrap() error {
	return e.Err
}

// Inbound reports whether the failure came from the stream being stored rather than the filesystem.
func (e *UpstreamIOError) Inbound() bool {
	return e.Op == opReceive
}

// Blob describes a committed attachment blob.
type Blob struct {
	Locator   string
	MediaType string
	Size      int64
}

// Entry is a raw listing entry; partial uploads are reported with Partial set.
type Entry struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
	Partial    bool
}

// Config wires a Store.
type Config struct {
	Filesystem afero.Fs
	Policy     Policy
	Locators   LocatorProvider
	Logger     *zap.Logger
}

// Store keeps attachment bytes under generated locators. Safe for concurrent use:
// every Put writes a distinct locator.
type Store struct {
	fs       afero.Fs
	policy   Policy
	locators LocatorProvider
	logger   *zap.Logger
}

// NewStore constructs a Store over the provided filesystem.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Filesystem == nil {
		return nil, errMissingFilesystem
	}
	policy := cfg.Policy
	if policy.MaxFileBytes <= 0 {
		policy.MaxFileBytes = DefaultMaxFileBytes
	}
	if len(policy.AllowedMediaTypes) == 0 {
		policy.AllowedMediaTypes = DefaultPolicy().AllowedMediaTypes
	}
	locators := cfg.Locators
	if locators == nil {
		locators = NewUUIDLocatorProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		fs:       cfg.Filesystem,
		policy:   policy,
		locators: locators,
		logger:   logger,
	}, nil
}

// NewOSStore roots a Store at directory on the local filesystem, creating it when missing.
func NewOSStore(directory string, policy Policy, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(directory) == "" {
		return nil, errMissingDirectory
	}
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, &UpstreamIOError{Op: opWrite, Err: err}
	}
	return NewStore(Config{
		Filesystem: afero.NewBasePathFs(afero.NewOsFs(), directory),
		Policy:     policy,
		Logger:     logger,
	})
}

// Policy returns the effective type and size policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// IsLocator reports whether value has the shape of a generated locator.
func IsLocator(value string) bool {
	return locatorPattern.MatchString(value)
}

// Put streams source into a freshly generated locator. The declared media type and the
// sniffed leading bytes must satisfy the policy and the stream must not exceed the size
// ceiling. Bytes land under a partial name first; a failed Put leaves no locator behind.
func (s *Store) Put(ctx context.Context, declaredMediaType string, source io.Reader) (Blob, error) {
	mediaType, err := s.policy.checkDeclared(declaredMediaType)
	if err != nil {
		return Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	inbound := &sourceReader{ctx: ctx, reader: source}
	head := make([]byte, sniffLength)
	headLength, err := io.ReadFull(inbound, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Blob{}, &UpstreamIOError{Op: opReceive, Err: err}
	}
	head = head[:headLength]
	if err := s.policy.checkContent(mediaType, head); err != nil {
		return Blob{}, err
	}

	locator, err := s.locators.NewLocator(extensionFor(mediaType))
	if err != nil {
		return Blob{}, &UpstreamIOError{Op: opWrite, Err: err}
	}
	partialPath := s.path(locator + partialSuffix)

	file, err := s.fs.OpenFile(partialPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return Blob{}, &UpstreamIOError{Op: opWrite, Locator: locator, Err: err}
	}

	limited := io.LimitReader(io.MultiReader(bytes.NewReader(head), inbound), s.policy.MaxFileBytes+1)
	written, copyErr := io.Copy(file, limited)
	closeErr := file.Close()

	var putErr error
	switch {
	case inbound.err != nil:
		putErr = &UpstreamIOError{Op: opReceive, Locator: locator, Err: inbound.err}
	case copyErr != nil:
		putErr = &UpstreamIOError{Op: opWrite, Locator: locator, Err: copyErr}
	case written > s.policy.MaxFileBytes:
		putErr = s.policy.tooLarge()
	case closeErr != nil:
		putErr = &UpstreamIOError{Op: opWrite, Locator: locator, Err: closeErr}
	}
	if putErr == nil {
		if err := s.fs.Rename(partialPath, s.path(locator)); err != nil {
			putErr = &UpstreamIOError{Op: opCommit, Locator: locator, Err: err}
		}
	}
	if putErr != nil {
		if removeErr := s.fs.Remove(partialPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.logger.Warn("partial blob removal failed",
				zap.String("locator", locator),
				zap.Error(removeErr))
		}
		return Blob{}, putErr
	}

	s.logger.Debug("blob stored",
		zap.String("locator", locator),
		zap.String("media_type", mediaType),
		zap.Int64("size", written))
	return Blob{Locator: locator, MediaType: mediaType, Size: written}, nil
}

// Delete removes a committed blob or a partial upload. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !isStoredName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidLocator, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return &UpstreamIOError{Op: opDelete, Locator: name, Err: err}
	}
	return nil
}

// Exists reports whether a committed blob is present.
func (s *Store) Exists(ctx context.Context, locator string) (bool, error) {
	if !IsLocator(locator) {
		return false, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists, err := afero.Exists(s.fs, s.path(locator))
	if err != nil {
		return false, &UpstreamIOError{Op: opOpen, Locator: locator, Err: err}
	}
	return exists, nil
}

// Open returns a reader over a committed blob. Callers must close it.
func (s *Store) Open(ctx context.Context, locator string) (afero.File, error) {
	if !IsLocator(locator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := s.fs.Open(s.path(locator))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, &UpstreamIOError{Op: opOpen, Locator: locator, Err: err}
	}
	return file, nil
}

// List returns every stored entry sorted by name, including partial uploads.
// Names that were not produced by the store are skipped.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, rootDirectory)
	if err != nil {
		return nil, &UpstreamIOError{Op: opList, Err: err}
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !isStoredName(info.Name()) {
			continue
		}
		entries = append(entries, Entry{
			Name:       info.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Partial:    strings.HasSuffix(info.Name(), partialSuffix),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (s *Store) path(name string) string {
	return rootDirectory + name
}

func isStoredName(name string) bool {
	return IsLocator(strings.TrimSuffix(name, partialSuffix))
}

// sourceReader remembers the first non-EOF error of the inbound stream so that
// client-side failures can be told apart from filesystem failures.
type sourceReader struct {
	ctx    context.Context
	reader io.Reader
	err    error
}

func (r *sourceReader) Read(buffer []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return 0, err
	}
	n, err := r.reader.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		r.err = err
	}
	return n, err
}
