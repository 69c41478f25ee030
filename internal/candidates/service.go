package candidates

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "candidates.service.new"
	opCreate              = "candidates.create"
	opGet                 = "candidates.get"
	opList                = "candidates.list"
	opSuggest             = "candidates.suggest"
	opDelete              = "candidates.delete"
	opReferencedLocators  = "candidates.referenced_locators"
	opAttachmentByLocator = "candidates.attachment_by_locator"

	// DefaultPageSize applies when a listing omits its limit.
	DefaultPageSize = 10
	// MaxPageSize caps the listing limit.
	MaxPageSize = 100
	// MinSuggestionQuery is the shortest query that produces suggestions.
	MinSuggestionQuery = 2
	// MaxSuggestions caps the number of suggestion values.
	MaxSuggestions = 10

	locatorChunkSize = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
)

// suggestionSource binds a public suggestion field to a table column.
type suggestionSource struct {
	table  string
	column string
}

var suggestionSources = map[string]suggestionSource{
	"institution": {table: Education{}.TableName(), column: "institution"},
	"degree":      {table: Education{}.TableName(), column: "degree"},
	"company":     {table: Experience{}.TableName(), column: "company"},
	"position":    {table: Experience{}.TableName(), column: "position"},
}

// SuggestionFields lists the supported suggestion fields in a stable order.
func SuggestionFields() []string {
	fields := make([]string, 0, len(suggestionSources))
	for field := range suggestionSources {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newPersistenceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// AttachmentInput describes a blob that has already been committed to the blob store.
type AttachmentInput struct {
	Locator      string
	OriginalName string
	MediaType    string
	Size         int64
}

// Submission is a validated payload plus its staged attachments.
type Submission struct {
	Payload     Payload
	Attachments []AttachmentInput
}

// Pagination describes a listing page.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// Create persists the candidate, its collections and its attachment rows in one transaction.
// The payload is expected to have passed validation. A taken email yields *ConflictError both
// from the pre-check and from the unique index; any other failure yields *PersistenceError.
func (s *Service) Create(ctx context.Context, submission Submission) (*Candidate, error) {
	payload := submission.Payload
	email := NormalizeEmail(payload.Email)

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Candidate{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		s.logError(opCreate, "email_lookup_failed", err, zap.String("email", email))
		return nil, newPersistenceError(opCreate, "email_lookup_failed", err)
	}
	if existing > 0 {
		return nil, &ConflictError{Email: email}
	}

	candidate, err := buildCandidate(payload, email, s.clock().UTC())
	if err != nil {
		s.logError(opCreate, "invalid_dates", err, zap.String("email", email))
		return nil, newPersistenceError(opCreate, "invalid_dates", err)
	}
	for _, input := range submission.Attachments {
		candidate.Attachments = append(candidate.Attachments, Attachment{
			OriginalName: input.OriginalName,
			MediaType:    input.MediaType,
			SizeBytes:    input.Size,
			Locator:      input.Locator,
			CreatedAt:    candidate.CreatedAt,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&candidate).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Email: email}
			}
			s.logError(opCreate, "candidate_insert_failed", err, zap.String("email", email))
			return newPersistenceError(opCreate, "candidate_insert_failed", err)
		}
		for index := range candidate.Education {
			candidate.Education[index].CandidateID = candidate.ID
		}
		for index := range candidate.Experience {
			candidate.Experience[index].CandidateID = candidate.ID
		}
		for index := range candidate.Attachments {
			candidate.Attachments[index].CandidateID = candidate.ID
		}
		if len(candidate.Education) > 0 {
			if err := tx.Create(&candidate.Education).Error; err != nil {
				s.logError(opCreate, "education_insert_failed", err, zap.Uint64("candidate_id", candidate.ID))
				return newPersistenceError(opCreate, "education_insert_failed", err)
			}
		}
		if len(candidate.Experience) > 0 {
			if err := tx.Create(&candidate.Experience).Error; err != nil {
				s.logError(opCreate, "experience_insert_failed", err, zap.Uint64("candidate_id", candidate.ID))
				return newPersistenceError(opCreate, "experience_insert_failed", err)
			}
		}
		if len(candidate.Attachments) > 0 {
			if err := tx.Create(&candidate.Attachments).Error; err != nil {
				s.logError(opCreate, "attachment_insert_failed", err, zap.Uint64("candidate_id", candidate.ID))
				return newPersistenceError(opCreate, "attachment_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		var conflict *ConflictError
		var persistence *PersistenceError
		if errors.As(txErr, &conflict) || errors.As(txErr, &persistence) {
			return nil, txErr
		}
		s.logError(opCreate, "commit_failed", txErr, zap.String("email", email))
		return nil, newPersistenceError(opCreate, "commit_failed", txErr)
	}

	s.logger.Info("candidate created",
		zap.Uint64("candidate_id", candidate.ID),
		zap.Int("attachments", len(candidate.Attachments)))
	return &candidate, nil
}

func buildCandidate(payload Payload, email string, createdAt time.Time) (Candidate, error) {
	candidate := Candidate{
		FirstName:    payload.FirstName,
		LastName:     payload.LastName,
		Email:        email,
		Phone:        payload.Phone,
		Address:      payload.Address.Ptr(),
		LinkedInURL:  payload.LinkedInURL.Ptr(),
		PortfolioURL: payload.PortfolioURL.Ptr(),
		CreatedAt:    createdAt,
	}
	for index, entry := range payload.Education {
		start, end, err := entryDates(entry.StartDate, entry.EndDate, entry.Ongoing)
		if err != nil {
			return Candidate{}, err
		}
		candidate.Education = append(candidate.Education, Education{
			Ordinal:      index,
			Institution:  entry.Institution,
			Degree:       entry.Degree,
			FieldOfStudy: entry.FieldOfStudy.Ptr(),
			StartDate:    start,
			EndDate:      end,
			Ongoing:      entry.Ongoing,
		})
	}
	for index, entry := range payload.Experience {
		start, end, err := entryDates(entry.StartDate, entry.EndDate, entry.Ongoing)
		if err != nil {
			return Candidate{}, err
		}
		candidate.Experience = append(candidate.Experience, Experience{
			Ordinal:     index,
			Company:     entry.Company,
			Position:    entry.Position,
			Description: entry.Description.Ptr(),
			StartDate:   start,
			EndDate:     end,
			Ongoing:     entry.Ongoing,
		})
	}
	return candidate, nil
}

// entryDates never stores an end date for an ongoing entry.
func entryDates(rawStart string, rawEnd Optional, ongoing bool) (time.Time, *time.Time, error) {
	start, err := ParseDate(rawStart)
	if err != nil {
		return time.Time{}, nil, err
	}
	value, ok := rawEnd.Get()
	if ongoing || !ok {
		return start, nil, nil
	}
	end, err := ParseDate(value)
	if err != nil {
		return time.Time{}, nil, err
	}
	return start, &end, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// Get loads one candidate with its ordered collections.
func (s *Service) Get(ctx context.Context, id uint64) (*Candidate, error) {
	var candidate Candidate
	err := s.withCollections(s.db.WithContext(ctx)).Where("id = ?", id).Take(&candidate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCandidateNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Uint64("candidate_id", id))
		return nil, newPersistenceError(opGet, "query_failed", err)
	}
	return &candidate, nil
}

// List returns one page of candidates, newest first. Non-positive page or limit fall back to
// the defaults and the limit is capped at MaxPageSize.
func (s *Service) List(ctx context.Context, page, limit int) ([]Candidate, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Candidate{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return nil, Pagination{}, newPersistenceError(opList, "count_failed", err)
	}

	records := make([]Candidate, 0, limit)
	if err := s.withCollections(s.db.WithContext(ctx)).
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.Int("page", page), zap.Int("limit", limit))
		return nil, Pagination{}, newPersistenceError(opList, "query_failed", err)
	}

	return records, Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

func (s *Service) withCollections(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Education", func(tx *gorm.DB) *gorm.DB { return tx.Order("ordinal ASC") }).
		Preload("Experience", func(tx *gorm.DB) *gorm.DB { return tx.Order("ordinal ASC") }).
		Preload("Attachments", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") })
}

// Suggest returns up to MaxSuggestions distinct stored values of field containing query,
// compared case-insensitively. Queries shorter than MinSuggestionQuery return no values.
func (s *Service) Suggest(ctx context.Context, field, query string) ([]string, error) {
	source, ok := suggestionSources[field]
	if !ok {
		return nil, ErrUnknownSuggestionField
	}
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinSuggestionQuery {
		return []string{}, nil
	}

	needle := strings.ToLower(query)
	rows, err := s.db.WithContext(ctx).
		Table(source.table).
		Distinct(source.column).
		Where(source.column+" LIKE ? ESCAPE '\\'", "%"+likePattern(needle)+"%").
		Order(source.column + " ASC").
		Rows()
	if err != nil {
		s.logError(opSuggest, "query_failed", err, zap.String("field", field))
		return nil, newPersistenceError(opSuggest, "query_failed", err)
	}
	defer rows.Close()

	// SQLite folds ASCII case only, so LIKE is a prefilter and the match is decided here.
	values := make([]string, 0, MaxSuggestions)
	for len(values) < MaxSuggestions && rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			s.logError(opSuggest, "scan_failed", err, zap.String("field", field))
			return nil, newPersistenceError(opSuggest, "scan_failed", err)
		}
		if strings.Contains(strings.ToLower(value), needle) {
			values = append(values, value)
		}
	}
	if err := rows.Err(); err != nil {
		s.logError(opSuggest, "query_failed", err, zap.String("field", field))
		return nil, newPersistenceError(opSuggest, "query_failed", err)
	}
	return values, nil
}

// likePattern escapes LIKE wildcards and turns every non-ASCII rune into a single-character
// wildcard, since SQLite compares those case-sensitively.
func likePattern(query string) string {
	var builder strings.Builder
	for _, r := range query {
		if r > unicode.MaxASCII {
			builder.WriteByte('_')
			continue
		}
		builder.WriteString(likeEscaper.Replace(string(r)))
	}
	return builder.String()
}

// Delete removes a candidate and every owned row in one transaction and returns the
// attachment locators that referenced blobs; the caller removes the blobs after commit.
func (s *Service) Delete(ctx context.Context, id uint64) ([]string, error) {
	var locators []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate Candidate
		if err := tx.Select("id").Where("id = ?", id).Take(&candidate).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCandidateNotFound
			}
			s.logError(opDelete, "candidate_select_failed", err, zap.Uint64("candidate_id", id))
			return newPersistenceError(opDelete, "candidate_select_failed", err)
		}
		if err := tx.Model(&Attachment{}).Where("candidate_id = ?", id).Order("id ASC").Pluck("locator", &locators).Error; err != nil {
			s.logError(opDelete, "attachment_select_failed", err, zap.Uint64("candidate_id", id))
			return newPersistenceError(opDelete, "attachment_select_failed", err)
		}
		for _, child := range []any{&Attachment{}, &Education{}, &Experience{}} {
			if err := tx.Where("candidate_id = ?", id).Delete(child).Error; err != nil {
				s.logError(opDelete, "children_delete_failed", err, zap.Uint64("candidate_id", id))
				return newPersistenceError(opDelete, "children_delete_failed", err)
			}
		}
		if err := tx.Delete(&Candidate{}, id).Error; err != nil {
			s.logError(opDelete, "candidate_delete_failed", err, zap.Uint64("candidate_id", id))
			return newPersistenceError(opDelete, "candidate_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.logger.Info("candidate deleted", zap.Uint64("candidate_id", id), zap.Int("attachments", len(locators)))
	return locators, nil
}

// ReferencedLocators returns the subset of locators that have an attachment row.
func (s *Service) ReferencedLocators(ctx context.Context, locators []string) (map[string]struct{}, error) {
	referenced := make(map[string]struct{}, len(locators))
	for start := 0; start < len(locators); start += locatorChunkSize {
		end := min(start+locatorChunkSize, len(locators))
		var found []string
		if err := s.db.WithContext(ctx).
			Model(&Attachment{}).
			Where("locator IN ?", locators[start:end]).
			Pluck("locator", &found).Error; err != nil {
			s.logError(opReferencedLocators, "query_failed", err, zap.Int("locators", len(locators)))
			return nil, newPersistenceError(opReferencedLocators, "query_failed", err)
		}
		for _, locator := range found {
			referenced[locator] = struct{}{}
		}
	}
	return referenced, nil
}

// AttachmentByLocator returns the committed attachment row for a locator.
func (s *Service) AttachmentByLocator(ctx context.Context, locator string) (*Attachment, error) {
	var attachment Attachment
	err := s.db.WithContext(ctx).Where("locator = ?", locator).Take(&attachment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		s.logError(opAttachmentByLocator, "query_failed", err, zap.String("locator", locator))
		return nil, newPersistenceError(opAttachmentByLocator, "query_failed", err)
	}
	return &attachment, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("candidates service error", attrs...)
}
