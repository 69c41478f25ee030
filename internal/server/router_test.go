package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/intake"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var samplePDF = append([]byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n"), bytes.Repeat([]byte(" "), 256)...)

const candidatePayload = `{
	"firstName": "Katherine",
	"lastName": "Johnson",
	"email": "katherine@example.com",
	"phone": "+1 757 555 0199",
	"linkedinUrl": "",
	"portfolioUrl": "",
	"education": [{"institution": "West Virginia State", "degree": "BSc", "startDate": "1933-09-01", "endDate": "1937-06-01", "ongoing": false}],
	"experience": [{"company": "NASA", "position": "Mathematician", "startDate": "1953-06-01", "ongoing": true}]
}`

type uploadFile struct {
	name      string
	mediaType string
	content   []byte
}

type testServer struct {
	handler http.Handler
	db      *gorm.DB
	store   *blobstore.Store
}

func newTestServer(t *testing.T, configure func(*Dependencies)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:intake_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(candidates.Models()...))

	service, err := candidates.NewService(candidates.ServiceConfig{Database: db})
	require.NoError(t, err)
	store, err := blobstore.NewStore(blobstore.Config{Filesystem: afero.NewMemMapFs()})
	require.NoError(t, err)

	pipelineMetrics := metrics.NewPipeline()
	registry, err := metrics.NewRegistry(pipelineMetrics)
	require.NoError(t, err)
	cleaner := intake.NewCleaner(store, nil, pipelineMetrics)
	parser, err := intake.NewParser(intake.ParserConfig{Blobs: store})
	require.NoError(t, err)
	pipeline, err := intake.NewPipeline(intake.PipelineConfig{
		Parser:     parser,
		Candidates: service,
		Cleaner:    cleaner,
		Metrics:    pipelineMetrics,
	})
	require.NoError(t, err)

	deps := Dependencies{
		Submitter:   pipeline,
		Candidates:  service,
		Blobs:       store,
		Cleaner:     cleaner,
		HealthCheck: func(ctx context.Context) error { return nil },
		Metrics:     registry,
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	require.NoError(t, err)

	return &testServer{handler: handler, db: db, store: store}
}

func (s *testServer) do(request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := s.store.List(context.Background())
	require.NoError(t, err)
	return len(entries)
}

func submissionRequest(t *testing.T, payload string, files ...uploadFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("payload", payload))
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, file.name))
		header.Set("Content-Type", file.mediaType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	request := httptest.NewRequest(http.MethodPost, "/candidates", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	return request
}

func resume() uploadFile {
	return uploadFile{name: "résumé.pdf", mediaType: blobstore.MediaTypePDF, content: samplePDF}
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &value), recorder.Body.String())
	return value
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	assert.ErrorIs(t, err, errMissingSubmitter)
}

func TestCreateCandidateReturnsFullRecord(t *testing.T) {
	server := newTestServer(t, nil)

	recorder := server.do(submissionRequest(t, candidatePayload, resume()))
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	body := recorder.Body.String()
	assert.NotContains(t, body, "linkedinUrl")
	assert.NotContains(t, body, "portfolioUrl")

	created := decodeBody[candidateResponse](t, recorder)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "/candidates/"+fmt.Sprint(created.ID), recorder.Header().Get("Location"))
	require.Len(t, created.Attachments, 1)
	assert.Equal(t, "résumé.pdf", created.Attachments[0].OriginalName)
	assert.Equal(t, "/files/"+created.Attachments[0].Locator, created.Attachments[0].URL)
	require.Len(t, created.Education, 1)
	assert.Equal(t, "1937-06-01", *created.Education[0].EndDate)
	assert.Nil(t, created.Experience[0].EndDate)
	assert.Equal(t, 1, server.blobCount(t))
}

func TestCreateCandidateValidationFailureRemovesAttachment(t *testing.T) {
	server := newTestServer(t, nil)
	payload := strings.Replace(candidatePayload, "katherine@example.com", "not-an-email", 1)

	recorder := server.do(submissionRequest(t, payload, resume()))
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	response := decodeBody[errorResponse](t, recorder)
	assert.Equal(t, "validation_failed", response.Error)
	require.Len(t, response.Details, 1)
	assert.Equal(t, "email", response.Details[0].Field)
	assert.Zero(t, server.blobCount(t))
}

func TestCreateCandidateDuplicateEmailConflicts(t *testing.T) {
	server := newTestServer(t, nil)

	first := server.do(submissionRequest(t, candidatePayload, resume()))
	require.Equal(t, http.StatusCreated, first.Code)

	second := server.do(submissionRequest(t, candidatePayload, resume(), resume()))
	require.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "duplicate_email", decodeBody[errorResponse](t, second).Error)
	assert.Equal(t, 1, server.blobCount(t))
}

func TestCreateCandidateRejectsOversizedFile(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.MaxRequestBytes = 3*(5<<20) + 2<<20
	})
	oversized := append(append([]byte{}, samplePDF...), bytes.Repeat([]byte("x"), 6<<20)...)

	recorder := server.do(submissionRequest(t, candidatePayload, uploadFile{name: "big.pdf", mediaType: blobstore.MediaTypePDF, content: oversized}))
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	response := decodeBody[errorResponse](t, recorder)
	require.Len(t, response.Details, 1)
	assert.Equal(t, "attachments[0]", response.Details[0].Field)
	assert.Equal(t, "file exceeds the 5 MiB size limit", response.Details[0].Message)
	assert.Zero(t, server.blobCount(t))
}

func TestCreateCandidateRejectsBodyAboveRequestLimit(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.MaxRequestBytes = 4096
	})
	large := append(append([]byte{}, samplePDF...), bytes.Repeat([]byte(" "), 16<<10)...)

	recorder := server.do(submissionRequest(t, candidatePayload, uploadFile{name: "cv.pdf", mediaType: blobstore.MediaTypePDF, content: large}))
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "validation_failed", decodeBody[errorResponse](t, recorder).Error)
	assert.Zero(t, server.blobCount(t))
}

func TestCreateCandidateRejectsNonMultipart(t *testing.T) {
	server := newTestServer(t, nil)
	request := httptest.NewRequest(http.MethodPost, "/candidates", strings.NewReader(candidatePayload))
	request.Header.Set("Content-Type", "application/json")

	recorder := server.do(request)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "invalid_request", decodeBody[errorResponse](t, recorder).Error)
}

func TestCreateCandidatePersistenceFailureHidesDetail(t *testing.T) {
	server := newTestServer(t, nil)
	require.NoError(t, server.db.Callback().Create().Before("gorm:create").Register("test:fail_attachments", func(tx *gorm.DB) {
		if tx.Statement.Table == "candidate_attachments" {
			_ = tx.AddError(errors.New("sqlite: disk I/O error at /var/lib/intake.db"))
		}
	}))

	recorder := server.do(submissionRequest(t, candidatePayload, resume()))
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	response := decodeBody[errorResponse](t, recorder)
	assert.Equal(t, "internal_error", response.Error)
	assert.Equal(t, internalErrorMessage, response.Message)
	assert.Equal(t, "candidates.create.attachment_insert_failed", response.Code)
	assert.NotContains(t, recorder.Body.String(), "/var/lib")
	assert.Zero(t, server.blobCount(t))
}

func TestListAndGetCandidates(t *testing.T) {
	server := newTestServer(t, nil)
	for index := 0; index < 3; index++ {
		payload := strings.Replace(candidatePayload, "katherine@", fmt.Sprintf("k%d@", index), 1)
		require.Equal(t, http.StatusCreated, server.do(submissionRequest(t, payload)).Code)
	}

	recorder := server.do(httptest.NewRequest(http.MethodGet, "/candidates?page=1&limit=2", http.NoBody))
	require.Equal(t, http.StatusOK, recorder.Code)
	listed := decodeBody[listResponse](t, recorder)
	assert.Len(t, listed.Records, 2)
	assert.Equal(t, candidates.Pagination{Page: 1, Limit: 2, Total: 3, TotalPages: 2}, listed.Pagination)

	for _, target := range []string{"/candidates?page=0", "/candidates?limit=abc"} {
		assert.Equal(t, http.StatusBadRequest, server.do(httptest.NewRequest(http.MethodGet, target, http.NoBody)).Code, target)
	}

	found := server.do(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/candidates/%d", listed.Records[0].ID), http.NoBody))
	require.Equal(t, http.StatusOK, found.Code)
	assert.Equal(t, listed.Records[0].Email, decodeBody[candidateResponse](t, found).Email)

	for _, target := range []string{"/candidates/999", "/candidates/abc"} {
		missing := server.do(httptest.NewRequest(http.MethodGet, target, http.NoBody))
		assert.Equal(t, http.StatusNotFound, missing.Code, target)
		assert.JSONEq(t, `{"error":"not_found"}`, missing.Body.String())
	}
}

func TestDeleteCandidateRemovesBlobs(t *testing.T) {
	server := newTestServer(t, nil)
	created := decodeBody[candidateResponse](t, server.do(submissionRequest(t, candidatePayload, resume())))

	recorder := server.do(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/candidates/%d", created.ID), http.NoBody))
	require.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Zero(t, server.blobCount(t))

	again := server.do(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/candidates/%d", created.ID), http.NoBody))
	assert.Equal(t, http.StatusNotFound, again.Code)
	file := server.do(httptest.NewRequest(http.MethodGet, created.Attachments[0].URL, http.NoBody))
	assert.Equal(t, http.StatusNotFound, file.Code)
}

func TestServeFileOnlyForCommittedAttachments(t *testing.T) {
	server := newTestServer(t, nil)
	created := decodeBody[candidateResponse](t, server.do(submissionRequest(t, candidatePayload, resume())))

	recorder := server.do(httptest.NewRequest(http.MethodGet, created.Attachments[0].URL, http.NoBody))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, samplePDF, recorder.Body.Bytes())
	assert.Equal(t, blobstore.MediaTypePDF, recorder.Header().Get("Content-Type"))
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "inline")
	assert.Contains(t, recorder.Header().Get("Content-Disposition"), "filename")

	orphan, err := server.store.Put(context.Background(), blobstore.MediaTypePDF, bytes.NewReader(samplePDF))
	require.NoError(t, err)
	for _, target := range []string{"/files/" + orphan.Locator, "/files/cv.pdf"} {
		assert.Equal(t, http.StatusNotFound, server.do(httptest.NewRequest(http.MethodGet, target, http.NoBody)).Code, target)
	}
}

func TestSuggestions(t *testing.T) {
	server := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, server.do(submissionRequest(t, candidatePayload)).Code)

	recorder := server.do(httptest.NewRequest(http.MethodGet, "/suggestions/institution?q=virginia", http.NoBody))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"suggestions":["West Virginia State"]}`, recorder.Body.String())

	short := server.do(httptest.NewRequest(http.MethodGet, "/suggestions/company?q=N", http.NoBody))
	require.Equal(t, http.StatusOK, short.Code)
	assert.JSONEq(t, `{"suggestions":[]}`, short.Body.String())

	unknown := server.do(httptest.NewRequest(http.MethodGet, "/suggestions/email?q=ka", http.NoBody))
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t, nil)
	health := server.do(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	server.do(submissionRequest(t, candidatePayload))
	exposition := server.do(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, exposition.Code)
	assert.Contains(t, exposition.Body.String(), `intake_submissions_total{state="COMMITTED"} 1`)

	failing := newTestServer(t, func(deps *Dependencies) {
		deps.HealthCheck = func(context.Context) error { return errors.New("database is closed") }
	})
	assert.Equal(t, http.StatusServiceUnavailable, failing.do(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)).Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	server := newTestServer(t, nil)

	request := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	request.Header.Set(requestIDHeader, "req-123")
	assert.Equal(t, "req-123", server.do(request).Header().Get(requestIDHeader))

	generated := server.do(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)).Header().Get(requestIDHeader)
	assert.NotEmpty(t, generated)
}

type panickingSubmitter struct{}

func (panickingSubmitter) Submit(context.Context, *multipart.Reader) (*candidates.Candidate, error) {
	panic("boom")
}

func TestPanicsBecomeInternalErrors(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.Submitter = panickingSubmitter{}
	})

	recorder := server.do(submissionRequest(t, candidatePayload))
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, "internal_error", decodeBody[errorResponse](t, recorder).Error)
}
