package intake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/blobstore"
	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"github.com/MarcoPoloResearchLab/intake/internal/metrics"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var samplePDF = append([]byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n"), bytes.Repeat([]byte(" "), 512)...)

const validPayloadJSON = `{
	"firstName": "Grace",
	"lastName": "Hopper",
	"email": "grace@example.com",
	"phone": "+1 202 555 0147",
	"address": "",
	"linkedinUrl": "",
	"portfolioUrl": null,
	"education": [{"institution": "Yale", "degree": "PhD", "fieldOfStudy": "Mathematics", "startDate": "1930-09-01", "endDate": "1934-06-01", "ongoing": false}],
	"experience": [{"company": "US Navy", "position": "Rear Admiral", "startDate": "1943-12-01", "ongoing": true}]
}`

type testFile struct {
	name      string
	mediaType string
	content   []byte
}

func pdfFile(name string) testFile {
	return testFile{name: name, mediaType: blobstore.MediaTypePDF, content: samplePDF}
}

type fixture struct {
	pipeline *Pipeline
	store    *blobstore.Store
	fs       afero.Fs
	service  *candidates.Service
	db       *gorm.DB
	metrics  *metrics.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:intake_pipeline_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(candidates.Models()...))

	service, err := candidates.NewService(candidates.ServiceConfig{Database: db})
	require.NoError(t, err)

	filesystem := afero.NewMemMapFs()
	store, err := blobstore.NewStore(blobstore.Config{Filesystem: filesystem, Policy: blobstore.DefaultPolicy()})
	require.NoError(t, err)

	pipelineMetrics := metrics.NewPipeline()
	parser, err := NewParser(ParserConfig{Blobs: store})
	require.NoError(t, err)
	pipeline, err := NewPipeline(PipelineConfig{
		Parser:     parser,
		Candidates: service,
		Cleaner:    NewCleaner(store, nil, pipelineMetrics),
		Metrics:    pipelineMetrics,
	})
	require.NoError(t, err)

	return &fixture{
		pipeline: pipeline,
		store:    store,
		fs:       filesystem,
		service:  service,
		db:       db,
		metrics:  pipelineMetrics,
	}
}

func (f *fixture) blobNames(t *testing.T) []string {
	t.Helper()
	entries, err := f.store.List(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(model).Count(&count).Error)
	return count
}

// encodeSubmission writes an optional payload part followed by file parts.
func encodeSubmission(t *testing.T, payload *string, files ...testFile) ([]byte, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if payload != nil {
		require.NoError(t, writer.WriteField(PayloadPart, *payload))
	}
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments"; filename=%q`, file.name))
		if file.mediaType != "" {
			header.Set("Content-Type", file.mediaType)
		}
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body.Bytes(), writer.Boundary()
}

func submissionReader(t *testing.T, payload string, files ...testFile) *multipart.Reader {
	t.Helper()
	body, boundary := encodeSubmission(t, &payload, files...)
	return multipart.NewReader(bytes.NewReader(body), boundary)
}

// payloadLastReader places the payload part after every file part.
func payloadLastReader(t *testing.T, payload string, files ...testFile) *multipart.Reader {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, file := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, AttachmentsPart, file.name))
		header.Set("Content-Type", file.mediaType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.WriteField(PayloadPart, payload))
	require.NoError(t, writer.Close())
	return multipart.NewReader(bytes.NewReader(body.Bytes()), writer.Boundary())
}

// cancelingReader cancels once more than after bytes have been consumed.
type cancelingReader struct {
	reader io.Reader
	after  int
	read   int
	cancel context.CancelFunc
}

func (r *cancelingReader) Read(buffer []byte) (int, error) {
	n, err := r.reader.Read(buffer)
	r.read += n
	if r.read > r.after {
		r.cancel()
	}
	return n, err
}

// recordingDeleter counts deletions and can fail or panic on demand.
type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
	panicOn string
}

func (d *recordingDeleter) Delete(_ context.Context, name string) error {
	if name == d.panicOn {
		panic("deleter exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.fail[name]; ok {
		return err
	}
	d.deleted = append(d.deleted, name)
	return nil
}
