package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/eligibility"
)

var testCols = eligibility.Columns{
	Name: "Name", Origin: "PDF", TargetFile: "MDZip", TargetContext: "Markdown",
}

type fakeStore struct {
	mu           sync.Mutex
	downloadErr  error
	uploadErr    error
	writeErr     error
	uploadPanics bool
	writes       map[string]map[string]any
	uploaded     []string
}

func (s *fakeStore) ListPage(context.Context, string) (*domain.Page, error) {
	return &domain.Page{}, nil
}

func (s *fakeStore) GetByID(context.Context, string) (*domain.Record, error) {
	return nil, domain.ErrNotFound
}

func (s *fakeStore) DownloadAttachment(_ context.Context, ref domain.AttachmentRef, dest string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	return os.WriteFile(dest, []byte("%PDF-1.4 "+ref.Token), 0o644)
}

func (s *fakeStore) UploadAttachment(_ context.Context, path string) (string, error) {
	if s.uploadPanics {
		panic("upload exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploaded = append(s.uploaded, filepath.Base(path))
	return "zip-token", nil
}

func (s *fakeStore) WriteFields(_ context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.writes == nil {
		s.writes = map[string]map[string]any{}
	}
	s.writes[id] = fields
	return nil
}

type fakeConverter struct {
	err     error
	members map[string]string
	panics  bool
}

func (c *fakeConverter) Convert(_ context.Context, _ string, outDir, name string) (string, error) {
	if c.panics {
		panic("converter exploded")
	}
	if c.err != nil {
		return "", c.err
	}
	path := filepath.Join(outDir, name+".zip")
	return path, writeZip(path, c.members)
}

func writeZip(path string, members map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for name, body := range members {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(body)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func newRecord(id, name string) *domain.Record {
	return &domain.Record{
		ID:          id,
		DisplayName: name,
		Fields: map[string]any{
			"PDF": []any{map[string]any{"file_token": "pdf-" + id}},
		},
	}
}

func newPipeline(t *testing.T, store *fakeStore, conv *fakeConverter) (*Pipeline, *Staging) {
	t.Helper()
	staging := NewStaging(t.TempDir())
	require.NoError(t, staging.EnsureDirs())
	return New(NewStages(store, conv, staging, testCols), zaptest.NewLogger(t)), staging
}

// stagedFiles lists every regular file left under the staging root.
func stagedFiles(t *testing.T, staging *Staging) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(staging.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(staging.Root(), path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestProcessSuccessWritesBothColumns(t *testing.T) {
	store := &fakeStore{}
	conv := &fakeConverter{members: map[string]string{
		"images/a.png": "png",
		"doc/out.md":   "# Title\n\nbody",
	}}
	p, staging := newPipeline(t, store, conv)

	ok := p.Process(context.Background(), newRecord("rec1", "Report: Q1"))
	require.True(t, ok)

	fields := store.writes["rec1"]
	require.NotNil(t, fields)
	assert.Equal(t, "# Title\n\nbody", fields["Markdown"])
	assert.Equal(t, []any{map[string]any{"file_token": "zip-token"}}, fields["MDZip"])
	assert.Equal(t, []string{"Report_ Q1.zip"}, store.uploaded)
	assert.Empty(t, stagedFiles(t, staging))
}

func TestProcessPicksFirstMarkdownByPath(t *testing.T) {
	store := &fakeStore{}
	conv := &fakeConverter{members: map[string]string{
		"b/second.md": "second",
		"a/first.md":  "first",
	}}
	p, _ := newPipeline(t, store, conv)

	require.True(t, p.Process(context.Background(), newRecord("rec1", "doc")))
	assert.Equal(t, "first", store.writes["rec1"]["Markdown"])
}

func TestProcessDownloadFailure(t *testing.T) {
	store := &fakeStore{downloadErr: errors.New("403 forbidden")}
	p, staging := newPipeline(t, store, &fakeConverter{})

	err := p.Run(context.Background(), newRecord("rec1", "doc"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransfer))
	assert.Empty(t, stagedFiles(t, staging))
}

func TestProcessMissingAttachmentToken(t *testing.T) {
	p, _ := newPipeline(t, &fakeStore{}, &fakeConverter{})
	rec := &domain.Record{ID: "rec1", DisplayName: "doc", Fields: map[string]any{
		"PDF": []any{map[string]any{"name": "no-token.pdf"}},
	}}

	err := p.Run(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestProcessConvertFailureLeavesNoPDF(t *testing.T) {
	store := &fakeStore{}
	p, staging := newPipeline(t, store, &fakeConverter{err: errors.New("quota exceeded")})

	err := p.Run(context.Background(), newRecord("rec1", "doc"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConversion))
	assert.Empty(t, stagedFiles(t, staging))
	assert.Nil(t, store.writes)
}

func TestProcessExtractFailureLeavesNothing(t *testing.T) {
	store := &fakeStore{}
	conv := &fakeConverter{members: map[string]string{"readme.txt": "no markdown here"}}
	p, staging := newPipeline(t, store, conv)

	err := p.Run(context.Background(), newRecord("rec1", "doc"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindExtraction))
	assert.Empty(t, stagedFiles(t, staging))
}

func TestProcessEmptyMarkdownIsFailure(t *testing.T) {
	conv := &fakeConverter{members: map[string]string{"out.md": "  \n"}}
	p, staging := newPipeline(t, &fakeStore{}, conv)

	assert.False(t, p.Process(context.Background(), newRecord("rec1", "doc")))
	assert.Empty(t, stagedFiles(t, staging))
}

func TestProcessUploadFailureKeepsArchiveOnly(t *testing.T) {
	store := &fakeStore{uploadErr: errors.New("upload timeout")}
	conv := &fakeConverter{members: map[string]string{"out.md": "text"}}
	p, staging := newPipeline(t, store, conv)

	err := p.Run(context.Background(), newRecord("rec1", "doc"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransfer))
	assert.Equal(t, []string{"zips/rec1/doc.zip"}, stagedFiles(t, staging))
}

func TestProcessWriteFieldsFailure(t *testing.T) {
	store := &fakeStore{writeErr: errors.New("field type mismatch")}
	conv := &fakeConverter{members: map[string]string{"out.md": "text"}}
	p, staging := newPipeline(t, store, conv)

	assert.False(t, p.Process(context.Background(), newRecord("rec1", "doc")))
	assert.Equal(t, []string{"zips/rec1/doc.zip"}, stagedFiles(t, staging))
}

func TestProcessRecoversPanic(t *testing.T) {
	p, staging := newPipeline(t, &fakeStore{}, &fakeConverter{panics: true})

	var err error
	require.NotPanics(t, func() {
		err = p.Run(context.Background(), newRecord("rec1", "doc"))
	})
	assert.True(t, domain.IsKind(err, domain.KindUnexpected))
	assert.Empty(t, stagedFiles(t, staging))
}

func TestProcessPanicAfterConvertLeavesNothing(t *testing.T) {
	conv := &fakeConverter{members: map[string]string{"doc.md": "# Doc"}}
	store := &fakeStore{uploadPanics: true}
	p, staging := newPipeline(t, store, conv)

	err := p.Run(context.Background(), newRecord("rec1", "doc"))
	assert.True(t, domain.IsKind(err, domain.KindUnexpected))
	assert.Empty(t, stagedFiles(t, staging))
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, writeZip(archive, map[string]string{"../../escape.md": "x"}))

	_, err := extractMarkdown(archive, filepath.Join(dir, "out"), defaultMaxMemberBytes)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.md"))
}

func TestConcurrentRecordsWithSameNameDoNotCollide(t *testing.T) {
	store := &fakeStore{}
	conv := &fakeConverter{members: map[string]string{"out.md": "text"}}
	p, staging := newPipeline(t, store, conv)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "rec" + string(rune('a'+i))
			results[i] = p.Process(context.Background(), newRecord(id, "same name"))
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "record %d", i)
	}
	assert.Len(t, store.writes, 8)
	assert.Empty(t, stagedFiles(t, staging))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e_f_g_h_i", SanitizeFilename(` a<b>c:d"e/f\g|h?i `))
	assert.Equal(t, "rec1", fileBase("  ", "rec1"))
	assert.Equal(t, "rec1", fileBase("..", "rec1"))
}

func TestStagingCleanupScopedToRecords(t *testing.T) {
	staging := NewStaging(t.TempDir())
	require.NoError(t, staging.EnsureDirs())
	for _, id := range []string{"keep", "drop"} {
		require.NoError(t, os.MkdirAll(staging.ArchiveDir(id), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(staging.ArchiveDir(id), "x.zip"), nil, 0o644))
	}

	require.NoError(t, staging.Cleanup("drop"))
	assert.Equal(t, []string{"zips/keep/x.zip"}, stagedFiles(t, staging))
}
