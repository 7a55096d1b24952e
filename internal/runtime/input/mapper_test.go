package input

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// dirSink materializes into a test directory under a /virtual prefix.
type dirSink struct {
	dir string
}

func (s *dirSink) Materialize(ctx context.Context, suggestedName string, data []byte) (string, error) {
	if err := os.WriteFile(filepath.Join(s.dir, suggestedName), data, 0o644); err != nil {
		return "", err
	}
	return "/virtual/" + suggestedName, nil
}

func newTestSink(t *testing.T) *dirSink {
	t.Helper()
	return &dirSink{dir: t.TempDir()}
}

func TestMapTextPassthrough(t *testing.T) {
	mapper := NewMapper()

	blocks, err := mapper.Map(context.Background(),
		models.TextInput("hello"), models.ModelSpec{Name: "m"}, newTestSink(t))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockText, blocks[0].Type)
	assert.Equal(t, "hello", blocks[0].Text)
}

func TestMapFileModeMaterializes(t *testing.T) {
	mapper := NewMapper()
	sink := newTestSink(t)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("file body"), 0o644))

	blocks, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartFile, Path: src},
	}, models.ModelSpec{Name: "m"}, sink)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockFileRef, blocks[0].Type)
	assert.Equal(t, "/virtual/notes.txt", blocks[0].Path)
	assert.Equal(t, "text/plain", blocks[0].MIME)

	written, err := os.ReadFile(filepath.Join(sink.dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file body", string(written))
}

func TestMapBinaryInline(t *testing.T) {
	mapper := NewMapper()

	payload := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n fake"))
	model := models.ModelSpec{Name: "m", InlineMIMECategories: []string{"image"}}

	blocks, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartBinary, Data: payload, MIME: "image/png", Mode: models.ContentModeInline},
	}, model, newTestSink(t))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockInline, blocks[0].Type)
	assert.Equal(t, "image/png", blocks[0].MIME)
}

func TestMapInlineRejectedByCapability(t *testing.T) {
	mapper := NewMapper()

	payload := base64.StdEncoding.EncodeToString([]byte("audio bytes"))
	model := models.ModelSpec{Name: "text-only"}

	_, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartBinary, Data: payload, MIME: "audio/mpeg", Mode: models.ContentModeInline},
	}, model, newTestSink(t))
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
}

func TestMapURLFileMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer srv.Close()

	mapper := NewMapper()
	sink := newTestSink(t)

	blocks, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartURL, URL: srv.URL + "/report.pdf"},
	}, models.ModelSpec{Name: "m"}, sink)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, BlockFileRef, blocks[0].Type)
	assert.Equal(t, "/virtual/report.pdf", blocks[0].Path)
	assert.Equal(t, "application/pdf", blocks[0].MIME)
}

func TestMapURLErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mapper := NewMapper()
	_, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartURL, URL: srv.URL + "/missing"},
	}, models.ModelSpec{Name: "m"}, newTestSink(t))
	assert.Error(t, err)
}

func TestMapInvalidPart(t *testing.T) {
	mapper := NewMapper()

	_, err := mapper.Map(context.Background(), []models.InputPart{
		{Type: models.InputPartText},
	}, models.ModelSpec{Name: "m"}, newTestSink(t))
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
}

func TestClassifyMIME(t *testing.T) {
	assert.Equal(t, CategoryImage, ClassifyMIME("image/png"))
	assert.Equal(t, CategoryAudio, ClassifyMIME("audio/mpeg"))
	assert.Equal(t, CategoryVideo, ClassifyMIME("video/mp4"))
	assert.Equal(t, CategoryDocument, ClassifyMIME("application/pdf"))
	assert.Equal(t, CategoryDocument, ClassifyMIME("text/markdown"))
	assert.Equal(t, CategoryBinary, ClassifyMIME("application/octet-stream"))
}
