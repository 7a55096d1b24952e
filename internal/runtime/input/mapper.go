// Package input maps user input parts onto the prompt blocks handed to
// the engine. Non-text parts are either materialized into the execution
// environment as files or passed inline into model context.
package input

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// BlockType distinguishes the prompt block shapes the engine accepts.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockFileRef BlockType = "file_ref"
	BlockInline  BlockType = "inline"
)

// PromptBlock is one engine prompt element produced from an input part.
type PromptBlock struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	// Path is the environment-virtual path for file_ref blocks.
	Path string `json:"path,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// FileSink materializes content into the execution environment and
// returns the virtual path the engine should reference.
type FileSink interface {
	Materialize(ctx context.Context, suggestedName string, data []byte) (string, error)
}

// fetchLimit caps URL downloads at 64 MiB.
const fetchLimit = 64 << 20

// Mapper converts input parts to prompt blocks for one run.
type Mapper struct {
	client *http.Client
}

// NewMapper creates a mapper with a bounded-timeout HTTP client for
// URL parts.
func NewMapper() *Mapper {
	return &Mapper{client: &http.Client{Timeout: 60 * time.Second}}
}

// Map validates and converts parts. Inline parts are checked against
// the model's inline MIME capability set and rejected with a validation
// error on mismatch.
func (m *Mapper) Map(ctx context.Context, parts []models.InputPart, model models.ModelSpec, sink FileSink) ([]PromptBlock, error) {
	if err := models.ValidateInput(parts); err != nil {
		return nil, apperrors.ValidationError("input", err.Error())
	}

	blocks := make([]PromptBlock, 0, len(parts))
	for i := range parts {
		block, err := m.mapPart(ctx, &parts[i], model, sink)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (m *Mapper) mapPart(ctx context.Context, part *models.InputPart, model models.ModelSpec, sink FileSink) (PromptBlock, error) {
	if part.Type == models.InputPartText {
		return PromptBlock{Type: BlockText, Text: part.Text}, nil
	}

	name, data, mimeType, err := m.loadPart(ctx, part)
	if err != nil {
		return PromptBlock{}, err
	}

	if part.Mode == models.ContentModeInline {
		category := ClassifyMIME(mimeType)
		if !modelAcceptsInline(model, category) {
			return PromptBlock{}, apperrors.ValidationError("input",
				fmt.Sprintf("model %q does not accept inline %s content (%s)",
					model.Name, category, mimeType))
		}
		return PromptBlock{Type: BlockInline, MIME: mimeType, Data: data}, nil
	}

	virtualPath, err := sink.Materialize(ctx, name, data)
	if err != nil {
		return PromptBlock{}, apperrors.StorageFailure("failed to materialize input file", err)
	}
	return PromptBlock{Type: BlockFileRef, Path: virtualPath, MIME: mimeType}, nil
}

// loadPart fetches the raw bytes plus a suggested filename and MIME type.
func (m *Mapper) loadPart(ctx context.Context, part *models.InputPart) (string, []byte, string, error) {
	switch part.Type {
	case models.InputPartURL:
		return m.fetchURL(ctx, part)
	case models.InputPartFile:
		data, err := os.ReadFile(part.Path)
		if err != nil {
			return "", nil, "", apperrors.ValidationError("input",
				fmt.Sprintf("cannot read file %q: %v", part.Path, err))
		}
		return filepath.Base(part.Path), data, sniffMIME(part, filepath.Base(part.Path), data), nil
	case models.InputPartBinary:
		data, err := base64.StdEncoding.DecodeString(part.Data)
		if err != nil {
			return "", nil, "", apperrors.ValidationError("input", "data is not valid base64")
		}
		return "attachment", data, sniffMIME(part, "", data), nil
	default:
		return "", nil, "", apperrors.ValidationError("input",
			fmt.Sprintf("unsupported input part type %q", part.Type))
	}
}

func (m *Mapper) fetchURL(ctx context.Context, part *models.InputPart) (string, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, part.URL, nil)
	if err != nil {
		return "", nil, "", apperrors.ValidationError("input", fmt.Sprintf("invalid url: %v", err))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", nil, "", apperrors.ExecutionFailure("failed to fetch input url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, "", apperrors.ExecutionFailure(
			fmt.Sprintf("input url returned status %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, fetchLimit))
	if err != nil {
		return "", nil, "", apperrors.ExecutionFailure("failed to read input url body", err)
	}

	name := urlFilename(part.URL)
	mimeType := part.MIME
	if mimeType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			mimeType, _, _ = strings.Cut(ct, ";")
			mimeType = strings.TrimSpace(mimeType)
		}
	}
	if mimeType == "" {
		mimeType = sniffMIME(part, name, data)
	}
	return name, data, mimeType, nil
}

func urlFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "download"
	}
	return path.Base(u.Path)
}

// sniffMIME resolves a part's MIME type from the declared value, the
// filename extension, then content sniffing.
func sniffMIME(part *models.InputPart, name string, data []byte) string {
	if part.MIME != "" {
		return part.MIME
	}
	if ext := filepath.Ext(name); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			t, _, _ := strings.Cut(byExt, ";")
			return strings.TrimSpace(t)
		}
	}
	return http.DetectContentType(data)
}

// MIMECategory buckets content types for model capability checks.
type MIMECategory string

const (
	CategoryImage    MIMECategory = "image"
	CategoryAudio    MIMECategory = "audio"
	CategoryVideo    MIMECategory = "video"
	CategoryDocument MIMECategory = "document"
	CategoryBinary   MIMECategory = "binary"
)

// ClassifyMIME maps a MIME type to its capability category.
func ClassifyMIME(mimeType string) MIMECategory {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "text/"),
		mimeType == "application/pdf",
		mimeType == "application/json",
		mimeType == "application/xml":
		return CategoryDocument
	default:
		return CategoryBinary
	}
}

func modelAcceptsInline(model models.ModelSpec, category MIMECategory) bool {
	for _, accepted := range model.InlineMIMECategories {
		if MIMECategory(accepted) == category {
			return true
		}
	}
	return false
}
