// internal/export/export.go
//
// Export persists a finished draft as a markdown document with a YAML
// frontmatter block, under .inkflow/exports/. The frontmatter carries enough
// session metadata to trace a file back to the run that produced it.

package export

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chenyuan/inkflow/internal/workflow"
)

// ErrNoDraft indicates the session has no rendered draft to export.
var ErrNoDraft = errors.New("export: session has no draft")

const timeLayout = time.RFC3339

// Store writes draft exports rooted at a directory.
type Store struct {
	dir string
	now func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for frontmatter timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewStore builds a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	store := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// frontmatter is the metadata envelope at the top of an exported draft.
type frontmatter struct {
	Inkflow struct {
		Session     string `yaml:"session"`
		Article     string `yaml:"article,omitempty"`
		ContentType string `yaml:"content_type"`
		Mode        string `yaml:"mode"`
		Stage       string `yaml:"stage"`
		Title       string `yaml:"title"`
		Exported    string `yaml:"exported"`
	} `yaml:"inkflow"`
}

// Write renders the session's current draft to disk and returns the file
// path. The filename derives from the title; an existing file with the same
// name is overwritten, so re-exporting after more edits replaces the old copy.
func (s *Store) Write(session workflow.Session) (string, error) {
	if session.Preview == nil || session.Preview.Title == "" {
		return "", ErrNoDraft
	}
	body := session.Preview.FullContent
	if body == "" {
		body = session.Preview.Content
	}

	var meta frontmatter
	meta.Inkflow.Session = session.ID
	meta.Inkflow.Article = session.ArticleID
	meta.Inkflow.ContentType = string(session.ContentType)
	meta.Inkflow.Mode = string(session.Mode)
	meta.Inkflow.Stage = string(session.Stage)
	meta.Inkflow.Title = session.Preview.Title
	meta.Inkflow.Exported = s.now().UTC().Format(timeLayout)

	head, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("export: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(head, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString("# " + session.Preview.Title + "\n\n")
	buf.WriteString(strings.TrimRight(body, "\n"))
	buf.WriteString("\n")

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create exports dir: %w", err)
	}
	path := filepath.Join(s.dir, Filename(session.Preview.Title))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("export: write draft: %w", err)
	}
	return path, nil
}

// Filename converts a draft title into a safe markdown filename. Titles are
// mostly CJK, which is fine on modern filesystems; only path separators and
// control characters are replaced.
func Filename(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '-'
		case r < 0x20:
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(title))
	if cleaned == "" {
		cleaned = "untitled"
	}
	return cleaned + ".md"
}
