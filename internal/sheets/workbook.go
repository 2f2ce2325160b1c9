package sheets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/rostersync/internal/roster"
)

// FileWorkbook serves the roster from a local YAML file of the form
//
//	sheets:
//	  Roster:
//	    - [id, username, display_name, role, General]
//	  Chats:
//	    - [General, "-100123"]
type FileWorkbook struct {
	path   string
	logger Logger
}

var _ roster.Capability = (*FileWorkbook)(nil)

type workbookDocument struct {
	Sheets map[string][][]string `yaml:"sheets"`
}

func NewFileWorkbook(path string, logger Logger) (*FileWorkbook, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileWorkbook{path: path, logger: logger}, nil
}

func (w *FileWorkbook) Path() string {
	return w.path
}

func (w *FileWorkbook) FetchMetadata(ctx context.Context) (roster.Metadata, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return roster.Metadata{}, err
	}
	return roster.Metadata{ModifiedAt: info.ModTime().UTC()}, nil
}

func (w *FileWorkbook) FetchRows(ctx context.Context, sheet string) ([][]string, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	var doc workbookDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workbook %s: %w", w.path, err)
	}
	rows, ok := doc.Sheets[sheet]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", roster.ErrRosterInvalid, ErrSheetNotFound, sheet)
	}
	return rows, nil
}

// Watch calls onChange whenever the workbook file is written or replaced.
// It blocks until ctx is done.
func (w *FileWorkbook) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Printf("workbook watch error: %v", err)
			}
		}
	}
}
