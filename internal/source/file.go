package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"caption-sky/server/internal/captions"
)

// File reads captions from a JSON or YAML fixture. The document is either a
// list of records or an object with a "captions" list.
type File struct {
	path  string
	limit int
}

func NewFile(path string, limit int) *File {
	return &File{path: path, limit: limit}
}

type fileDocument struct {
	Captions []captions.Record `json:"captions" yaml:"captions"`
}

func (f *File) Fetch(ctx context.Context) ([]captions.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read caption file: %w", err)
	}

	records, err := decodeRecords(f.path, data)
	if err != nil {
		return nil, fmt.Errorf("parse caption file %s: %w", filepath.Base(f.path), err)
	}
	return newestFirst(records, f.limit), nil
}

func decodeRecords(path string, data []byte) ([]captions.Record, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if strings.HasPrefix(trimmed, "[") {
			var records []captions.Record
			err := json.Unmarshal(data, &records)
			return records, err
		}
		var doc fileDocument
		err := json.Unmarshal(data, &doc)
		return doc.Captions, err
	default:
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "[") {
			var records []captions.Record
			err := yaml.Unmarshal(data, &records)
			return records, err
		}
		var doc fileDocument
		err := yaml.Unmarshal(data, &doc)
		return doc.Captions, err
	}
}

// Watch calls onChange whenever the file is written, created or renamed into
// place, until ctx ends. The parent directory is watched so editors that
// replace the file are picked up.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create caption file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(f.path)

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
			return fmt.Errorf("caption file watcher: %w", err)
		}
	}
}
