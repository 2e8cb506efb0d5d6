// Package catalog provides the JSON-file-backed media catalog. Every
// mutation rewrites the whole file: a deliberate simplicity-over-durability
// tradeoff for a single-operator local deployment.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mediagen-studio/mediagen/pkg/models"
)

var ErrEntryNotFound = errors.New("catalog entry not found")

const catalogFile = "media.json"

type document struct {
	Entries []*models.MediaEntry  `json:"entries"`
	Folders []*models.MediaFolder `json:"folders"`
}

// Repository holds the catalog in memory and flushes it to disk on mutation.
type Repository struct {
	mu     sync.Mutex
	path   string
	doc    document
	logger *slog.Logger
}

// NewRepository loads the catalog document from dir, creating an empty one
// when none exists yet.
func NewRepository(dir string, logger *slog.Logger) (*Repository, error) {
	repo := &Repository{
		path:   filepath.Join(dir, catalogFile),
		logger: logger,
	}

	raw, err := os.ReadFile(repo.path)
	if err != nil {
		if os.IsNotExist(err) {
			return repo, nil
		}

		return nil, fmt.Errorf("failed to read media catalog: %w", err)
	}

	if err := json.Unmarshal(raw, &repo.doc); err != nil {
		return nil, fmt.Errorf("media catalog is malformed: %w", err)
	}

	return repo, nil
}

// AddEntry persists a new catalog entry, assigning the uid and timestamp.
// Uids are millisecond timestamps, bumped when two entries land within the
// same millisecond so they stay strictly monotonic.
func (r *Repository) AddEntry(entry models.MediaEntry) (*models.MediaEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.CreatedAt = time.Now().UTC()
	entry.UID = entry.CreatedAt.UnixMilli()

	if len(r.doc.Entries) > 0 && entry.UID <= r.doc.Entries[0].UID {
		entry.UID = r.doc.Entries[0].UID + 1
	}

	stored := entry
	r.doc.Entries = append([]*models.MediaEntry{&stored}, r.doc.Entries...)

	if err := r.flushLocked(); err != nil {
		r.doc.Entries = r.doc.Entries[1:]

		return nil, err
	}

	r.logger.Info("Persisted catalog entry", "uid", stored.UID, "workflow", stored.Workflow)

	return &stored, nil
}

// FindByUID returns the entry with the given uid.
func (r *Repository) FindByUID(uid int64) (*models.MediaEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.doc.Entries {
		if entry.UID == uid {
			return entry, nil
		}
	}

	return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, uid)
}

// ListOptions filters and pages ListFiltered results.
type ListOptions struct {
	Folder   string
	Workflow string
	Limit    int
	Offset   int
}

// ListFiltered returns entries newest-first.
func (r *Repository) ListFiltered(opts ListOptions) []*models.MediaEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.Limit <= 0 || opts.Limit > 200 {
		opts.Limit = 50
	}

	filtered := make([]*models.MediaEntry, 0, len(r.doc.Entries))

	for _, entry := range r.doc.Entries {
		if opts.Folder != "" && entry.Folder != opts.Folder {
			continue
		}

		if opts.Workflow != "" && entry.Workflow != opts.Workflow {
			continue
		}

		filtered = append(filtered, entry)
	}

	if opts.Offset >= len(filtered) {
		return []*models.MediaEntry{}
	}

	end := opts.Offset + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[opts.Offset:end]
}

// Folders lists the known folders.
func (r *Repository) Folders() []*models.MediaFolder {
	r.mu.Lock()
	defer r.mu.Unlock()

	folders := make([]*models.MediaFolder, len(r.doc.Folders))
	copy(folders, r.doc.Folders)

	return folders
}

// AddFolder creates a folder if it does not exist yet.
func (r *Repository) AddFolder(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, folder := range r.doc.Folders {
		if folder.Name == name {
			return nil
		}
	}

	r.doc.Folders = append(r.doc.Folders, &models.MediaFolder{
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})

	return r.flushLocked()
}

func (r *Repository) flushLocked() error {
	raw, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode media catalog: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	if err := os.WriteFile(r.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write media catalog: %w", err)
	}

	return nil
}
