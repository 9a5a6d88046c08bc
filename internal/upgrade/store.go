package upgrade

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"templar/internal/core"
)

// BackupEntry is a transient snapshot of a project's exportable state,
// held only in process memory. An engine restart loses all pending
// backups; this is an accepted risk of the in-memory design.
type BackupEntry struct {
	ProjectID    string
	Data         json.RawMessage
	CreatedAt    time.Time
	TemplateSlug string
	FromVersion  *string
	Source       core.TemplateSource
	RegistryURL  *string
}

// BackupInfo is the caller-facing view of a stored backup.
type BackupInfo struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	CreatedAt   time.Time  `json:"created_at"`
	FromVersion *string    `json:"from_version"`
}

// BackupStore keeps upgrade backups in process memory, keyed by an opaque
// id. It is guarded by a mutex so a lookup-then-delete pair cannot be torn
// by an interleaved reaper sweep.
type BackupStore struct {
	mu    sync.RWMutex
	items map[string]*BackupEntry
}

// NewBackupStore creates an empty in-memory backup store.
func NewBackupStore() *BackupStore {
	return &BackupStore{
		items: make(map[string]*BackupEntry),
	}
}

// Put stores a backup under the given id.
func (s *BackupStore) Put(id string, entry *BackupEntry) error {
	if id == "" || entry == nil {
		return fmt.Errorf("backup id and entry are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id] = entry
	return nil
}

// Get retrieves one backup by id. Returns false for unknown or already
// reaped ids.
func (s *BackupStore) Get(id string) (*BackupEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.items[id]
	return entry, ok
}

// Delete removes one backup by id. Deleting an unknown id is a no-op.
func (s *BackupStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
}

// Sweep removes every backup created before the cutoff and returns how
// many were removed.
func (s *BackupStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.items {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

// List returns info for every backup belonging to the given project.
func (s *BackupStore) List(projectID string) []BackupInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BackupInfo
	for id, entry := range s.items {
		if entry.ProjectID != projectID {
			continue
		}
		out = append(out, BackupInfo{
			ID:          id,
			ProjectID:   entry.ProjectID,
			CreatedAt:   entry.CreatedAt,
			FromVersion: entry.FromVersion,
		})
	}
	return out
}

// Len returns the number of stored backups.
func (s *BackupStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
