package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Index is the single authoritative structure describing cache contents.
// It is persisted as one file and rebuilt in memory at startup. The index
// is a derived, rebuildable structure: it exists for performance, not
// correctness, so a missing or corrupt index file degrades to an empty
// cache rather than a startup failure.
type Index struct {
	Templates map[string]*IndexEntry `json:"templates"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// IndexEntry tracks every cached version of one slug plus a small set of
// display fields lifted from the content's embedded manifest, so listing
// never has to read content files.
type IndexEntry struct {
	Versions      map[string]*VersionRecord `json:"versions"`
	LatestVersion string                    `json:"latest_version"`
	DisplayName   string                    `json:"display_name,omitempty"`
	Description   string                    `json:"description,omitempty"`
	Category      string                    `json:"category,omitempty"`
	Tags          []string                  `json:"tags,omitempty"`
	AuthorName    string                    `json:"author_name,omitempty"`
	IsOfficial    bool                      `json:"is_official,omitempty"`
}

// VersionRecord is the index's view of one cached version.
type VersionRecord struct {
	CachedAt time.Time `json:"cached_at"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
}

func newIndex() *Index {
	return &Index{
		Templates: make(map[string]*IndexEntry),
		UpdatedAt: time.Now().UTC(),
	}
}

// recomputeLatest sets LatestVersion to the semver-maximum of the entry's
// version keys. The full set is compared on every call, not just the most
// recent insert, so out-of-order inserts (9.0.0 after 10.0.0) and removals
// both resolve correctly. Keys that fail to parse as semver are skipped.
func (e *IndexEntry) recomputeLatest() {
	var latest *semver.Version
	var latestRaw string
	for raw := range e.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
			latestRaw = raw
		}
	}
	e.LatestVersion = latestRaw
}

// loadIndex reads the index file from disk. A missing file means first
// run; a corrupt file means the index is rebuilt from nothing. Neither is
// an error.
func loadIndex(path string) (*Index, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return newIndex(), os.IsNotExist(err)
	}

	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return newIndex(), false
	}
	if idx.Templates == nil {
		idx.Templates = make(map[string]*IndexEntry)
	}
	return &idx, true
}

// saveIndex writes the index atomically using temp file + rename.
func saveIndex(path string, idx *Index) error {
	idx.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile) // Clean up temp file
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return nil
}
