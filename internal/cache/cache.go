// Package cache provides durable, versioned storage of downloaded template
// content keyed by (slug, version), with an in-memory index mirroring the
// on-disk layout for O(1) existence and listing queries.
//
// On-disk layout:
//
//	<cacheRoot>/
//	  index.json
//	  templates/<slug>/<version>/template.json
//	  templates/<slug>/<version>/metadata.json
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/gjson"
)

const (
	indexFileName    = "index.json"
	templatesDirName = "templates"
	contentFileName  = "template.json"
	metadataFileName = "metadata.json"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "templar_cache_hits_total",
		Help: "Total number of cache reads that returned content",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "templar_cache_misses_total",
		Help: "Total number of cache reads that missed, including corrupt entries",
	})
)

// Metadata is the per-version sidecar file stored next to the content.
type Metadata struct {
	Slug     string    `json:"slug"`
	Version  string    `json:"version"`
	Checksum string    `json:"checksum"`
	CachedAt time.Time `json:"cached_at"`
	Size     int64     `json:"size"`
}

// CachedTemplate is the materialized pair of files for one (slug, version).
type CachedTemplate struct {
	Content  json.RawMessage
	Metadata Metadata
}

// Summary is one row of a cache listing, served from the index alone.
type Summary struct {
	Slug          string   `json:"slug"`
	DisplayName   string   `json:"display_name,omitempty"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	AuthorName    string   `json:"author_name,omitempty"`
	IsOfficial    bool     `json:"is_official,omitempty"`
	LatestVersion string   `json:"latest_version"`
	Versions      []string `json:"versions"`
}

// VersionCache owns the on-disk cache tree and its in-memory index.
// Single writer per process; all mutations are serialized by the mutex so
// concurrent latest-version recomputation cannot race.
type VersionCache struct {
	mu     sync.RWMutex
	root   string
	index  *Index
	logger *slog.Logger
}

// New opens the cache rooted at dir, loading the index from disk. A
// missing index file is treated as an empty cache (first run); a corrupt
// index file is likewise treated as empty, never a fatal startup error.
func New(dir string, logger *slog.Logger) *VersionCache {
	if logger == nil {
		logger = slog.Default()
	}

	idx, clean := loadIndex(filepath.Join(dir, indexFileName))
	if !clean {
		logger.Warn("cache index unreadable, starting with empty index", "dir", dir)
	}

	return &VersionCache{
		root:   dir,
		index:  idx,
		logger: logger,
	}
}

// Root returns the cache root directory.
func (c *VersionCache) Root() string {
	return c.root
}

// IsCached reports whether (slug, version) is present. Pure index lookup;
// no disk access.
func (c *VersionCache) IsCached(slug, version string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.index.Templates[slug]
	if !ok {
		return false
	}
	_, ok = entry.Versions[version]
	return ok
}

// SaveTemplate writes content and metadata as sibling artifacts under the
// version directory and updates the index, recomputing the slug's latest
// version across all cached versions.
func (c *VersionCache) SaveTemplate(slug, version string, content json.RawMessage, checksum string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.versionDir(slug, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create version directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, contentFileName), content, 0o644); err != nil {
		return fmt.Errorf("failed to write template content: %w", err)
	}

	meta := Metadata{
		Slug:     slug,
		Version:  version,
		Checksum: checksum,
		CachedAt: time.Now().UTC(),
		Size:     int64(len(content)),
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), metaData, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	entry, ok := c.index.Templates[slug]
	if !ok {
		entry = &IndexEntry{Versions: make(map[string]*VersionRecord)}
		c.index.Templates[slug] = entry
	}
	entry.Versions[version] = &VersionRecord{
		CachedAt: meta.CachedAt,
		Checksum: checksum,
		Size:     meta.Size,
	}
	entry.recomputeLatest()
	liftDisplayFields(entry, content)

	return c.persistIndex()
}

// GetTemplate reads back the content and metadata for (slug, version).
// Returns nil, nil on a miss. A corrupt or unreadable content file is also
// a miss, not an error: its index record is dropped so the next
// ensure-cached re-downloads it.
func (c *VersionCache) GetTemplate(slug, version string) (*CachedTemplate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index.Templates[slug]
	if !ok {
		cacheMissesTotal.Inc()
		return nil, nil
	}
	if _, ok := entry.Versions[version]; !ok {
		cacheMissesTotal.Inc()
		return nil, nil
	}

	dir := c.versionDir(slug, version)

	content, err := os.ReadFile(filepath.Join(dir, contentFileName))
	if err != nil || !json.Valid(content) {
		c.logger.Warn("cached content unreadable, dropping from index",
			"slug", slug, "version", version)
		c.dropVersion(slug, version)
		if err := c.persistIndex(); err != nil {
			c.logger.Warn("failed to persist index after drop", "error", err)
		}
		cacheMissesTotal.Inc()
		return nil, nil
	}

	cached := &CachedTemplate{Content: content}

	metaData, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil || json.Unmarshal(metaData, &cached.Metadata) != nil {
		// Metadata sidecar is reconstructible from the index record.
		cached.Metadata = Metadata{Slug: slug, Version: version}
		if rec := entry.Versions[version]; rec != nil {
			cached.Metadata.Checksum = rec.Checksum
			cached.Metadata.CachedAt = rec.CachedAt
			cached.Metadata.Size = rec.Size
		}
	}

	cacheHitsTotal.Inc()
	return cached, nil
}

// RemoveVersion deletes the version's artifacts and updates the index. If
// it was the slug's last version the whole slug entry is removed;
// otherwise the latest version is recomputed over what remains. Removing
// a version that is not cached is a no-op.
func (c *VersionCache) RemoveVersion(slug, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.index.Templates[slug]
	if !ok {
		return nil
	}
	if _, ok := entry.Versions[version]; !ok {
		return nil
	}

	if err := os.RemoveAll(c.versionDir(slug, version)); err != nil {
		return fmt.Errorf("failed to remove version directory: %w", err)
	}

	c.dropVersion(slug, version)
	return c.persistIndex()
}

// dropVersion removes (slug, version) from the index, pruning the slug
// entry when it was the last version. Caller holds the write lock and is
// responsible for persisting the index.
func (c *VersionCache) dropVersion(slug, version string) {
	entry, ok := c.index.Templates[slug]
	if !ok {
		return
	}
	delete(entry.Versions, version)
	if len(entry.Versions) == 0 {
		delete(c.index.Templates, slug)
		// Best-effort removal of the now-empty slug directory.
		os.Remove(filepath.Join(c.root, templatesDirName, slug))
	} else {
		entry.recomputeLatest()
	}
}

// ListCached returns a summary per cached slug, served entirely from the
// index.
func (c *VersionCache) ListCached() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summaries := make([]Summary, 0, len(c.index.Templates))
	for slug, entry := range c.index.Templates {
		versions := make([]string, 0, len(entry.Versions))
		for v := range entry.Versions {
			versions = append(versions, v)
		}
		summaries = append(summaries, Summary{
			Slug:          slug,
			DisplayName:   entry.DisplayName,
			Description:   entry.Description,
			Category:      entry.Category,
			Tags:          entry.Tags,
			AuthorName:    entry.AuthorName,
			IsOfficial:    entry.IsOfficial,
			LatestVersion: entry.LatestVersion,
			Versions:      versions,
		})
	}
	return summaries
}

// LatestVersion returns the semver-maximum cached version for slug, or ""
// when the slug is not cached.
func (c *VersionCache) LatestVersion(slug string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.index.Templates[slug]
	if !ok {
		return ""
	}
	return entry.LatestVersion
}

// Size walks the cache tree and returns the total size in bytes of all
// regular files, index included.
func (c *VersionCache) Size() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to walk cache directory: %w", err)
	}
	return total, nil
}

// Clear wipes the cache tree and resets the index to empty.
func (c *VersionCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(c.root, templatesDirName)); err != nil {
		return fmt.Errorf("failed to remove templates directory: %w", err)
	}
	c.index = newIndex()
	return c.persistIndex()
}

func (c *VersionCache) versionDir(slug, version string) string {
	return filepath.Join(c.root, templatesDirName, slug, version)
}

func (c *VersionCache) persistIndex() error {
	return saveIndex(filepath.Join(c.root, indexFileName), c.index)
}

// liftDisplayFields opportunistically copies display fields out of the
// content's embedded manifest into the index entry. The manifest is
// duck-typed: fields are read defensively and absent fields leave the
// entry untouched.
func liftDisplayFields(entry *IndexEntry, content json.RawMessage) {
	manifest := gjson.GetBytes(content, "manifest")
	if !manifest.Exists() {
		return
	}

	if v := manifest.Get("displayName"); v.Exists() {
		entry.DisplayName = v.String()
	} else if v := manifest.Get("name"); v.Exists() {
		entry.DisplayName = v.String()
	}
	if v := manifest.Get("description"); v.Exists() {
		entry.Description = v.String()
	}
	if v := manifest.Get("category"); v.Exists() {
		entry.Category = v.String()
	}
	if v := manifest.Get("tags"); v.IsArray() {
		tags := make([]string, 0, len(v.Array()))
		for _, t := range v.Array() {
			tags = append(tags, t.String())
		}
		entry.Tags = tags
	}
	if v := manifest.Get("author.name"); v.Exists() {
		entry.AuthorName = v.String()
	} else if v := manifest.Get("authorName"); v.Exists() {
		entry.AuthorName = v.String()
	}
	if v := manifest.Get("isOfficial"); v.Exists() {
		entry.IsOfficial = v.Bool()
	}
}
