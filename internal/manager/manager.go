// Package manager composes the registry client, version cache, and
// upgrade engine into the end-to-end template flows: creating a project
// from a registry template and scanning all tracked projects for
// available updates.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"templar/internal/cache"
	"templar/internal/core"
	"templar/internal/registry"
	"templar/internal/upgrade"
)

// RegistryClient is the slice of the registry client this facade needs.
// Narrowed to an interface so tests can count lookups.
type RegistryClient interface {
	GetDetail(ctx context.Context, slug string) (*core.TemplateDetail, error)
	Download(ctx context.Context, slug, version string) (*core.DownloadResult, error)
	CheckForUpdates(ctx context.Context, installed []core.Installed) []core.UpdateInfo
	IsAvailable(ctx context.Context) bool
	BaseURL() string
}

var _ RegistryClient = (*registry.Client)(nil)

// Manager is the orchestration facade over the template subsystem.
type Manager struct {
	registry RegistryClient
	cache    *cache.VersionCache
	engine   *upgrade.Engine
	projects core.ProjectStore
	metadata core.TemplateMetadataStore
	importer core.ProjectImporter
	logger   *slog.Logger

	scanMu   sync.RWMutex
	scanStat core.ScanStatus
	scanOnce sync.Once
	scanDone chan struct{}
}

// Config holds the collaborators a Manager composes.
type Config struct {
	Registry RegistryClient
	Cache    *cache.VersionCache
	Engine   *upgrade.Engine
	Projects core.ProjectStore
	Metadata core.TemplateMetadataStore
	Importer core.ProjectImporter
	Logger   *slog.Logger
}

// New creates a manager. The startup scan state begins as pending.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: cfg.Registry,
		cache:    cfg.Cache,
		engine:   cfg.Engine,
		projects: cfg.Projects,
		metadata: cfg.Metadata,
		importer: cfg.Importer,
		logger:   logger,
		scanStat: core.ScanStatus{State: core.ScanPending},
		scanDone: make(chan struct{}),
	}
}

// Engine exposes the composed upgrade engine.
func (m *Manager) Engine() *upgrade.Engine {
	return m.engine
}

// Cache exposes the composed version cache.
func (m *Manager) Cache() *cache.VersionCache {
	return m.cache
}

// EnsureCached makes (slug, version) present in the cache, downloading
// from the registry only when absent.
func (m *Manager) EnsureCached(ctx context.Context, slug, version string) error {
	if m.cache.IsCached(slug, version) {
		return nil
	}

	result, err := m.registry.Download(ctx, slug, version)
	if err != nil {
		return err
	}
	return m.cache.SaveTemplate(slug, version, result.Content, result.Checksum)
}

// CreateProjectFromRegistry downloads the template version if it is not
// already cached, creates an empty project, imports the cached content
// into it, and records template metadata. Import failures other than a
// missing provider mapping are logged and swallowed: the project is still
// created, just without the template applied. A missing provider mapping
// is re-raised so the caller can resolve it.
func (m *Manager) CreateProjectFromRegistry(ctx context.Context, slug, version, projectName, rootPath, description string) (*core.Project, error) {
	if err := m.EnsureCached(ctx, slug, version); err != nil {
		return nil, err
	}

	project, err := m.projects.CreateProject(ctx, projectName, rootPath, description)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	cached, err := m.cache.GetTemplate(slug, version)
	if err != nil || cached == nil {
		m.logger.Warn("cached template vanished before import",
			"slug", slug, "version", version)
		return project, nil
	}

	if err := m.importer.Import(ctx, project.ID, cached.Content, false); err != nil {
		if errors.Is(err, core.ErrMissingProviderMapping) {
			return nil, core.NewImportError("template import needs provider mappings", err)
		}
		// Degrade gracefully: the project exists, the template just
		// was not applied.
		m.logger.Warn("template import failed, project created without template",
			"project_id", project.ID, "slug", slug, "error", err)
		return project, nil
	}

	registryURL := m.registry.BaseURL()
	meta := &core.TemplateMetadata{
		TemplateSlug:     slug,
		Source:           core.SourceRegistry,
		InstalledVersion: &version,
		RegistryURL:      &registryURL,
		InstalledAt:      time.Now().UTC(),
	}
	if err := m.metadata.SetTemplateMetadata(ctx, project.ID, meta); err != nil {
		m.logger.Warn("failed to record template metadata",
			"project_id", project.ID, "error", err)
	}

	return project, nil
}

// CheckForUpdates checks one project against the registry. Returns
// nil, nil when the project has no linked registry template, the template
// no longer exists in the registry, or no version is flagged latest.
func (m *Manager) CheckForUpdates(ctx context.Context, projectID string) (*core.UpdateInfo, error) {
	meta, err := m.metadata.GetTemplateMetadata(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.Source != core.SourceRegistry || meta.InstalledVersion == nil {
		return nil, nil
	}

	updates := m.registry.CheckForUpdates(ctx, []core.Installed{
		{Slug: meta.TemplateSlug, Version: *meta.InstalledVersion},
	})
	m.touchLastChecked(ctx, projectID, meta)

	if len(updates) == 0 {
		return nil, nil
	}
	return &updates[0], nil
}

// StartScan launches the startup update scan as a background task. It
// returns immediately; poll ScanStatus for completion. When disabled or
// the registry is unreachable the scan resolves to skipped. The scan runs
// at most once per manager; later calls are no-ops.
func (m *Manager) StartScan(ctx context.Context, enabled bool) {
	m.scanOnce.Do(func() {
		go func() {
			defer close(m.scanDone)
			m.runScan(ctx, enabled)
		}()
	})
}

// ScanStatus reports the observable state of the startup scan:
// pending → complete | skipped.
func (m *Manager) ScanStatus() core.ScanStatus {
	m.scanMu.RLock()
	defer m.scanMu.RUnlock()
	return m.scanStat
}

// WaitScan blocks until the startup scan resolves. Test helper and
// shutdown aid; normal callers poll ScanStatus instead.
func (m *Manager) WaitScan() {
	<-m.scanDone
}

func (m *Manager) runScan(ctx context.Context, enabled bool) {
	if !enabled {
		m.setScan(core.ScanStatus{State: core.ScanSkipped})
		return
	}
	if !m.registry.IsAvailable(ctx) {
		m.logger.Info("registry unreachable, skipping startup update scan")
		m.setScan(core.ScanStatus{State: core.ScanSkipped})
		return
	}

	projects, err := m.projects.ListProjects(ctx)
	if err != nil {
		m.logger.Warn("failed to list projects for update scan", "error", err)
		m.setScan(core.ScanStatus{State: core.ScanSkipped})
		return
	}

	// Phase one: deduplicate by (slug, version). Many projects share the
	// same installed template and version; registry round-trips scale
	// with distinct pairs, not with project count.
	type pair struct {
		slug    string
		version string
	}
	pairProjects := make(map[pair][]string)
	metas := make(map[string]*core.TemplateMetadata)
	for _, p := range projects {
		meta, err := m.metadata.GetTemplateMetadata(ctx, p.ID)
		if err != nil {
			m.logger.Warn("failed to read template metadata", "project_id", p.ID, "error", err)
			continue
		}
		if meta == nil || meta.Source != core.SourceRegistry || meta.InstalledVersion == nil {
			continue
		}
		k := pair{slug: meta.TemplateSlug, version: *meta.InstalledVersion}
		pairProjects[k] = append(pairProjects[k], p.ID)
		metas[p.ID] = meta
	}

	installed := make([]core.Installed, 0, len(pairProjects))
	for k := range pairProjects {
		installed = append(installed, core.Installed{Slug: k.slug, Version: k.version})
	}

	updates := m.registry.CheckForUpdates(ctx, installed)

	// Phase two: fan per-pair results back out to every matching project
	// and bump each project's last-checked timestamp.
	var results []core.ProjectUpdate
	updateByPair := make(map[pair]core.UpdateInfo, len(updates))
	for _, u := range updates {
		updateByPair[pair{slug: u.Slug, version: u.CurrentVersion}] = u
	}
	for k, projectIDs := range pairProjects {
		u, hasUpdate := updateByPair[k]
		for _, id := range projectIDs {
			m.touchLastChecked(ctx, id, metas[id])
			if hasUpdate {
				results = append(results, core.ProjectUpdate{ProjectID: id, UpdateInfo: u})
			}
		}
	}

	m.logger.Info("startup update scan complete",
		"projects", len(projects),
		"distinct_pairs", len(installed),
		"updates", len(updates),
	)
	m.setScan(core.ScanStatus{State: core.ScanComplete, Results: results})
}

func (m *Manager) setScan(s core.ScanStatus) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	m.scanStat = s
}

func (m *Manager) touchLastChecked(ctx context.Context, projectID string, meta *core.TemplateMetadata) {
	now := time.Now().UTC()
	updated := *meta
	updated.LastUpdateCheckAt = &now
	if err := m.metadata.SetTemplateMetadata(ctx, projectID, &updated); err != nil {
		m.logger.Warn("failed to update last-checked timestamp",
			"project_id", projectID, "error", err)
	}
}
