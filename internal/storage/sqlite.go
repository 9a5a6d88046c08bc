package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"templar/internal/core"
)

// SQLiteStore implements the project storage collaborators
// (core.ProjectStore, core.TemplateMetadataStore, core.ProjectExporter,
// core.ProjectImporter) on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ core.ProjectStore          = (*SQLiteStore)(nil)
	_ core.TemplateMetadataStore = (*SQLiteStore)(nil)
	_ core.ProjectExporter       = (*SQLiteStore)(nil)
	_ core.ProjectImporter       = (*SQLiteStore)(nil)
)

// NewSQLite opens (or creates) the project database at path.
// It enables WAL mode for better concurrent read/write performance.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ".cache/templar.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			root_path TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			state TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create projects table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS project_templates (
			project_id TEXT PRIMARY KEY REFERENCES projects(id),
			template_slug TEXT NOT NULL,
			source TEXT NOT NULL,
			installed_version TEXT,
			registry_url TEXT,
			installed_at INTEGER NOT NULL,
			last_update_check_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create project_templates table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS provider_mappings (
			provider TEXT PRIMARY KEY,
			mapped_to TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create provider_mappings table: %w", err)
	}

	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateProject inserts an empty project and returns its record.
func (s *SQLiteStore) CreateProject(ctx context.Context, name, rootPath, description string) (*core.Project, error) {
	p := &core.Project{
		ID:          uuid.New().String(),
		Name:        name,
		RootPath:    rootPath,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, description, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.RootPath, p.Description, p.CreatedAt.Unix(), string(emptyState))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject returns one project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var p core.Project
	var createdAt int64
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, description, created_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.RootPath, &description, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewNotFoundError(fmt.Sprintf("project %s not found", id))
		}
		return nil, fmt.Errorf("query project: %w", err)
	}
	if description.Valid {
		p.Description = description.String
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &p, nil
}

// ListProjects returns all tracked projects ordered by creation time.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, root_path, description, created_at
		FROM projects ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*core.Project
	for rows.Next() {
		var p core.Project
		var createdAt int64
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.RootPath, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if description.Valid {
			p.Description = description.String
		}
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// GetTemplateMetadata returns the project's template link, or nil, nil
// when the project has none.
func (s *SQLiteStore) GetTemplateMetadata(ctx context.Context, projectID string) (*core.TemplateMetadata, error) {
	var meta core.TemplateMetadata
	var installedVersion, registryURL sql.NullString
	var installedAt int64
	var lastChecked sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT template_slug, source, installed_version, registry_url, installed_at, last_update_check_at
		FROM project_templates WHERE project_id = ?
	`, projectID).Scan(&meta.TemplateSlug, &meta.Source, &installedVersion,
		&registryURL, &installedAt, &lastChecked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query template metadata: %w", err)
	}

	meta.InstalledVersion = fromNullString(installedVersion)
	meta.RegistryURL = fromNullString(registryURL)
	meta.InstalledAt = time.Unix(installedAt, 0).UTC()
	if lastChecked.Valid {
		t := time.Unix(lastChecked.Int64, 0).UTC()
		meta.LastUpdateCheckAt = &t
	}
	return &meta, nil
}

// SetTemplateMetadata records the project's template link, replacing any
// previous link.
func (s *SQLiteStore) SetTemplateMetadata(ctx context.Context, projectID string, meta *core.TemplateMetadata) error {
	var lastChecked sql.NullInt64
	if meta.LastUpdateCheckAt != nil {
		lastChecked = sql.NullInt64{Int64: meta.LastUpdateCheckAt.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_templates
			(project_id, template_slug, source, installed_version, registry_url, installed_at, last_update_check_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			template_slug = excluded.template_slug,
			source = excluded.source,
			installed_version = excluded.installed_version,
			registry_url = excluded.registry_url,
			installed_at = excluded.installed_at,
			last_update_check_at = excluded.last_update_check_at
	`, projectID, meta.TemplateSlug, string(meta.Source),
		nullString(meta.InstalledVersion), nullString(meta.RegistryURL),
		meta.InstalledAt.Unix(), lastChecked)
	if err != nil {
		return fmt.Errorf("upsert template metadata: %w", err)
	}
	return nil
}

// AddProviderMapping registers a provider mapping so imports referencing
// the provider can resolve.
func (s *SQLiteStore) AddProviderMapping(ctx context.Context, provider, mappedTo string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_mappings (provider, mapped_to) VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET mapped_to = excluded.mapped_to
	`, provider, mappedTo)
	if err != nil {
		return fmt.Errorf("upsert provider mapping: %w", err)
	}
	return nil
}

// Export returns the project's live state as a portable document.
func (s *SQLiteStore) Export(ctx context.Context, projectID string) (json.RawMessage, error) {
	var state string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM projects WHERE id = ?", projectID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewNotFoundError(fmt.Sprintf("project %s not found", projectID))
		}
		return nil, fmt.Errorf("query project state: %w", err)
	}
	return json.RawMessage(state), nil
}

// Import applies a portable document onto the project. The document's
// provider references must all resolve through the provider_mappings
// table; a reference without a mapping fails with
// core.ErrMissingProviderMapping. When dryRun is true the document is
// validated but the project state is left untouched.
func (s *SQLiteStore) Import(ctx context.Context, projectID string, doc json.RawMessage, dryRun bool) error {
	if !json.Valid(doc) {
		return core.NewImportError("document is not valid JSON", nil)
	}

	if err := s.checkProviderMappings(ctx, doc); err != nil {
		return err
	}

	if dryRun {
		return nil
	}

	res, err := s.db.ExecContext(ctx, "UPDATE projects SET state = ? WHERE id = ?",
		string(doc), projectID)
	if err != nil {
		return core.NewImportError("failed to write project state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.NewImportError("failed to confirm project state write", err)
	}
	if n == 0 {
		return core.NewNotFoundError(fmt.Sprintf("project %s not found", projectID))
	}
	return nil
}

// checkProviderMappings walks the document's provider references. The
// providers field is duck-typed: absent or malformed means no external
// dependencies, never an error.
func (s *SQLiteStore) checkProviderMappings(ctx context.Context, doc json.RawMessage) error {
	providers := gjson.GetBytes(doc, "providers")
	if !providers.IsArray() {
		return nil
	}

	for _, p := range providers.Array() {
		name := p.String()
		if p.IsObject() {
			name = p.Get("name").String()
		}
		if name == "" {
			continue
		}

		var mapped string
		err := s.db.QueryRowContext(ctx,
			"SELECT mapped_to FROM provider_mappings WHERE provider = ?", name).Scan(&mapped)
		if errors.Is(err, sql.ErrNoRows) {
			return core.NewImportError(
				fmt.Sprintf("no mapping for provider %q", name),
				fmt.Errorf("%w: %s", core.ErrMissingProviderMapping, name))
		}
		if err != nil {
			return fmt.Errorf("query provider mapping: %w", err)
		}
	}
	return nil
}
