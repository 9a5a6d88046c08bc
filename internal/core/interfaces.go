package core

import (
	"context"
	"encoding/json"
)

// ProjectStore is the external project storage collaborator.
// Implementations must be safe for concurrent use.
type ProjectStore interface {
	// CreateProject creates an empty project and returns its record.
	CreateProject(ctx context.Context, name, rootPath, description string) (*Project, error)

	// GetProject retrieves one project by id.
	// Returns a NotFound error for unknown ids.
	GetProject(ctx context.Context, id string) (*Project, error)

	// ListProjects returns all tracked projects.
	ListProjects(ctx context.Context) ([]*Project, error)
}

// TemplateMetadataStore is the narrow get/set contract over the external
// settings store for per-project template links.
type TemplateMetadataStore interface {
	// GetTemplateMetadata returns the project's template link, or nil, nil
	// when the project has no linked template.
	GetTemplateMetadata(ctx context.Context, projectID string) (*TemplateMetadata, error)

	// SetTemplateMetadata records the project's template link.
	SetTemplateMetadata(ctx context.Context, projectID string, meta *TemplateMetadata) error
}

// ProjectExporter turns a project's live state into a portable document.
type ProjectExporter interface {
	Export(ctx context.Context, projectID string) (json.RawMessage, error)
}

// ProjectImporter applies a portable document back onto a project.
// A missing external dependency mapping is signaled with an error wrapping
// ErrMissingProviderMapping.
type ProjectImporter interface {
	Import(ctx context.Context, projectID string, doc json.RawMessage, dryRun bool) error
}
