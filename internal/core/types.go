// Package core provides shared types, interfaces, and errors for the
// template registry cache and upgrade engine.
package core

import (
	"encoding/json"
	"time"
)

// TemplateSource identifies where an installed template came from.
type TemplateSource string

const (
	// SourceBundled marks templates shipped with the application.
	// Bundled templates carry no version and cannot be upgraded
	// through the versioned cache.
	SourceBundled TemplateSource = "bundled"
	// SourceRegistry marks templates downloaded from a remote registry.
	SourceRegistry TemplateSource = "registry"
)

// TemplateSummary is one row of a registry listing.
type TemplateSummary struct {
	Slug          string   `json:"slug"`
	DisplayName   string   `json:"display_name"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	AuthorName    string   `json:"author_name,omitempty"`
	IsOfficial    bool     `json:"is_official,omitempty"`
	LatestVersion string   `json:"latest_version,omitempty"`
}

// TemplateList is a paginated registry listing response.
type TemplateList struct {
	Templates []TemplateSummary `json:"templates"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Limit     int               `json:"limit"`
}

// TemplateVersionInfo describes a single published version of a template.
type TemplateVersionInfo struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog,omitempty"`
	IsLatest  bool   `json:"is_latest"`
}

// TemplateDetail is the full registry record for one slug.
type TemplateDetail struct {
	TemplateSummary
	Versions []TemplateVersionInfo `json:"versions"`
}

// DownloadResult carries a verified template download.
// Content holds the exact bytes received from the registry; Checksum is
// the SHA-256 of those bytes as computed locally.
type DownloadResult struct {
	Content  json.RawMessage
	Checksum string
	Size     int64
}

// Installed pairs a slug with the version a project currently runs.
type Installed struct {
	Slug    string
	Version string
}

// UpdateInfo reports that a newer version is available for a slug.
// Output of a batch update check; never persisted.
type UpdateInfo struct {
	Slug           string `json:"slug"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	Changelog      string `json:"changelog,omitempty"`
}

// TemplateMetadata is the per-project template link record, owned by the
// settings collaborator. InstalledVersion is nil for bundled templates.
type TemplateMetadata struct {
	TemplateSlug      string         `json:"template_slug"`
	Source            TemplateSource `json:"source"`
	InstalledVersion  *string        `json:"installed_version"`
	RegistryURL       *string        `json:"registry_url"`
	InstalledAt       time.Time      `json:"installed_at"`
	LastUpdateCheckAt *time.Time     `json:"last_update_check_at,omitempty"`
}

// Project is the minimal project record this engine needs to see.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RootPath    string    `json:"root_path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScanState is the lifecycle of the startup update scan.
type ScanState string

const (
	ScanPending  ScanState = "pending"
	ScanSkipped  ScanState = "skipped"
	ScanComplete ScanState = "complete"
)

// ProjectUpdate is one fanned-out scan result: an available update for a
// specific tracked project.
type ProjectUpdate struct {
	ProjectID string `json:"project_id"`
	UpdateInfo
}

// ScanStatus is the observable state of the startup update scan.
type ScanStatus struct {
	State   ScanState       `json:"state"`
	Results []ProjectUpdate `json:"results,omitempty"`
}
