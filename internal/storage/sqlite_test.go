package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"templar/internal/core"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProjectLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "My Project", "/tmp/proj", "a project")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated project id")
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "My Project" || got.RootPath != "/tmp/proj" || got.Description != "a project" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	list, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list len = %d, want 1", len(list))
	}

	_, err = store.GetProject(ctx, "nope")
	if !core.IsType(err, core.ErrorTypeNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestTemplateMetadataRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	// No link yet.
	meta, err := store.GetTemplateMetadata(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if meta != nil {
		t.Fatalf("expected nil metadata for unlinked project, got %+v", meta)
	}

	version := "1.2.3"
	registryURL := "https://registry.test"
	checked := time.Now().UTC().Truncate(time.Second)
	in := &core.TemplateMetadata{
		TemplateSlug:      "writer",
		Source:            core.SourceRegistry,
		InstalledVersion:  &version,
		RegistryURL:       &registryURL,
		InstalledAt:       time.Now().UTC().Truncate(time.Second),
		LastUpdateCheckAt: &checked,
	}
	if err := store.SetTemplateMetadata(ctx, p.ID, in); err != nil {
		t.Fatalf("set: %v", err)
	}

	out, err := store.GetTemplateMetadata(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.TemplateSlug != "writer" || out.Source != core.SourceRegistry {
		t.Fatalf("metadata mismatch: %+v", out)
	}
	if out.InstalledVersion == nil || *out.InstalledVersion != version {
		t.Fatalf("installed version = %v", out.InstalledVersion)
	}
	if out.RegistryURL == nil || *out.RegistryURL != registryURL {
		t.Fatalf("registry url = %v", out.RegistryURL)
	}
	if out.LastUpdateCheckAt == nil || !out.LastUpdateCheckAt.Equal(checked) {
		t.Fatalf("last checked = %v, want %v", out.LastUpdateCheckAt, checked)
	}

	// Upsert replaces the link.
	in.InstalledVersion = nil
	in.Source = core.SourceBundled
	if err := store.SetTemplateMetadata(ctx, p.ID, in); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	out, err = store.GetTemplateMetadata(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Source != core.SourceBundled || out.InstalledVersion != nil {
		t.Fatalf("upsert mismatch: %+v", out)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	// Fresh project exports an empty document.
	doc, err := store.Export(ctx, p.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(doc) != "{}" {
		t.Fatalf("fresh export = %s, want {}", doc)
	}

	state := json.RawMessage(`{"prompts":["hello"],"agents":[]}`)
	if err := store.Import(ctx, p.ID, state, false); err != nil {
		t.Fatalf("import: %v", err)
	}

	doc, err = store.Export(ctx, p.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if string(doc) != string(state) {
		t.Fatalf("export = %s, want %s", doc, state)
	}
}

func TestImportDryRunLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Import(ctx, p.ID, json.RawMessage(`{"x":1}`), true); err != nil {
		t.Fatalf("dry run: %v", err)
	}

	doc, err := store.Export(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) != "{}" {
		t.Fatalf("dry run mutated state: %s", doc)
	}
}

func TestImportMissingProviderMapping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	doc := json.RawMessage(`{"providers":["openai","anthropic"]}`)
	err = store.Import(ctx, p.ID, doc, false)
	if !errors.Is(err, core.ErrMissingProviderMapping) {
		t.Fatalf("expected missing provider mapping, got %v", err)
	}

	// Register the mappings and retry.
	if err := store.AddProviderMapping(ctx, "openai", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddProviderMapping(ctx, "anthropic", "acct-2"); err != nil {
		t.Fatal(err)
	}
	if err := store.Import(ctx, p.ID, doc, false); err != nil {
		t.Fatalf("import after mapping: %v", err)
	}
}

func TestImportObjectProviderReferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	doc := json.RawMessage(`{"providers":[{"name":"openai","model":"gpt-4"}]}`)
	err = store.Import(ctx, p.ID, doc, false)
	if !errors.Is(err, core.ErrMissingProviderMapping) {
		t.Fatalf("expected missing provider mapping, got %v", err)
	}
}

func TestImportRejectsInvalidJSON(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}

	err = store.Import(ctx, p.ID, json.RawMessage("{{{"), false)
	if !core.IsType(err, core.ErrorTypeImport) {
		t.Fatalf("expected import error, got %v", err)
	}
}

func TestImportOnClosedStoreFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "P", "/tmp/p", "")
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	// A write that cannot be confirmed must surface as an error, never
	// a silent success.
	err = store.Import(ctx, p.ID, json.RawMessage(`{"x":1}`), false)
	if err == nil {
		t.Fatal("expected error writing to closed store")
	}
}

func TestImportUnknownProject(t *testing.T) {
	store := newTestStore(t)

	err := store.Import(context.Background(), "nope", json.RawMessage(`{}`), false)
	if !core.IsType(err, core.ErrorTypeNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
