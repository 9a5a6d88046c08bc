package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"templar/config"
	"templar/internal/core"
)

// fakeRegistryServer serves one template, "writer", at versions 1.0.0
// and 2.0.0, with 2.0.0 flagged latest.
func fakeRegistryServer(t *testing.T) *httptest.Server {
	t.Helper()

	content := func(version string) []byte {
		return []byte(fmt.Sprintf(
			`{"manifest":{"displayName":"Writer","description":"writing assistant"},"version":%q}`,
			version))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/templates/writer", func(w http.ResponseWriter, r *http.Request) {
		detail := core.TemplateDetail{
			TemplateSummary: core.TemplateSummary{Slug: "writer", DisplayName: "Writer"},
			Versions: []core.TemplateVersionInfo{
				{Version: "1.0.0"},
				{Version: "2.0.0", IsLatest: true, Changelog: "better prompts"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(detail)
	})
	for _, version := range []string{"1.0.0", "2.0.0"} {
		body := content(version)
		sum := sha256.Sum256(body)
		checksum := hex.EncodeToString(sum[:])
		mux.HandleFunc("/api/v1/download/writer/"+version, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Checksum-SHA256", checksum)
			w.Write(body)
		})
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, registryURL string, checkOnStartup bool) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{Port: "0"},
		Registry: config.RegistryConfig{BaseURL: registryURL, RequestTimeout: 5 * time.Second},
		Cache:    config.CacheConfig{Dir: filepath.Join(dir, "cache")},
		Storage:  config.StorageConfig{SQLitePath: filepath.Join(dir, "templar.db")},
		Updates:  config.UpdatesConfig{CheckOnStartup: checkOnStartup},
	}
}

func TestAppEndToEnd(t *testing.T) {
	reg := fakeRegistryServer(t)
	cfg := testConfig(t, reg.URL, true)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	a, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	defer a.Shutdown(ctx)

	mgr := a.Manager()

	// Startup scan with no tracked projects completes empty.
	mgr.WaitScan()
	status := mgr.ScanStatus()
	assert.Equal(t, core.ScanComplete, status.State)
	assert.Empty(t, status.Results)

	// Create a project from the registry at the older version.
	project, err := mgr.CreateProjectFromRegistry(ctx, "writer", "1.0.0", "Blog", "/tmp/blog", "")
	require.NoError(t, err)
	require.NotNil(t, project)

	update, err := mgr.CheckForUpdates(ctx, project.ID)
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, "2.0.0", update.LatestVersion)
	assert.Equal(t, "better prompts", update.Changelog)

	// Upgrade needs the target cached first.
	require.NoError(t, mgr.EnsureCached(ctx, "writer", "2.0.0"))
	result := mgr.Engine().UpgradeProject(ctx, project.ID, "2.0.0")
	require.True(t, result.Success, "upgrade failed: %s", result.Error)
	assert.Equal(t, "2.0.0", result.NewVersion)

	// The project is now current.
	update, err = mgr.CheckForUpdates(ctx, project.ID)
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestScanFindsUpdatesAfterRestart(t *testing.T) {
	reg := fakeRegistryServer(t)
	cfg := testConfig(t, reg.URL, true)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	a1, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	project, err := a1.Manager().CreateProjectFromRegistry(ctx, "writer", "1.0.0", "Blog", "/tmp/blog", "")
	require.NoError(t, err)
	a1.Manager().WaitScan()
	require.NoError(t, a1.Shutdown(ctx))

	// Projects persist across restarts; the next startup scan sees them.
	a2, err := New(ctx, cfg, logger)
	require.NoError(t, err)
	defer a2.Shutdown(ctx)

	a2.Manager().WaitScan()
	status := a2.Manager().ScanStatus()
	require.Equal(t, core.ScanComplete, status.State)
	require.Len(t, status.Results, 1)
	assert.Equal(t, project.ID, status.Results[0].ProjectID)
	assert.Equal(t, "2.0.0", status.Results[0].LatestVersion)
}

func TestScanSkippedWhenDisabled(t *testing.T) {
	reg := fakeRegistryServer(t)
	cfg := testConfig(t, reg.URL, false)
	ctx := context.Background()

	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, err)
	defer a.Shutdown(ctx)

	a.Manager().WaitScan()
	assert.Equal(t, core.ScanSkipped, a.Manager().ScanStatus().State)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	require.Error(t, err)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
