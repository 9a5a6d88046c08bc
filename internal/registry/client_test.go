package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"templar/internal/core"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(srv.URL, srv.Client(), nil, 0), srv
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestDownloadVerifiesChecksum(t *testing.T) {
	body := []byte(`{"manifest":{"name":"Writer"}}`)

	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/download/writer/1.0.0", r.URL.Path)
		w.Header().Set("X-Checksum-SHA256", checksumOf(body))
		w.Write(body)
	}))
	defer srv.Close()

	result, err := client.Download(context.Background(), "writer", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(body), result.Content)
	assert.Equal(t, checksumOf(body), result.Checksum)
	assert.Equal(t, int64(len(body)), result.Size)
}

func TestDownloadChecksumMismatch(t *testing.T) {
	body := []byte(`{"manifest":{}}`)

	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Checksum-SHA256", "deadbeef")
		w.Write(body)
	}))
	defer srv.Close()

	result, err := client.Download(context.Background(), "writer", "1.0.0")
	require.Error(t, err)
	assert.Nil(t, result, "mismatch must never return content")

	var ce *core.ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "deadbeef", ce.Expected)
	assert.Equal(t, checksumOf(body), ce.Actual)
	assert.Equal(t, "writer", ce.Slug)
}

func TestDownloadWithoutChecksumHeaderAccepted(t *testing.T) {
	body := []byte(`{"prompts":[]}`)

	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	result, err := client.Download(context.Background(), "writer", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, checksumOf(body), result.Checksum)
}

func TestDownloadNotFound(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := client.Download(context.Background(), "ghost", "1.0.0")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeNotFound))
}

func TestDownloadRejectsInvalidJSON(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json {{{"))
	}))
	defer srv.Close()

	_, err := client.Download(context.Background(), "writer", "1.0.0")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeRegistry))
}

func TestGetDetailNotFoundIsNil(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	detail, err := client.GetDetail(context.Background(), "ghost")
	require.NoError(t, err, "404 must map to absent, not error")
	assert.Nil(t, detail)
}

func TestGetDetailServerError(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := client.GetDetail(context.Background(), "writer")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeRegistry))
}

func TestGetDetailUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // Closed server: connection refused.

	client := New(srv.URL, nil, nil, 0)
	_, err := client.GetDetail(context.Background(), "writer")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeRegistryUnreachable))
}

func TestListPassesQueryParameters(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/templates", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "agents", q.Get("search"))
		assert.Equal(t, "writing", q.Get("category"))
		assert.Equal(t, "a,b", q.Get("tags"))
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.Equal(t, "name", q.Get("sort"))
		assert.Equal(t, "desc", q.Get("order"))
		json.NewEncoder(w).Encode(core.TemplateList{
			Templates: []core.TemplateSummary{{Slug: "writer"}},
			Total:     1, Page: 2, Limit: 25,
		})
	}))
	defer srv.Close()

	list, err := client.List(context.Background(), ListFilter{
		Search: "agents", Category: "writing", Tags: []string{"a", "b"},
		Page: 2, Limit: 25, Sort: "name", Order: "desc",
	})
	require.NoError(t, err)
	require.Len(t, list.Templates, 1)
	assert.Equal(t, "writer", list.Templates[0].Slug)
}

func detailWithLatest(slug, latest string) core.TemplateDetail {
	return core.TemplateDetail{
		TemplateSummary: core.TemplateSummary{Slug: slug},
		Versions: []core.TemplateVersionInfo{
			{Version: "0.9.0"},
			{Version: latest, IsLatest: true, Changelog: "changes"},
		},
	}
}

func TestCheckForUpdates(t *testing.T) {
	client, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/templates/outdated":
			json.NewEncoder(w).Encode(detailWithLatest("outdated", "2.0.0"))
		case "/api/v1/templates/current":
			json.NewEncoder(w).Encode(detailWithLatest("current", "1.0.0"))
		case "/api/v1/templates/prerelease":
			// 1.0.0-rc.1 has lower precedence than installed 1.0.0.
			json.NewEncoder(w).Encode(detailWithLatest("prerelease", "1.0.0-rc.1"))
		case "/api/v1/templates/badsemver":
			json.NewEncoder(w).Encode(detailWithLatest("badsemver", "latest-and-greatest"))
		case "/api/v1/templates/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	updates := client.CheckForUpdates(context.Background(), []core.Installed{
		{Slug: "outdated", Version: "1.0.0"},   // newer available
		{Slug: "current", Version: "1.0.0"},    // already latest
		{Slug: "prerelease", Version: "1.0.0"}, // latest is a lower-precedence pre-release
		{Slug: "badsemver", Version: "1.0.0"},  // invalid latest semver, skipped
		{Slug: "notsemver", Version: "abc"},    // invalid installed semver, skipped
		{Slug: "gone", Version: "1.0.0"},       // 404, skipped
		{Slug: "broken", Version: "1.0.0"},     // 500, skipped, batch continues
	})

	require.Len(t, updates, 1)
	assert.Equal(t, "outdated", updates[0].Slug)
	assert.Equal(t, "1.0.0", updates[0].CurrentVersion)
	assert.Equal(t, "2.0.0", updates[0].LatestVersion)
	assert.Equal(t, "changes", updates[0].Changelog)
}

func TestIsAvailable(t *testing.T) {
	healthy, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	assert.True(t, healthy.IsAvailable(context.Background()))

	sick, srv2 := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv2.Close()
	assert.False(t, sick.IsAvailable(context.Background()))

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	unreachable := New(dead.URL, nil, nil, 0)
	assert.False(t, unreachable.IsAvailable(context.Background()))
}

func TestIsAvailableHonorsConfiguredTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	// A probe timeout shorter than the server's response time fails fast.
	impatient := New(slow.URL, slow.Client(), nil, 10*time.Millisecond)
	assert.False(t, impatient.IsAvailable(context.Background()))

	// The default timeout outlasts the slow handler.
	patient := New(slow.URL, slow.Client(), nil, 0)
	assert.True(t, patient.IsAvailable(context.Background()))
}
