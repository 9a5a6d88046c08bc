// Package registry provides a stateless HTTP gateway to the remote
// template registry: listing, detail lookup, verified downloads, health
// probing, and batch update checks.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"templar/internal/core"
	"templar/internal/httpclient"
)

const (
	// checksumHeader carries the registry's expected SHA-256 for a
	// download. Optional; verification happens only when present.
	checksumHeader = "X-Checksum-SHA256"

	// defaultHealthTimeout bounds the availability probe when no timeout
	// is configured.
	defaultHealthTimeout = 5 * time.Second

	// maxBodySize caps registry response bodies.
	maxBodySize = 10 * 1024 * 1024 // 10 MB
)

var (
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "templar_registry_downloads_total",
		Help: "Total number of template downloads attempted against the registry",
	})
	checksumFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "templar_registry_checksum_failures_total",
		Help: "Total number of downloads rejected for checksum mismatch",
	})
)

// ListFilter holds query parameters for a registry listing.
type ListFilter struct {
	Search   string
	Category string
	Tags     []string
	Page     int
	Limit    int
	Sort     string
	Order    string
}

// Client talks to one remote template registry. It holds no state beyond
// the base URL and HTTP client and is safe for concurrent use.
type Client struct {
	baseURL       string
	client        *http.Client
	logger        *slog.Logger
	healthTimeout time.Duration
}

// New creates a registry client for the given base URL.
// If httpClient is nil, the default factory client is used. A zero
// healthTimeout falls back to the 5s default.
func New(baseURL string, httpClient *http.Client, logger *slog.Logger, healthTimeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewDefaultHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        httpClient,
		logger:        logger,
		healthTimeout: healthTimeout,
	}
}

// BaseURL returns the registry base URL this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// List queries the registry for templates matching the filter.
func (c *Client) List(ctx context.Context, filter ListFilter) (*core.TemplateList, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if len(filter.Tags) > 0 {
		q.Set("tags", strings.Join(filter.Tags, ","))
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Sort != "" {
		q.Set("sort", filter.Sort)
	}
	if filter.Order != "" {
		q.Set("order", filter.Order)
	}

	endpoint := c.baseURL + "/api/v1/templates"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, _, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var list core.TemplateList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, core.NewRegistryError("parsing template list", err)
	}
	return &list, nil
}

// GetDetail fetches the full registry record for one slug.
// A 404 maps to (nil, nil) so callers can distinguish "absent" from
// "unreachable".
func (c *Client) GetDetail(ctx context.Context, slug string) (*core.TemplateDetail, error) {
	endpoint := c.baseURL + "/api/v1/templates/" + url.PathEscape(slug)

	body, status, err := c.get(ctx, endpoint)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var detail core.TemplateDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, core.NewRegistryError("parsing template detail", err)
	}
	return &detail, nil
}

// Download fetches the raw content bytes for (slug, version), computes a
// SHA-256 over the exact bytes received, and verifies it against the
// registry's expected checksum header when one is present. Content is only
// parsed after verification succeeds; a mismatch never returns partial
// content.
func (c *Client) Download(ctx context.Context, slug, version string) (*core.DownloadResult, error) {
	downloadsTotal.Inc()

	endpoint := c.baseURL + "/api/v1/download/" + url.PathEscape(slug) + "/" + url.PathEscape(version)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, core.NewRegistryError("creating download request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, core.NewRegistryUnreachableError(
			fmt.Sprintf("downloading %s@%s", slug, version), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, core.NewNotFoundError(
			fmt.Sprintf("template %s@%s not found in registry", slug, version))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, core.NewRegistryError(
			fmt.Sprintf("download returned status %d", resp.StatusCode), nil)
	}

	raw, err := readBody(resp.Body)
	if err != nil {
		return nil, core.NewRegistryError("reading download body", err)
	}

	// Hash the exact bytes received, not a re-serialized form, so
	// verification is insensitive to JSON formatting.
	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	if expected := resp.Header.Get(checksumHeader); expected != "" {
		if !strings.EqualFold(expected, checksum) {
			checksumFailuresTotal.Inc()
			return nil, &core.ChecksumError{
				Slug:     slug,
				Version:  version,
				Expected: expected,
				Actual:   checksum,
			}
		}
	}

	if !json.Valid(raw) {
		return nil, core.NewRegistryError(
			fmt.Sprintf("download for %s@%s is not valid JSON", slug, version), nil)
	}

	return &core.DownloadResult{
		Content:  json.RawMessage(raw),
		Checksum: checksum,
		Size:     int64(len(raw)),
	}, nil
}

// CheckForUpdates checks each installed (slug, version) pair against the
// registry and reports pairs whose latest published version has strictly
// higher semver precedence. The check is best-effort: any single entry's
// failure (network, 404, invalid semver) is logged and skipped, never
// aborting the batch.
func (c *Client) CheckForUpdates(ctx context.Context, installed []core.Installed) []core.UpdateInfo {
	var updates []core.UpdateInfo

	for _, item := range installed {
		detail, err := c.GetDetail(ctx, item.Slug)
		if err != nil {
			c.logger.Warn("update check failed", "slug", item.Slug, "error", err)
			continue
		}
		if detail == nil {
			c.logger.Warn("template no longer in registry", "slug", item.Slug)
			continue
		}

		latest := latestVersionInfo(detail)
		if latest == nil {
			c.logger.Warn("no version flagged latest", "slug", item.Slug)
			continue
		}

		current, err := semver.NewVersion(item.Version)
		if err != nil {
			c.logger.Warn("installed version is not valid semver",
				"slug", item.Slug, "version", item.Version)
			continue
		}
		newest, err := semver.NewVersion(latest.Version)
		if err != nil {
			c.logger.Warn("latest version is not valid semver",
				"slug", item.Slug, "version", latest.Version)
			continue
		}

		if newest.GreaterThan(current) {
			updates = append(updates, core.UpdateInfo{
				Slug:           item.Slug,
				CurrentVersion: item.Version,
				LatestVersion:  latest.Version,
				Changelog:      latest.Changelog,
			})
		}
	}

	return updates
}

// IsAvailable probes the registry health endpoint with the configured
// probe timeout. Any failure returns false; it never returns an error.
func (c *Client) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// get performs a GET and returns the body and status code. Transport
// failures map to RegistryUnreachable, non-2xx to RegistryError; the
// status code is returned either way so callers can special-case 404.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, core.NewRegistryError("creating request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, core.NewRegistryUnreachableError("registry request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, core.NewRegistryError(
			fmt.Sprintf("registry returned status %d", resp.StatusCode), nil)
	}

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, core.NewRegistryError("reading response body", err)
	}
	return body, resp.StatusCode, nil
}

func readBody(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, maxBodySize+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxBodySize {
		return nil, fmt.Errorf("response body too large (exceeds %d bytes)", maxBodySize)
	}
	return raw, nil
}

func latestVersionInfo(detail *core.TemplateDetail) *core.TemplateVersionInfo {
	for i := range detail.Versions {
		if detail.Versions[i].IsLatest {
			return &detail.Versions[i]
		}
	}
	return nil
}
