// Package upgrade orchestrates project template upgrades as a
// backup → apply → verify → rollback-on-failure transaction, with a
// time-bounded in-memory backup store and a periodic reaper.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"templar/internal/cache"
	"templar/internal/core"
)

const (
	// backupTTL bounds how long a backup outlives the upgrade attempt
	// that created it.
	backupTTL = time.Hour

	// sweepInterval is how often the reaper runs. Independent of and
	// shorter than the TTL.
	sweepInterval = 5 * time.Minute
)

var (
	upgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "templar_upgrades_total",
		Help: "Total number of upgrade attempts by outcome",
	}, []string{"outcome"})
	backupsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "templar_backups_reaped_total",
		Help: "Total number of expired backups removed by the reaper",
	})
)

// Result is the discriminated outcome of an upgrade attempt. Upgrades
// always return a Result rather than an error because a caller must
// branch on three distinct terminal states: success, failed-but-restored,
// and failed-and-not-restored.
type Result struct {
	Success    bool    `json:"success"`
	NewVersion string  `json:"new_version,omitempty"`
	Error      string  `json:"error,omitempty"`
	// Restored is nil when no rollback was attempted (validation or
	// backup failure, or a retryable import condition).
	Restored *bool  `json:"restored,omitempty"`
	BackupID string `json:"backup_id,omitempty"`
}

// Engine performs project upgrades. It owns the backup store and the
// reaper goroutine; Start and Stop bound the reaper's lifetime.
type Engine struct {
	cache    *cache.VersionCache
	metadata core.TemplateMetadataStore
	exporter core.ProjectExporter
	importer core.ProjectImporter
	backups  *BackupStore
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
	started     bool
}

// New creates an upgrade engine. Call Start to begin backup reaping and
// Stop to release it.
func New(vc *cache.VersionCache, metadata core.TemplateMetadataStore, exporter core.ProjectExporter, importer core.ProjectImporter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:    vc,
		metadata: metadata,
		exporter: exporter,
		importer: importer,
		backups:  NewBackupStore(),
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic backup reaper. Subsequent calls are no-ops.
func (e *Engine) Start() {
	e.lifecycleMu.Lock()
	if e.started {
		e.lifecycleMu.Unlock()
		return
	}
	e.started = true
	e.lifecycleMu.Unlock()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := e.backups.Sweep(time.Now().Add(-backupTTL)); n > 0 {
					backupsReapedTotal.Add(float64(n))
					e.logger.Info("reaped expired backups", "count", n)
				}
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop shuts down the reaper. Blocks until the reaper goroutine exits;
// no-op if Start was never called.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.lifecycleMu.Lock()
	started := e.started
	e.lifecycleMu.Unlock()
	if started {
		<-e.done
	}
}

// Backups exposes the backup store for listing and composition.
func (e *Engine) Backups() *BackupStore {
	return e.backups
}

// UpgradeProject runs the VALIDATE → BACKUP → APPLY → COMMIT|ROLLBACK
// machine for one project. Validation failures never create a backup.
// Once APPLY begins the operation cannot be cancelled: it always resolves
// to commit or rollback, never an abandoned half-applied state.
func (e *Engine) UpgradeProject(ctx context.Context, projectID, targetVersion string) Result {
	// VALIDATE
	meta, err := e.metadata.GetTemplateMetadata(ctx, projectID)
	if err != nil {
		upgradesTotal.WithLabelValues("validation_failed").Inc()
		return Result{Error: fmt.Sprintf("failed to read template metadata: %v", err)}
	}
	if meta == nil {
		upgradesTotal.WithLabelValues("validation_failed").Inc()
		return Result{Error: "project has no linked template"}
	}
	if meta.Source != core.SourceRegistry || meta.InstalledVersion == nil {
		upgradesTotal.WithLabelValues("validation_failed").Inc()
		return Result{Error: "bundled templates cannot be upgraded through the versioned cache"}
	}
	if *meta.InstalledVersion == targetVersion {
		upgradesTotal.WithLabelValues("validation_failed").Inc()
		return Result{Error: fmt.Sprintf("project is already at version %s", targetVersion)}
	}

	target, err := e.cache.GetTemplate(meta.TemplateSlug, targetVersion)
	if err != nil || target == nil {
		upgradesTotal.WithLabelValues("validation_failed").Inc()
		return Result{Error: fmt.Sprintf("version %s of %s is not cached; download it first",
			targetVersion, meta.TemplateSlug)}
	}

	// BACKUP
	backupID, err := e.createBackup(ctx, projectID, meta)
	if err != nil {
		upgradesTotal.WithLabelValues("backup_failed").Inc()
		return Result{Error: fmt.Sprintf("failed to create backup: %v", err)}
	}

	// Partial application must always resolve to commit or rollback, so
	// the remaining phases ignore caller cancellation.
	applyCtx := context.WithoutCancel(ctx)

	// APPLY
	if err := e.importer.Import(applyCtx, projectID, target.Content, false); err != nil {
		if errors.Is(err, core.ErrMissingProviderMapping) {
			// Recoverable-but-incomplete: no rollback, keep the backup
			// for a later retry.
			upgradesTotal.WithLabelValues("retry_needed").Inc()
			return Result{
				Error:    fmt.Sprintf("import incomplete: %v", err),
				BackupID: backupID,
			}
		}

		e.logger.Error("apply failed, rolling back",
			"project_id", projectID, "target_version", targetVersion, "error", err)
		return e.rollback(applyCtx, projectID, backupID, meta, err)
	}

	// COMMIT
	now := time.Now().UTC()
	newMeta := *meta
	newMeta.InstalledVersion = &targetVersion
	newMeta.InstalledAt = now
	if err := e.metadata.SetTemplateMetadata(applyCtx, projectID, &newMeta); err != nil {
		e.logger.Error("metadata update failed after apply, rolling back",
			"project_id", projectID, "error", err)
		return e.rollback(applyCtx, projectID, backupID, meta, err)
	}

	e.backups.Delete(backupID)
	upgradesTotal.WithLabelValues("success").Inc()
	e.logger.Info("project upgraded",
		"project_id", projectID,
		"slug", meta.TemplateSlug,
		"from_version", *meta.InstalledVersion,
		"to_version", targetVersion,
	)
	return Result{Success: true, NewVersion: targetVersion}
}

// rollback re-imports the backup document and restores the prior template
// metadata verbatim. Both rollback outcomes are reported to the caller:
// restored=true consumes the backup, restored=false retains it for manual
// recovery.
func (e *Engine) rollback(ctx context.Context, projectID, backupID string, prior *core.TemplateMetadata, cause error) Result {
	entry, ok := e.backups.Get(backupID)
	if !ok {
		upgradesTotal.WithLabelValues("rollback_failed").Inc()
		restored := false
		return Result{
			Error:    fmt.Sprintf("upgrade failed (%v); backup missing, manual recovery required", cause),
			Restored: &restored,
			BackupID: backupID,
		}
	}

	if err := e.importer.Import(ctx, projectID, entry.Data, false); err != nil {
		e.logger.Error("rollback failed, backup retained",
			"project_id", projectID, "backup_id", backupID, "error", err)
		upgradesTotal.WithLabelValues("rollback_failed").Inc()
		restored := false
		return Result{
			Error:    fmt.Sprintf("upgrade failed (%v) and rollback failed (%v)", cause, err),
			Restored: &restored,
			BackupID: backupID,
		}
	}

	if err := e.metadata.SetTemplateMetadata(ctx, projectID, prior); err != nil {
		e.logger.Error("metadata restore failed, backup retained",
			"project_id", projectID, "backup_id", backupID, "error", err)
		upgradesTotal.WithLabelValues("rollback_failed").Inc()
		restored := false
		return Result{
			Error:    fmt.Sprintf("upgrade failed (%v) and metadata restore failed (%v)", cause, err),
			Restored: &restored,
			BackupID: backupID,
		}
	}

	e.backups.Delete(backupID)
	upgradesTotal.WithLabelValues("rolled_back").Inc()
	restored := true
	return Result{
		Error:    fmt.Sprintf("upgrade failed: %v", cause),
		Restored: &restored,
	}
}

// CreateBackup snapshots the project's current exportable state on demand
// and returns the opaque backup id.
func (e *Engine) CreateBackup(ctx context.Context, projectID string) (string, error) {
	meta, err := e.metadata.GetTemplateMetadata(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("failed to read template metadata: %w", err)
	}
	if meta == nil {
		return "", core.NewValidationError("project has no linked template")
	}
	return e.createBackup(ctx, projectID, meta)
}

// RestoreBackup re-imports a specific backup by id and restores the
// project's template metadata from it. Pass/fail operation: unknown or
// expired ids return a NotFound error. The backup is consumed on success.
func (e *Engine) RestoreBackup(ctx context.Context, backupID string) error {
	entry, ok := e.backups.Get(backupID)
	if !ok {
		return core.NewNotFoundError(fmt.Sprintf("backup %s not found or expired", backupID))
	}

	if err := e.importer.Import(ctx, entry.ProjectID, entry.Data, false); err != nil {
		return core.NewImportError("failed to restore backup", err)
	}

	meta := &core.TemplateMetadata{
		TemplateSlug:     entry.TemplateSlug,
		Source:           entry.Source,
		InstalledVersion: entry.FromVersion,
		RegistryURL:      entry.RegistryURL,
		InstalledAt:      time.Now().UTC(),
	}
	if err := e.metadata.SetTemplateMetadata(ctx, entry.ProjectID, meta); err != nil {
		return fmt.Errorf("failed to restore template metadata: %w", err)
	}

	e.backups.Delete(backupID)
	return nil
}

// ListBackups returns info for every retained backup of the project.
func (e *Engine) ListBackups(projectID string) []BackupInfo {
	return e.backups.List(projectID)
}

func (e *Engine) createBackup(ctx context.Context, projectID string, meta *core.TemplateMetadata) (string, error) {
	doc, err := e.exporter.Export(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("project export failed: %w", err)
	}

	id := uuid.New().String()
	entry := &BackupEntry{
		ProjectID:    projectID,
		Data:         doc,
		CreatedAt:    time.Now().UTC(),
		TemplateSlug: meta.TemplateSlug,
		FromVersion:  meta.InstalledVersion,
		Source:       meta.Source,
		RegistryURL:  meta.RegistryURL,
	}
	if err := e.backups.Put(id, entry); err != nil {
		return "", err
	}
	return id, nil
}
