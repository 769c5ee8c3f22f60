// Package bootstrap prepares the execution environment before the
// agent accepts traffic: it resolves the runtime identity, lays out
// the study archive, applies the registry schema and verifies every
// configured dependency answers. The listener must not bind until
// Run has returned without error.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/voxelcare/volumetry-agent/internal/app/cache"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
	"github.com/voxelcare/volumetry-agent/internal/config"
	"github.com/voxelcare/volumetry-agent/internal/platform/migrations"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// dependency probes retry briefly to ride out container start races
// (the database usually comes up alongside the agent).
const (
	probeAttempts = 5
	probeDelay    = 2 * time.Second
)

// Deps are the external resources the bootstrapper must verify. DB and
// Cache may be nil when the matching backend is not configured.
type Deps struct {
	Archive storage.StudyArchive
	DB      *sqlx.DB
	Cache   *cache.MetricsCache
}

// Report summarises what the bootstrapper found. The entry point logs
// it once at startup.
type Report struct {
	UID           int
	GID           int
	IdentityMatch bool
	StorageRoot   string
	FreePercent   float64
	DatabaseRTT   time.Duration
	CacheRTT      time.Duration
}

// Fields returns the report as structured log fields.
func (r Report) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"uid":            r.UID,
		"gid":            r.GID,
		"identity_match": r.IdentityMatch,
		"storage_root":   r.StorageRoot,
	}
	if r.FreePercent > 0 {
		fields["disk_free_percent"] = fmt.Sprintf("%.1f", r.FreePercent)
	}
	if r.DatabaseRTT > 0 {
		fields["database_rtt"] = r.DatabaseRTT.String()
	}
	if r.CacheRTT > 0 {
		fields["cache_rtt"] = r.CacheRTT.String()
	}
	return fields
}

// Run executes the bootstrap sequence. Identity mismatches and low
// disk headroom are tolerated with a warning; every other failure is
// fatal. Run is idempotent and bounded by the configured timeout.
func Run(ctx context.Context, cfg config.Config, deps Deps, log *logger.Logger) (Report, error) {
	if log == nil {
		log = logger.NewDefault("bootstrap")
	}
	if deps.Archive == nil {
		return Report{}, fmt.Errorf("study archive is required")
	}

	timeout := cfg.Bootstrap.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := Report{UID: os.Geteuid(), GID: os.Getegid()}

	if err := checkIdentity(cfg.Runtime, &report, log); err != nil {
		return report, err
	}

	if err := deps.Archive.EnsureLayout(); err != nil {
		return report, fmt.Errorf("prepare storage area: %w", err)
	}
	report.StorageRoot = deps.Archive.Root()

	if deps.DB != nil {
		rtt, err := probeDatabase(ctx, cfg.Database.Driver, deps.DB)
		if err != nil {
			return report, fmt.Errorf("registry database unavailable: %w", err)
		}
		report.DatabaseRTT = rtt
	}

	if deps.Cache != nil && deps.Cache.Enabled() {
		rtt, err := probeCache(ctx, deps.Cache)
		if err != nil {
			return report, fmt.Errorf("cache unavailable: %w", err)
		}
		report.CacheRTT = rtt
	}

	checkHeadroom(ctx, cfg.Storage, &report, log)

	return report, nil
}

// checkIdentity compares the effective UID/GID with the configured
// expectation. The container build provisions a matching account, so a
// mismatch is worth a warning but does not block startup; running as
// root does, unless explicitly allowed.
func checkIdentity(cfg config.RuntimeConfig, report *Report, log *logger.Logger) error {
	if report.UID == 0 && !cfg.AllowRoot {
		return fmt.Errorf("refusing to run as root (set runtime.allow_root to override)")
	}

	report.IdentityMatch = report.UID == cfg.UID && report.GID == cfg.GID
	if !report.IdentityMatch {
		log.WithFields(map[string]interface{}{
			"uid": report.UID, "gid": report.GID,
			"want_uid": cfg.UID, "want_gid": cfg.GID,
		}).Warn("runtime identity differs from configuration")
	}
	return nil
}

// probeDatabase applies pending migrations and pings the registry.
func probeDatabase(ctx context.Context, driver string, db *sqlx.DB) (time.Duration, error) {
	start := time.Now()
	err := retry.Do(
		func() error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			return migrations.Apply(db.DB, driver)
		},
		retry.Context(ctx),
		retry.Attempts(probeAttempts),
		retry.Delay(probeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func probeCache(ctx context.Context, c *cache.MetricsCache) (time.Duration, error) {
	start := time.Now()
	err := retry.Do(
		func() error { return c.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(probeAttempts),
		retry.Delay(probeDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// checkHeadroom warns when the storage volume is close to full. The
// probe is best-effort; an unreadable mount is not a startup failure.
func checkHeadroom(ctx context.Context, cfg config.StorageConfig, report *Report, log *logger.Logger) {
	usage, err := disk.UsageWithContext(ctx, report.StorageRoot)
	if err != nil {
		log.WithError(err).Debug("disk usage probe failed")
		return
	}
	if usage.Total == 0 {
		return
	}
	report.FreePercent = 100 - usage.UsedPercent
	if cfg.MinFreePercent > 0 && report.FreePercent < cfg.MinFreePercent {
		log.WithFields(map[string]interface{}{
			"free_percent": fmt.Sprintf("%.1f", report.FreePercent),
			"minimum":      fmt.Sprintf("%.1f", cfg.MinFreePercent),
		}).Warn("storage volume is low on space")
	}
}
