package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/voxelcare/volumetry-agent/internal/app/cache"
	"github.com/voxelcare/volumetry-agent/internal/app/events"
	reportsvc "github.com/voxelcare/volumetry-agent/internal/app/services/report"
	studiessvc "github.com/voxelcare/volumetry-agent/internal/app/services/studies"
	volumetrysvc "github.com/voxelcare/volumetry-agent/internal/app/services/volumetry"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
	"github.com/voxelcare/volumetry-agent/internal/app/storage/memory"
	"github.com/voxelcare/volumetry-agent/internal/app/system"
	"github.com/voxelcare/volumetry-agent/internal/config"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil analysis store
// defaults to the in-memory implementation; the archive is mandatory.
type Stores struct {
	Analyses storage.AnalysisStore
	Archive  storage.StudyArchive

	// DB is the registry connection when a database driver is
	// configured. Kept for readiness probes; nil in memory mode.
	DB *sqlx.DB
}

// Application ties the agent services together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Config config.Config

	Archive  storage.StudyArchive
	Analyses storage.AnalysisStore
	DB       *sqlx.DB
	Cache    *cache.MetricsCache
	Events   events.EventLogger

	Volumetry *volumetrysvc.Service
	Scanner   *studiessvc.Service
	Report    *reportsvc.Service

	startedAt time.Time
}

// New builds a fully initialised application with the provided stores.
func New(ctx context.Context, cfg config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if stores.Archive == nil {
		return nil, fmt.Errorf("study archive is required")
	}
	if stores.Analyses == nil {
		stores.Analyses = memory.New()
	}

	manager := system.NewManager(log)

	eventLog := events.NewRingBuffer(cfg.Events.BufferSize)

	metricsCache := cache.New(cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL.Std(),
	}, log)

	volumetry := volumetrysvc.New(stores.Archive, stores.Analyses, metricsCache, eventLog, log)
	scanner := studiessvc.New(stores.Archive, eventLog, cfg.Studies.ScanSchedule, cfg.Studies.Retention.Std(), log)

	report, err := reportsvc.New(ctx, cfg.Report.APIKey, cfg.Report.Model, log)
	if err != nil {
		return nil, fmt.Errorf("configure report service: %w", err)
	}

	runner := volumetrysvc.NewRunner(volumetry, log)
	services := []system.Service{runner, scanner}
	if report.Enabled() {
		services = append(services, system.NoopService{ServiceName: "report"})
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:   manager,
		log:       log,
		Config:    cfg,
		Archive:   stores.Archive,
		Analyses:  stores.Analyses,
		DB:        stores.DB,
		Cache:     metricsCache,
		Events:    eventLog,
		Volumetry: volumetry,
		Scanner:   scanner,
		Report:    report,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.startedAt = time.Now().UTC()
	a.Events.Log(events.Event{Type: events.EventServerStarted, Message: "agent services started"})
	return nil
}

// Stop stops all services and releases external connections.
func (a *Application) Stop(ctx context.Context) error {
	a.Events.Log(events.Event{Type: events.EventServerStopping, Message: "agent services stopping"})

	err := a.manager.Stop(ctx)

	if cerr := a.Report.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := a.Cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// StartedAt reports when Start completed; zero before that.
func (a *Application) StartedAt() time.Time {
	return a.startedAt
}
