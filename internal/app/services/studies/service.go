// Package studies maintains the archive in the background. A periodic
// scan refreshes catalog gauges and announces newly appeared studies;
// an optional retention sweep prunes stale metrics documents.
package studies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/events"
	"github.com/voxelcare/volumetry-agent/internal/app/metrics"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
	"github.com/voxelcare/volumetry-agent/internal/app/system"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

var _ system.Service = (*Service)(nil)

// Service scans and prunes the study archive on a cron schedule.
type Service struct {
	archive   storage.StudyArchive
	events    events.EventLogger
	log       *logger.Logger
	schedule  string
	retention time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	known   map[string]bool
}

// New constructs the archive maintenance service. A zero retention
// disables the sweep; an empty schedule disables the service.
func New(archive storage.StudyArchive, eventLog events.EventLogger, schedule string, retention time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("studies")
	}
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	return &Service{
		archive:   archive,
		events:    eventLog,
		log:       log,
		schedule:  schedule,
		retention: retention,
		known:     make(map[string]bool),
	}
}

func (s *Service) Name() string { return "study-scanner" }

// Start registers the scan (and, when retention is configured, the
// sweep) on the configured schedule. The sweep shares the scan
// schedule.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.schedule == "" {
		s.log.Warn("study scan schedule not configured; scanner disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { _, _ = s.Scan(context.Background()) }); err != nil {
		return fmt.Errorf("schedule study scan: %w", err)
	}
	if s.retention > 0 {
		if _, err := c.AddFunc(s.schedule, func() { _, _ = s.Sweep(context.Background()) }); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
	}
	c.Start()
	s.cron = c
	s.running = true

	// Prime the catalog gauges without waiting for the first tick.
	go func() { _, _ = s.Scan(context.Background()) }()

	s.log.WithField("schedule", s.schedule).
		WithField("retention", s.retention.String()).
		Info("study scanner started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if !running || c == nil {
		return nil
	}

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("study scanner stopped")
	return nil
}

// Scan walks the archive, refreshes the catalog gauges and announces
// studies that appeared since the previous pass. It returns the number
// of studies seen.
func (s *Service) Scan(ctx context.Context) (int, error) {
	summaries, err := s.archive.ListStudies(ctx)
	if err != nil {
		s.log.WithError(err).Warn("study scan failed")
		return 0, err
	}

	var segmentations int
	var sizeBytes int64
	for _, sum := range summaries {
		segmentations += len(sum.Segmentations)
		sizeBytes += sum.SizeBytes
	}
	metrics.SetArchiveStats(len(summaries), segmentations, sizeBytes)

	s.mu.Lock()
	fresh := make([]study.Summary, 0, len(summaries))
	for _, sum := range summaries {
		if !s.known[sum.Code] {
			s.known[sum.Code] = true
			fresh = append(fresh, sum)
		}
	}
	s.mu.Unlock()

	for _, sum := range fresh {
		events.NewEvent(events.EventStudyDiscovered).
			Study(sum.Code).
			Message(fmt.Sprintf("study discovered with %d segmentations", len(sum.Segmentations))).
			Metadata("size", humanize.Bytes(uint64(sum.SizeBytes))).
			LogTo(s.events)
	}

	s.log.WithField("studies", len(summaries)).
		WithField("segmentations", segmentations).
		WithField("size", humanize.Bytes(uint64(sizeBytes))).
		Debug("study scan completed")
	return len(summaries), nil
}

// Sweep removes metrics documents older than the retention window and
// reports the bytes freed. Segmentation inputs are never touched.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	summaries, err := s.archive.ListStudies(ctx)
	if err != nil {
		s.log.WithError(err).Warn("retention sweep failed")
		return 0, err
	}

	cutoff := time.Now().Add(-s.retention)
	var freed int64
	var removed int
	for _, sum := range summaries {
		if !sum.HasMetrics || sum.AnalyzedAt.After(cutoff) {
			continue
		}
		n, err := s.archive.RemoveMetrics(ctx, sum.Code)
		if err != nil {
			if !storage.IsNotFound(err) {
				s.log.WithError(err).
					WithField("study_code", sum.Code).
					Warn("remove stale metrics failed")
			}
			continue
		}
		freed += n
		removed++
	}

	metrics.RecordSweep(freed)
	events.NewEvent(events.EventSweepCompleted).
		Message(fmt.Sprintf("removed %d stale metrics documents", removed)).
		Metadata("freed", humanize.Bytes(uint64(freed))).
		LogTo(s.events)
	s.log.WithField("removed", removed).
		WithField("freed", humanize.Bytes(uint64(freed))).
		Info("retention sweep completed")
	return freed, nil
}
