// Package volumetry implements the analysis engine. It decodes a study
// segmentation, derives per-label volume, hemispheric asymmetry and
// centroid metrics, and persists the metrics document next to the
// segmentation.
package volumetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxelcare/volumetry-agent/internal/app/cache"
	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/events"
	"github.com/voxelcare/volumetry-agent/internal/app/metrics"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
	"github.com/voxelcare/volumetry-agent/internal/nifti"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// Result summarizes one processing pass over a study segmentation.
type Result struct {
	ProcessedFiles int    `json:"processed_files"`
	MetricsCount   int    `json:"metrics_count"`
	MetricsSaved   bool   `json:"metrics_saved"`
	MetricsFile    string `json:"metrics_file"`

	Analysis study.Analysis `json:"-"`
}

// StudyMetrics is the stored metrics document of a study.
type StudyMetrics struct {
	StudyCode    string         `json:"study_code"`
	Metrics      []study.Metric `json:"metrics"`
	TotalRecords int            `json:"total_records"`
}

// Service runs volumetry analyses and manages their registry records.
type Service struct {
	archive storage.StudyArchive
	store   storage.AnalysisStore
	cache   *cache.MetricsCache
	events  events.EventLogger
	log     *logger.Logger

	mu         sync.Mutex
	studyLocks map[string]*sync.Mutex
}

// New constructs the analysis service.
func New(archive storage.StudyArchive, store storage.AnalysisStore, metricsCache *cache.MetricsCache, eventLog events.EventLogger, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("volumetry")
	}
	if eventLog == nil {
		eventLog = events.NoOpLogger{}
	}
	return &Service{
		archive:    archive,
		store:      store,
		cache:      metricsCache,
		events:     eventLog,
		log:        log,
		studyLocks: make(map[string]*sync.Mutex),
	}
}

// ProcessStudy runs a full volumetry pass over one segmentation file,
// records the analysis and persists the metrics document. Analyses of
// the same study are serialized.
func (s *Service) ProcessStudy(ctx context.Context, studyCode, filename, trigger string) (Result, error) {
	studyCode = strings.TrimSpace(studyCode)
	filename = strings.TrimSpace(filename)
	if studyCode == "" {
		return Result{}, fmt.Errorf("study_code is required")
	}
	if filename == "" {
		return Result{}, fmt.Errorf("filename is required")
	}

	rec, err := s.store.CreateAnalysis(ctx, study.Analysis{
		StudyCode: studyCode,
		Filename:  filename,
		Patient:   patientFrom(filename),
		Trigger:   normalizeTrigger(trigger),
	})
	if err != nil {
		return Result{}, err
	}
	return s.run(ctx, rec)
}

// EnqueueAnalysis registers an analysis for background execution. The
// study and segmentation file must exist at submission time.
func (s *Service) EnqueueAnalysis(ctx context.Context, studyCode, filename, trigger string) (study.Analysis, error) {
	studyCode = strings.TrimSpace(studyCode)
	filename = strings.TrimSpace(filename)
	if studyCode == "" {
		return study.Analysis{}, fmt.Errorf("study_code is required")
	}
	if filename == "" {
		return study.Analysis{}, fmt.Errorf("filename is required")
	}
	if _, err := s.archive.SegmentationPath(ctx, studyCode, filename); err != nil {
		return study.Analysis{}, err
	}

	rec, err := s.store.CreateAnalysis(ctx, study.Analysis{
		StudyCode: studyCode,
		Filename:  filename,
		Patient:   patientFrom(filename),
		Trigger:   normalizeTrigger(trigger),
	})
	if err != nil {
		return study.Analysis{}, err
	}

	events.NewEvent(events.EventAnalysisQueued).
		Study(rec.StudyCode).
		Analysis(rec.ID).
		Message("analysis queued").
		LogTo(s.events)
	s.log.WithField("analysis_id", rec.ID).
		WithField("study_code", rec.StudyCode).
		Info("analysis queued")
	return rec, nil
}

// GetStudyMetrics returns the stored metrics document for a study,
// served from the cache when possible.
func (s *Service) GetStudyMetrics(ctx context.Context, studyCode string) (StudyMetrics, error) {
	studyCode = strings.TrimSpace(studyCode)
	if studyCode == "" {
		return StudyMetrics{}, fmt.Errorf("study_code is required")
	}

	if s.cache != nil {
		if rows, ok := s.cache.Get(ctx, studyCode); ok {
			return StudyMetrics{StudyCode: studyCode, Metrics: rows, TotalRecords: len(rows)}, nil
		}
	}

	rows, err := s.archive.LoadMetrics(ctx, studyCode)
	if err != nil {
		return StudyMetrics{}, err
	}
	if s.cache != nil {
		s.cache.Put(ctx, studyCode, rows)
	}
	return StudyMetrics{StudyCode: studyCode, Metrics: rows, TotalRecords: len(rows)}, nil
}

// GetAnalysis returns one analysis record.
func (s *Service) GetAnalysis(ctx context.Context, id string) (study.Analysis, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return study.Analysis{}, fmt.Errorf("analysis id is required")
	}
	return s.store.GetAnalysis(ctx, id)
}

// ListAnalyses returns recent analyses, optionally filtered by study.
func (s *Service) ListAnalyses(ctx context.Context, studyCode string, limit int) ([]study.Analysis, error) {
	return s.store.ListAnalyses(ctx, strings.TrimSpace(studyCode), limit)
}

// ListStudies returns the archive catalog.
func (s *Service) ListStudies(ctx context.Context) ([]study.Summary, error) {
	return s.archive.ListStudies(ctx)
}

// run executes one registered analysis through its status lifecycle.
func (s *Service) run(ctx context.Context, rec study.Analysis) (Result, error) {
	unlock := s.lockStudy(rec.StudyCode)
	defer unlock()

	rec, err := s.transition(ctx, rec, study.StatusRunning)
	if err != nil {
		return Result{}, err
	}
	events.NewEvent(events.EventAnalysisStarted).
		Study(rec.StudyCode).
		Analysis(rec.ID).
		Message("analysis started").
		LogTo(s.events)

	start := time.Now()
	res, procErr := s.process(ctx, rec.StudyCode, rec.Filename)
	elapsed := time.Since(start)

	if procErr != nil {
		rec.Error = procErr.Error()
		if rec, err = s.transition(ctx, rec, study.StatusFailed); err != nil {
			s.log.WithError(err).
				WithField("analysis_id", rec.ID).
				Error("record analysis failure")
		}
		metrics.RecordAnalysis(study.StatusFailed, rec.Trigger, elapsed)
		events.NewEvent(events.EventAnalysisFailed).
			Study(rec.StudyCode).
			Analysis(rec.ID).
			ErrorFrom(procErr).
			Duration(elapsed).
			LogTo(s.events)
		s.log.WithError(procErr).
			WithField("study_code", rec.StudyCode).
			Warn("analysis failed")
		return Result{}, procErr
	}

	rec.MetricsCount = res.MetricsCount
	rec, err = s.transition(ctx, rec, study.StatusSucceeded)
	if err != nil {
		return Result{}, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, rec.StudyCode)
	}
	metrics.RecordAnalysis(study.StatusSucceeded, rec.Trigger, elapsed)
	events.NewEvent(events.EventAnalysisSucceeded).
		Study(rec.StudyCode).
		Analysis(rec.ID).
		Duration(elapsed).
		Metadata("metrics_count", strconv.Itoa(res.MetricsCount)).
		LogTo(s.events)
	s.log.WithField("study_code", rec.StudyCode).
		WithField("analysis_id", rec.ID).
		WithField("metrics_count", res.MetricsCount).
		Info("analysis succeeded")

	res.Analysis = rec
	return res, nil
}

// process performs the volumetry pass itself: resolve, decode,
// canonicalize, measure, persist.
func (s *Service) process(ctx context.Context, studyCode, filename string) (Result, error) {
	path, err := s.archive.SegmentationPath(ctx, studyCode, filename)
	if err != nil {
		return Result{}, err
	}

	if info, err := os.Stat(path); err == nil {
		metrics.AddNiftiBytes(info.Size())
	}

	img, err := nifti.DecodeFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("Error processing file %s: %v", path, err)
	}
	img = img.AsCanonical()

	rows := computeMetrics(img, patientFrom(filename))

	metricsFile, err := s.archive.SaveMetrics(ctx, studyCode, rows)
	if err != nil {
		return Result{}, err
	}

	return Result{
		ProcessedFiles: 1,
		MetricsCount:   len(rows),
		MetricsSaved:   true,
		MetricsFile:    metricsFile,
	}, nil
}

// transition enforces the analysis status lifecycle and persists the
// updated record.
func (s *Service) transition(ctx context.Context, rec study.Analysis, to string) (study.Analysis, error) {
	if !study.ValidTransition(rec.Status, to) {
		return rec, fmt.Errorf("invalid analysis transition %s -> %s", rec.Status, to)
	}
	rec.Status = to
	now := time.Now().UTC()
	switch to {
	case study.StatusRunning:
		rec.StartedAt = now
	case study.StatusSucceeded, study.StatusFailed:
		rec.FinishedAt = now
	}
	return s.store.UpdateAnalysis(ctx, rec)
}

// lockStudy serializes analyses per study so concurrent runs cannot
// interleave metrics.json writes.
func (s *Service) lockStudy(code string) func() {
	s.mu.Lock()
	l, ok := s.studyLocks[code]
	if !ok {
		l = &sync.Mutex{}
		s.studyLocks[code] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func patientFrom(filename string) string {
	return strings.Split(filename, ".")[0]
}

func normalizeTrigger(trigger string) string {
	switch strings.TrimSpace(trigger) {
	case study.TriggerJob:
		return study.TriggerJob
	case study.TriggerCLI:
		return study.TriggerCLI
	default:
		return study.TriggerAPI
	}
}
