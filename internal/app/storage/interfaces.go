package storage

import (
	"context"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
)

// AnalysisStore persists analysis records.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a study.Analysis) (study.Analysis, error)
	UpdateAnalysis(ctx context.Context, a study.Analysis) (study.Analysis, error)
	GetAnalysis(ctx context.Context, id string) (study.Analysis, error)
	ListAnalyses(ctx context.Context, studyCode string, limit int) ([]study.Analysis, error)
	ListPendingAnalyses(ctx context.Context) ([]study.Analysis, error)
}

// StudyArchive is the persistent study area on disk. Implementations
// resolve every path inside the studies root and refuse names that
// escape it.
type StudyArchive interface {
	// EnsureLayout creates the studies root if needed and verifies it
	// is writable.
	EnsureLayout() error
	// Root returns the absolute path of the studies root.
	Root() string
	// StudyDir returns the directory for a study code without
	// requiring it to exist.
	StudyDir(code string) (string, error)
	StudyExists(ctx context.Context, code string) (bool, error)
	// SegmentationPath resolves a segmentation file inside a study,
	// failing with a not-found error when either is missing.
	SegmentationPath(ctx context.Context, code, filename string) (string, error)
	ListStudies(ctx context.Context) ([]study.Summary, error)
	ListSegmentations(ctx context.Context, code string) ([]string, error)
	// SaveMetrics writes the metrics document for a study and returns
	// its path. The write is atomic.
	SaveMetrics(ctx context.Context, code string, rows []study.Metric) (string, error)
	LoadMetrics(ctx context.Context, code string) ([]study.Metric, error)
	// RemoveMetrics deletes the metrics document and reports the bytes
	// freed.
	RemoveMetrics(ctx context.Context, code string) (int64, error)
}
