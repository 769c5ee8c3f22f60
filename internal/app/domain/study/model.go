// Package study holds the domain records for segmentation studies and
// their analyses.
package study

import "time"

// Analysis status values.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Analysis trigger origins.
const (
	TriggerAPI = "api"
	TriggerJob = "job"
	TriggerCLI = "cli"
)

// Metric is one volumetry row for a study. The field names are the
// on-disk metrics.json contract consumed by downstream viewers, so
// they must not change. Centroid fields are nil when the label has no
// voxels in the volume.
type Metric struct {
	Patient        string   `json:"patient"`
	Label          string   `json:"label"`
	VolumeML       float64  `json:"volume_mL"`
	AsymmetryIndex float64  `json:"asymmetry_index"`
	CentroidXMM    *float64 `json:"centroid_x_mm"`
	CentroidYMM    *float64 `json:"centroid_y_mm"`
	CentroidZMM    *float64 `json:"centroid_z_mm"`
}

// Analysis records one processing pass over a study segmentation.
type Analysis struct {
	ID           string
	StudyCode    string
	Filename     string
	Patient      string
	Trigger      string
	Status       string
	Error        string
	MetricsCount int
	RequestedAt  time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration is the wall time of the processing phase, zero until the
// analysis finished.
func (a Analysis) Duration() time.Duration {
	if a.StartedAt.IsZero() || a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Terminal reports whether the analysis reached a final status.
func (a Analysis) Terminal() bool {
	return a.Status == StatusSucceeded || a.Status == StatusFailed
}

// ValidTransition reports whether an analysis may move between the two
// statuses.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// Summary describes one study directory in the archive.
type Summary struct {
	Code          string
	Segmentations []string
	SizeBytes     int64
	HasMetrics    bool
	MetricsCount  int
	AnalyzedAt    time.Time
}
