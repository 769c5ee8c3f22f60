// Package archive implements the persistent study area on the local
// filesystem. Studies live under <root>/<code>/ with their
// segmentation volumes and the metrics.json document produced by the
// analysis engine.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
)

// MetricsFile is the analysis output document inside a study
// directory.
const MetricsFile = "metrics.json"

// Archive implements storage.StudyArchive rooted at a studies
// directory.
type Archive struct {
	root string
}

var _ storage.StudyArchive = (*Archive)(nil)

// New creates an archive rooted at <storageRoot>/<studiesDir>. The
// directory is not created until EnsureLayout runs.
func New(storageRoot, studiesDir string) (*Archive, error) {
	root, err := filepath.Abs(filepath.Join(storageRoot, studiesDir))
	if err != nil {
		return nil, fmt.Errorf("resolve studies root: %w", err)
	}
	return &Archive{root: root}, nil
}

// EnsureLayout creates the studies root if needed and verifies the
// process can write into it. Safe to call repeatedly.
func (a *Archive) EnsureLayout() error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("create studies root: %w", err)
	}
	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("studies root not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("clean write probe: %w", err)
	}
	return nil
}

// Root returns the absolute studies root.
func (a *Archive) Root() string { return a.root }

// StudyDir resolves the directory for a study code. Codes that would
// escape the root are refused and reported as missing, the status a
// client probing with such a name must see.
func (a *Archive) StudyDir(code string) (string, error) {
	if err := validateName(code); err != nil {
		return "", storage.NotFoundf("Study directory not found: %s", filepath.Join(a.root, code))
	}
	return filepath.Join(a.root, code), nil
}

func (a *Archive) StudyExists(_ context.Context, code string) (bool, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// SegmentationPath resolves a segmentation file within a study. The
// error messages are surfaced verbatim to API clients.
func (a *Archive) SegmentationPath(ctx context.Context, code, filename string) (string, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return "", err
	}
	exists, err := a.StudyExists(ctx, code)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", storage.NotFoundf("Study directory not found: %s", dir)
	}

	if err := validateName(filename); err != nil {
		return "", storage.NotFoundf("Segmentation file not found: %s", filepath.Join(dir, filename))
	}
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", storage.NotFoundf("Segmentation file not found: %s", path)
		}
		return "", err
	}
	return path, nil
}

func (a *Archive) ListStudies(_ context.Context) ([]study.Summary, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read studies root: %w", err)
	}

	summaries := make([]study.Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summary, err := a.summarize(entry.Name())
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (a *Archive) summarize(code string) (study.Summary, error) {
	dir := filepath.Join(a.root, code)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return study.Summary{}, fmt.Errorf("read study %s: %w", code, err)
	}

	summary := study.Summary{Code: code}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return study.Summary{}, err
		}
		summary.SizeBytes += info.Size()

		name := entry.Name()
		switch {
		case IsSegmentation(name):
			summary.Segmentations = append(summary.Segmentations, name)
		case name == MetricsFile:
			summary.HasMetrics = true
			summary.AnalyzedAt = info.ModTime()
			if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
				summary.MetricsCount = int(gjson.GetBytes(data, "#").Int())
			}
		}
	}
	return summary, nil
}

func (a *Archive) ListSegmentations(ctx context.Context, code string) ([]string, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return nil, err
	}
	exists, err := a.StudyExists(ctx, code)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.NotFoundf("Study directory not found: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read study %s: %w", code, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && IsSegmentation(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// SaveMetrics writes the metrics document for a study atomically,
// replacing any previous document.
func (a *Archive) SaveMetrics(_ context.Context, code string, rows []study.Metric) (string, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create study dir: %w", err)
	}

	if rows == nil {
		rows = []study.Metric{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metrics: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metrics-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close metrics: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	path := filepath.Join(dir, MetricsFile)
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish metrics: %w", err)
	}
	return path, nil
}

func (a *Archive) LoadMetrics(_ context.Context, code string) ([]study.Metric, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, MetricsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.NotFoundf("Metrics file not found: %s", path)
		}
		return nil, err
	}

	var rows []study.Metric
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", code, err)
	}
	return rows, nil
}

func (a *Archive) RemoveMetrics(_ context.Context, code string) (int64, error) {
	dir, err := a.StudyDir(code)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(dir, MetricsFile)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.NotFoundf("Metrics file not found: %s", path)
		}
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// IsSegmentation reports whether a file name looks like a NIfTI
// segmentation volume.
func IsSegmentation(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// validateName accepts plain directory entries only: no separators, no
// parent references, nothing hidden behind a clean.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("reserved name")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path separators not allowed")
	}
	if filepath.Clean(name) != name {
		return fmt.Errorf("not a plain name")
	}
	return nil
}
