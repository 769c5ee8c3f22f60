package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := New(t.TempDir(), "studies")
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	if err := a.EnsureLayout(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	return a
}

func seedStudy(t *testing.T, a *Archive, code string, files map[string][]byte) {
	t.Helper()
	dir := filepath.Join(a.Root(), code)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir study: %v", err)
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestEnsureLayoutIdempotent(t *testing.T) {
	a, err := New(t.TempDir(), "studies")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.EnsureLayout(); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := a.EnsureLayout(); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	info, err := os.Stat(a.Root())
	if err != nil || !info.IsDir() {
		t.Fatalf("studies root missing after EnsureLayout: %v", err)
	}
}

func TestStudyDirRejectsTraversal(t *testing.T) {
	a := newTestArchive(t)
	for _, code := range []string{"", ".", "..", "../evil", "a/b", `a\b`} {
		_, err := a.StudyDir(code)
		if err == nil {
			t.Fatalf("expected rejection for code %q", code)
		}
		if !storage.IsNotFound(err) {
			t.Fatalf("traversal code %q must read as missing, got %v", code, err)
		}
	}
}

func TestSegmentationPathNotFoundMessages(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	_, err := a.SegmentationPath(ctx, "GHOST", "seg.nii")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not-found for missing study, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Study directory not found: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	seedStudy(t, a, "BRATS-001", map[string][]byte{"other.nii": []byte("x")})
	_, err = a.SegmentationPath(ctx, "BRATS-001", "seg.nii")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not-found for missing file, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Segmentation file not found: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}

	path, err := a.SegmentationPath(ctx, "BRATS-001", "other.nii")
	if err != nil {
		t.Fatalf("resolve existing file: %v", err)
	}
	if filepath.Base(path) != "other.nii" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestSaveAndLoadMetrics(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	seedStudy(t, a, "BRATS-001", nil)

	x := 1.5
	rows := []study.Metric{
		{Patient: "pat1", Label: "ET", VolumeML: 2.5, AsymmetryIndex: 0.1, CentroidXMM: &x, CentroidYMM: &x, CentroidZMM: &x},
		{Patient: "pat1", Label: "WT", VolumeML: 0, AsymmetryIndex: 0},
	}
	path, err := a.SaveMetrics(ctx, "BRATS-001", rows)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != MetricsFile {
		t.Fatalf("unexpected metrics path %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "\n  {") {
		t.Fatalf("metrics not indented: %q", string(data[:40]))
	}
	if !strings.Contains(string(data), `"centroid_x_mm": null`) {
		t.Fatalf("empty label centroid must serialize as null")
	}

	loaded, err := a.LoadMetrics(ctx, "BRATS-001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(loaded))
	}
	if loaded[0].Label != "ET" || *loaded[0].CentroidXMM != 1.5 {
		t.Fatalf("roundtrip mismatch: %+v", loaded[0])
	}
	if loaded[1].CentroidXMM != nil {
		t.Fatalf("expected nil centroid for empty label")
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Join(a.Root(), "BRATS-001"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".metrics-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLoadMetricsNotFound(t *testing.T) {
	a := newTestArchive(t)
	seedStudy(t, a, "BRATS-001", nil)

	_, err := a.LoadMetrics(context.Background(), "BRATS-001")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Metrics file not found: ") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestListStudies(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	seedStudy(t, a, "B-002", map[string][]byte{
		"pat2.nii": make([]byte, 10),
	})
	seedStudy(t, a, "A-001", map[string][]byte{
		"pat1.nii.gz": make([]byte, 20),
		"notes.txt":   make([]byte, 5),
	})
	rows := []study.Metric{{Patient: "pat1", Label: "ET"}, {Patient: "pat1", Label: "WT"}, {Patient: "pat1", Label: "TC"}}
	if _, err := a.SaveMetrics(ctx, "A-001", rows); err != nil {
		t.Fatalf("save metrics: %v", err)
	}

	summaries, err := a.ListStudies(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 studies, got %d", len(summaries))
	}
	if summaries[0].Code != "A-001" || summaries[1].Code != "B-002" {
		t.Fatalf("expected sorted codes, got %+v", summaries)
	}

	first := summaries[0]
	if !first.HasMetrics || first.MetricsCount != 3 {
		t.Fatalf("metrics summary wrong: %+v", first)
	}
	if len(first.Segmentations) != 1 || first.Segmentations[0] != "pat1.nii.gz" {
		t.Fatalf("segmentations wrong: %+v", first.Segmentations)
	}
	if first.SizeBytes <= 20 {
		t.Fatalf("size should include metrics document, got %d", first.SizeBytes)
	}
	if summaries[1].HasMetrics {
		t.Fatalf("B-002 has no metrics")
	}
}

func TestRemoveMetrics(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	seedStudy(t, a, "A-001", nil)
	if _, err := a.SaveMetrics(ctx, "A-001", []study.Metric{{Patient: "p", Label: "ET"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	freed, err := a.RemoveMetrics(ctx, "A-001")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if freed <= 0 {
		t.Fatalf("expected freed bytes, got %d", freed)
	}

	if _, err := a.RemoveMetrics(ctx, "A-001"); !storage.IsNotFound(err) {
		t.Fatalf("expected not-found on second remove, got %v", err)
	}
}

func TestIsSegmentation(t *testing.T) {
	cases := map[string]bool{
		"seg.nii":      true,
		"seg.nii.gz":   true,
		"SEG.NII.GZ":   true,
		"metrics.json": false,
		"seg.dcm":      false,
		"nii":          false,
	}
	for name, want := range cases {
		if got := IsSegmentation(name); got != want {
			t.Fatalf("IsSegmentation(%q) = %v, want %v", name, got, want)
		}
	}
}
