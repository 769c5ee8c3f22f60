package commands

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSegmentation(t *testing.T, root, code, filename string) {
	t.Helper()

	dims := [3]int{4, 4, 4}
	buf := make([]byte, 352+dims[0]*dims[1]*dims[2])
	le := binary.LittleEndian
	f32 := func(v float64) uint32 { return math.Float32bits(float32(v)) }

	le.PutUint32(buf[0:], 348)
	le.PutUint16(buf[40:], 3)
	for axis := 0; axis < 3; axis++ {
		le.PutUint16(buf[42+2*axis:], uint16(dims[axis]))
	}
	for d := 4; d <= 7; d++ {
		le.PutUint16(buf[40+2*d:], 1)
	}
	le.PutUint16(buf[70:], 2)
	le.PutUint16(buf[72:], 8)
	le.PutUint32(buf[76:], f32(1))
	for axis := 0; axis < 3; axis++ {
		le.PutUint32(buf[80+4*axis:], f32(1))
	}
	le.PutUint32(buf[108:], f32(352))
	le.PutUint32(buf[112:], f32(1))
	le.PutUint16(buf[254:], 1)
	le.PutUint32(buf[280:], f32(1))
	le.PutUint32(buf[300:], f32(1))
	le.PutUint32(buf[320:], f32(1))
	copy(buf[344:], "n+1\x00")
	buf[352+1+dims[0]*(1+dims[1]*1)] = 1

	dir := filepath.Join(root, "studies", code)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create study dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), buf, 0o644); err != nil {
		t.Fatalf("write segmentation: %v", err)
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnalyzeCommandWritesMetrics(t *testing.T) {
	root := t.TempDir()
	writeSegmentation(t, root, "ST01", "PAT01.nii")

	out, err := runCommand(t, "--storage-root", root, "analyze", "ST01", "PAT01.nii")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !strings.Contains(out, "PAT01") || !strings.Contains(out, "ET") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	if _, err := os.Stat(filepath.Join(root, "studies", "ST01", "metrics.json")); err != nil {
		t.Fatalf("metrics.json not written: %v", err)
	}
}

func TestAnalyzeCommandMissingStudyFails(t *testing.T) {
	if _, err := runCommand(t, "--storage-root", t.TempDir(), "analyze", "NOPE", "x.nii"); err == nil {
		t.Fatal("expected error for missing study")
	}
}

func TestMetricsCommandJSON(t *testing.T) {
	root := t.TempDir()
	writeSegmentation(t, root, "ST02", "PAT02.nii")

	if _, err := runCommand(t, "--storage-root", root, "analyze", "ST02", "PAT02.nii"); err != nil {
		t.Fatalf("analyze: %v", err)
	}

	out, err := runCommand(t, "--storage-root", root, "--json", "metrics", "ST02")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !strings.Contains(out, `"total_records": 3`) {
		t.Fatalf("unexpected JSON output:\n%s", out)
	}
}

func TestStudiesCommandListsArchive(t *testing.T) {
	root := t.TempDir()
	writeSegmentation(t, root, "ST03", "PAT03.nii")

	out, err := runCommand(t, "--storage-root", root, "studies")
	if err != nil {
		t.Fatalf("studies: %v", err)
	}
	if !strings.Contains(out, "ST03") || !strings.Contains(out, "PAT03.nii") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
