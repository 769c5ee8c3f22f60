package report

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
)

type stubGenerator struct {
	prompt    string
	narrative string
	err       error
}

func (s *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.narrative, s.err
}

func sampleRows() []study.Metric {
	cx, cy, cz := 12.5, -7.0, 33.1
	return []study.Metric{
		{Patient: "PAT01", Label: "ET", VolumeML: 1.25, AsymmetryIndex: -0.4, CentroidXMM: &cx, CentroidYMM: &cy, CentroidZMM: &cz},
		{Patient: "PAT01", Label: "WT", VolumeML: 0},
		{Patient: "PAT01", Label: "TC", VolumeML: 0.75, AsymmetryIndex: 0.1, CentroidXMM: &cx, CentroidYMM: &cy, CentroidZMM: &cz},
	}
}

func TestDisabledServiceFailsWithErrDisabled(t *testing.T) {
	svc, err := New(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service without API key should be disabled")
	}

	_, err = svc.Generate(context.Background(), "ST01", sampleRows())
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestGenerateBuildsClinicalPrompt(t *testing.T) {
	svc, err := New(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	stub := &stubGenerator{narrative: "The enhancing tumor measures 1.25 mL."}
	svc.WithGenerator(stub)

	rep, err := svc.Generate(context.Background(), "ST01", sampleRows())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rep.StudyCode != "ST01" || rep.Narrative != stub.narrative {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Model != DefaultModel {
		t.Fatalf("model = %q, want %q", rep.Model, DefaultModel)
	}
	if rep.GeneratedAt.IsZero() {
		t.Fatal("generated_at should be set")
	}

	for _, want := range []string{"ST01", "PAT01", "ET", "WT", "TC", "1.250 mL", "not present in segmentation"} {
		if !strings.Contains(stub.prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, stub.prompt)
		}
	}
}

func TestGenerateRequiresRows(t *testing.T) {
	svc, err := New(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	svc.WithGenerator(&stubGenerator{narrative: "x"})

	if _, err := svc.Generate(context.Background(), "ST01", nil); err == nil {
		t.Fatal("expected error for empty rows")
	}
}

func TestGeneratePropagatesBackendErrors(t *testing.T) {
	svc, err := New(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	boom := errors.New("quota exhausted")
	svc.WithGenerator(&stubGenerator{err: boom})

	if _, err := svc.Generate(context.Background(), "ST01", sampleRows()); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestCloseWithoutBackend(t *testing.T) {
	svc, err := New(context.Background(), "", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
