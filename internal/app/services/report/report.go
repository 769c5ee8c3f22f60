// Package report produces clinician-facing narrative summaries of a
// study's volumetry metrics through the Gemini API. The generator is
// optional: without an API key the service reports itself disabled.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// ErrDisabled is returned when no generator backend is configured.
var ErrDisabled = errors.New("report generator is not configured")

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Generator turns a prompt into narrative text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StudyReport is the narrative produced for one study.
type StudyReport struct {
	StudyCode   string    `json:"study_code"`
	Model       string    `json:"model"`
	Narrative   string    `json:"narrative"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Service renders volumetry metrics into a narrative report.
type Service struct {
	gen     Generator
	model   string
	log     *logger.Logger
	closeFn func() error
}

// New constructs the report service. An empty API key yields a
// disabled service that fails Generate with ErrDisabled.
func New(ctx context.Context, apiKey, model string, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewDefault("report")
	}
	if model == "" {
		model = DefaultModel
	}

	s := &Service{model: model, log: log}
	if apiKey == "" {
		log.Info("report generator disabled: no API key configured")
		return s, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	s.gen = &geminiGenerator{client: client, model: model}
	log.WithField("model", model).Info("report generator enabled")
	return s, nil
}

// WithGenerator overrides the narrative backend.
func (s *Service) WithGenerator(gen Generator) {
	s.gen = gen
}

// Enabled reports whether a generator backend is configured.
func (s *Service) Enabled() bool {
	return s.gen != nil
}

// Generate produces a narrative report for the given metric rows.
func (s *Service) Generate(ctx context.Context, studyCode string, rows []study.Metric) (StudyReport, error) {
	if s.gen == nil {
		return StudyReport{}, ErrDisabled
	}
	if len(rows) == 0 {
		return StudyReport{}, fmt.Errorf("no metrics to report for study %s", studyCode)
	}

	narrative, err := s.gen.Generate(ctx, buildPrompt(studyCode, rows))
	if err != nil {
		return StudyReport{}, err
	}

	s.log.WithField("study_code", studyCode).Info("report generated")
	return StudyReport{
		StudyCode:   studyCode,
		Model:       s.model,
		Narrative:   narrative,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Close releases the generator backend.
func (s *Service) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func buildPrompt(studyCode string, rows []study.Metric) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assisting a neuroradiologist. Summarize the tumor volumetry findings for study %s in two short paragraphs of plain clinical prose. Mention each compartment, its volume in mL, and any notable hemispheric asymmetry. Do not invent findings beyond the numbers.\n\n", studyCode)
	fmt.Fprintf(&b, "Patient: %s\n", rows[0].Patient)
	for _, row := range rows {
		fmt.Fprintf(&b, "- %s: volume %.3f mL, asymmetry index %.3f", row.Label, row.VolumeML, row.AsymmetryIndex)
		if row.CentroidXMM != nil && row.CentroidYMM != nil && row.CentroidZMM != nil {
			fmt.Fprintf(&b, ", centroid (%.1f, %.1f, %.1f) mm", *row.CentroidXMM, *row.CentroidYMM, *row.CentroidZMM)
		} else {
			b.WriteString(", not present in segmentation")
		}
		b.WriteString("\n")
	}
	return b.String()
}

type geminiGenerator struct {
	client *genai.Client
	model  string
}

func (g *geminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("generate narrative: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("model returned an empty narrative")
	}
	return text, nil
}
