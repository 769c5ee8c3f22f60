package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	app "github.com/voxelcare/volumetry-agent/internal/app"
	"github.com/voxelcare/volumetry-agent/internal/app/domain/study"
	"github.com/voxelcare/volumetry-agent/internal/app/metrics"
	reportsvc "github.com/voxelcare/volumetry-agent/internal/app/services/report"
	"github.com/voxelcare/volumetry-agent/internal/app/storage"
)

// handler bundles HTTP endpoints for the agent services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the volumetry REST API.
//
// The /analyze, /health and /studies/{study_code}/metrics routes keep
// the wire format of the legacy service, including its {"detail": ...}
// error bodies. Everything else speaks the native {"error": ...} shape.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()

	r.HandleFunc("/analyze", h.analyze).Methods(http.MethodPost)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/studies/{study_code}/metrics", h.studyMetrics).Methods(http.MethodGet)

	r.HandleFunc("/studies", h.listStudies).Methods(http.MethodGet)
	r.HandleFunc("/studies/{study_code}/report", h.studyReport).Methods(http.MethodGet)
	r.HandleFunc("/analyses", h.enqueueAnalysis).Methods(http.MethodPost)
	r.HandleFunc("/analyses", h.listAnalyses).Methods(http.MethodGet)
	r.HandleFunc("/analyses/{id}", h.getAnalysis).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/system", h.system).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", h.wsEvents).Methods(http.MethodGet)

	return r
}

type analyzeRequest struct {
	StudyCode string `json:"study_code"`
	Filename  string `json:"filename"`
}

type analyzeResponse struct {
	StudyCode    string `json:"study_code"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	MetricsSaved bool   `json:"metrics_saved"`
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	var payload analyzeRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if strings.TrimSpace(payload.StudyCode) == "" || strings.TrimSpace(payload.Filename) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "study_code and filename are required")
		return
	}

	result, err := h.app.Volumetry.ProcessStudy(r.Context(), payload.StudyCode, payload.Filename, study.TriggerAPI)
	if err != nil {
		if storage.IsNotFound(err) {
			writeDetail(w, http.StatusNotFound, "File not found: "+err.Error())
			return
		}
		writeDetail(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		StudyCode:    payload.StudyCode,
		Status:       "success",
		Message:      fmt.Sprintf("Study %s processed successfully", payload.StudyCode),
		MetricsSaved: result.MetricsSaved,
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *handler) studyMetrics(w http.ResponseWriter, r *http.Request) {
	studyCode := mux.Vars(r)["study_code"]

	doc, err := h.app.Volumetry.GetStudyMetrics(r.Context(), studyCode)
	if err != nil {
		if storage.IsNotFound(err) {
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		}
		writeDetail(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type studySummary struct {
	Code          string   `json:"code"`
	Segmentations []string `json:"segmentations"`
	SizeBytes     int64    `json:"size_bytes"`
	HasMetrics    bool     `json:"has_metrics"`
	MetricsCount  int      `json:"metrics_count"`
	AnalyzedAt    string   `json:"analyzed_at,omitempty"`
}

func (h *handler) listStudies(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.app.Volumetry.ListStudies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]studySummary, 0, len(summaries))
	for _, s := range summaries {
		item := studySummary{
			Code:          s.Code,
			Segmentations: s.Segmentations,
			SizeBytes:     s.SizeBytes,
			HasMetrics:    s.HasMetrics,
			MetricsCount:  s.MetricsCount,
		}
		if !s.AnalyzedAt.IsZero() {
			item.AnalyzedAt = s.AnalyzedAt.UTC().Format(timeFormat)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) studyReport(w http.ResponseWriter, r *http.Request) {
	studyCode := mux.Vars(r)["study_code"]

	doc, err := h.app.Volumetry.GetStudyMetrics(r.Context(), studyCode)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	rep, err := h.app.Report.Generate(r.Context(), studyCode, doc.Metrics)
	if err != nil {
		if errors.Is(err, reportsvc.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type enqueueRequest struct {
	StudyCode string `json:"study_code"`
	Filename  string `json:"filename"`
}

func (h *handler) enqueueAnalysis(w http.ResponseWriter, r *http.Request) {
	var payload enqueueRequest
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := h.app.Volumetry.EnqueueAnalysis(r.Context(), payload.StudyCode, payload.Filename, study.TriggerAPI)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, analysisView(rec))
}

func (h *handler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	studyCode := strings.TrimSpace(r.URL.Query().Get("study_code"))

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	recs, err := h.app.Volumetry.ListAnalyses(r.Context(), studyCode, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	views := make([]analysisRecord, 0, len(recs))
	for _, rec := range recs {
		views = append(views, analysisView(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	rec, err := h.app.Volumetry.GetAnalysis(r.Context(), id)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisView(rec))
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// analysisRecord is the wire form of a registry record.
type analysisRecord struct {
	ID           string `json:"id"`
	StudyCode    string `json:"study_code"`
	Filename     string `json:"filename"`
	Patient      string `json:"patient"`
	Trigger      string `json:"trigger"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	MetricsCount int    `json:"metrics_count"`
	RequestedAt  string `json:"requested_at"`
	StartedAt    string `json:"started_at,omitempty"`
	FinishedAt   string `json:"finished_at,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

func analysisView(rec study.Analysis) analysisRecord {
	view := analysisRecord{
		ID:           rec.ID,
		StudyCode:    rec.StudyCode,
		Filename:     rec.Filename,
		Patient:      rec.Patient,
		Trigger:      rec.Trigger,
		Status:       rec.Status,
		Error:        rec.Error,
		MetricsCount: rec.MetricsCount,
		RequestedAt:  rec.RequestedAt.UTC().Format(timeFormat),
		DurationMS:   rec.Duration().Milliseconds(),
	}
	if !rec.StartedAt.IsZero() {
		view.StartedAt = rec.StartedAt.UTC().Format(timeFormat)
	}
	if !rec.FinishedAt.IsZero() {
		view.FinishedAt = rec.FinishedAt.UTC().Format(timeFormat)
	}
	return view
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeDetail emits the legacy error body used by the original
// volumetry endpoints.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
