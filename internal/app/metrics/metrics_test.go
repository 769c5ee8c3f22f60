package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/health", "/health"},
		{"/analyze", "/analyze"},
		{"/studies", "/studies"},
		{"/studies/P001", "/studies/:code"},
		{"/studies/P001/metrics", "/studies/:code/metrics"},
		{"/studies/P001/report", "/studies/:code/report"},
		{"/analyses", "/analyses"},
		{"/analyses/1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed", "/analyses/:id"},
		{"/ws/events", "/ws/events"},
		{"/unknown/deep/path", "/unknown"},
	}

	for _, tc := range cases {
		if got := canonicalPath(tc.raw); got != tc.want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestInstrumentHandlerPassesThrough(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		if _, err := w.Write([]byte("short and stout")); err != nil {
			t.Fatalf("write response: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/studies/P001/metrics", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rec.Code)
	}
	if rec.Body.String() != "short and stout" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec}

	if _, err := sr.Write([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sr.status != http.StatusOK {
		t.Fatalf("expected implicit 200, got %d", sr.status)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected metrics exposition output")
	}
}
