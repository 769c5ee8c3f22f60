package events

import (
	"fmt"
	"testing"
)

func TestRingBufferWrapsAround(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Log(Event{Type: EventAnalysisQueued, Message: fmt.Sprintf("e%d", i)})
	}

	if rb.Count() != 3 {
		t.Fatalf("count = %d, want 3", rb.Count())
	}

	recent := rb.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("recent = %d events, want 3", len(recent))
	}
	if recent[0].Message != "e4" || recent[2].Message != "e2" {
		t.Fatalf("unexpected order: %v", recent)
	}
}

func TestLogFillsDefaults(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Log(Event{Type: EventServerStarted})

	got := rb.Recent(1)[0]
	if got.ID == "" {
		t.Fatalf("expected generated ID")
	}
	if got.Timestamp.IsZero() {
		t.Fatalf("expected timestamp")
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("expected info severity, got %s", got.Severity)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	rb := NewRingBuffer(4)

	var seen []Event
	cancel := rb.Subscribe(func(e Event) { seen = append(seen, e) })

	rb.Log(Event{Type: EventAnalysisQueued})
	if len(seen) != 1 {
		t.Fatalf("expected handler to fire once, got %d", len(seen))
	}

	cancel()
	rb.Log(Event{Type: EventAnalysisStarted})
	if len(seen) != 1 {
		t.Fatalf("handler fired after unsubscribe")
	}
}

func TestSubscribeFiltered(t *testing.T) {
	rb := NewRingBuffer(8)

	var failures int
	rb.SubscribeFiltered(
		func(e Event) bool { return e.Type == EventAnalysisFailed },
		func(Event) { failures++ },
	)

	rb.Log(Event{Type: EventAnalysisSucceeded})
	rb.Log(Event{Type: EventAnalysisFailed})
	rb.Log(Event{Type: EventAnalysisFailed})

	if failures != 2 {
		t.Fatalf("filtered handler fired %d times, want 2", failures)
	}
}

func TestRecentByStudyAndType(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Log(Event{Type: EventAnalysisQueued, StudyCode: "A"})
	rb.Log(Event{Type: EventAnalysisQueued, StudyCode: "B"})
	rb.Log(Event{Type: EventAnalysisSucceeded, StudyCode: "A"})

	byStudy := rb.RecentByStudy("A", 10)
	if len(byStudy) != 2 {
		t.Fatalf("expected 2 events for study A, got %d", len(byStudy))
	}
	if byStudy[0].Type != EventAnalysisSucceeded {
		t.Fatalf("expected most recent first, got %s", byStudy[0].Type)
	}

	byType := rb.RecentByType(EventAnalysisQueued, 10)
	if len(byType) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(byType))
	}
}

func TestEventBuilder(t *testing.T) {
	err := fmt.Errorf("boom")
	e := NewEvent(EventAnalysisFailed).
		Study("BRATS-001").
		Analysis("abc").
		Message("analysis failed").
		ErrorFrom(err).
		Metadata("filename", "seg.nii.gz").
		Build()

	if e.StudyCode != "BRATS-001" || e.AnalysisID != "abc" {
		t.Fatalf("builder fields wrong: %+v", e)
	}
	if e.Severity != SeverityError {
		t.Fatalf("ErrorFrom must raise severity, got %s", e.Severity)
	}
	if e.Metadata["filename"] != "seg.nii.gz" {
		t.Fatalf("metadata missing: %+v", e.Metadata)
	}
	if e.ID == "" {
		t.Fatalf("expected generated ID")
	}
}
