package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestRequestRingWrapsAtCapacity(t *testing.T) {
	r := newRequestRing(3)
	for i := 0; i < 5; i++ {
		r.add(RequestRecord{ID: string(rune('a' + i))})
	}
	got := r.all()
	if len(got) != 3 {
		t.Fatalf("expected ring capped at 3, got %d", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "e" {
		t.Fatalf("expected oldest-to-newest c,d,e; got %+v", got)
	}
}

func TestErrorRingDedupesByFingerprint(t *testing.T) {
	r := newErrorRing(10)
	r.add(ErrorRecord{Stage: "classify", Message: errors.New("boom").Error()})
	r.add(ErrorRecord{Stage: "classify", Message: errors.New("boom").Error()})
	r.add(ErrorRecord{Stage: "generate", Message: errors.New("boom").Error()})

	got := r.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct fingerprints, got %d", len(got))
	}
	for _, rec := range got {
		if rec.Stage == "classify" && rec.Count != 2 {
			t.Fatalf("expected classify's repeat to be counted, got count=%d", rec.Count)
		}
	}
}

func TestErrorRingEvictsOldestOverCapacity(t *testing.T) {
	r := newErrorRing(2)
	r.add(ErrorRecord{Stage: "a", Message: "1"})
	r.add(ErrorRecord{Stage: "b", Message: "2"})
	r.add(ErrorRecord{Stage: "c", Message: "3"})

	got := r.all()
	if len(got) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(got))
	}
	for _, rec := range got {
		if rec.Stage == "a" {
			t.Fatal("expected the oldest entry to be evicted")
		}
	}
}

func TestMovingAverageAndPeak(t *testing.T) {
	samples := []Sample{{CPUPercent: 10}, {CPUPercent: 20}, {CPUPercent: 30}}
	if avg := MovingAverage(samples, 3); avg != 20 {
		t.Fatalf("expected average 20, got %v", avg)
	}
	if peak := Peak(samples, 2); peak != 30 {
		t.Fatalf("expected peak 30 over last 2, got %v", peak)
	}
}

func TestRouteAggregatesComputesAveragesAndErrorCounts(t *testing.T) {
	reg := New()
	reg.requests.add(RequestRecord{Method: "GET", Path: "/healthz", Status: 200, Duration: 10 * time.Millisecond})
	reg.requests.add(RequestRecord{Method: "GET", Path: "/healthz", Status: 500, Duration: 30 * time.Millisecond})

	aggs := reg.RouteAggregates()
	if len(aggs) != 1 {
		t.Fatalf("expected 1 route aggregate, got %d", len(aggs))
	}
	if aggs[0].Count != 2 || aggs[0].ErrorCount != 1 {
		t.Fatalf("unexpected aggregate: %+v", aggs[0])
	}
	if aggs[0].AvgDuration != 20*time.Millisecond {
		t.Fatalf("expected average duration 20ms, got %v", aggs[0].AvgDuration)
	}
}
