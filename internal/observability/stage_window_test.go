package observability

import "testing"

func TestStageWindowSnapshotStats(t *testing.T) {
	w := newStageWindow(8)
	for _, ms := range []float64{10, 20, 30, 40} {
		w.Observe("run_polled", ms)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	st := snap.Stages[0]
	if st.Stage != "run_polled" || st.Samples != 4 {
		t.Fatalf("unexpected stage stats: %+v", st)
	}
	if st.LastMS != 40 {
		t.Fatalf("LastMS = %v, want 40", st.LastMS)
	}
	if st.AvgMS != 25 {
		t.Fatalf("AvgMS = %v, want 25", st.AvgMS)
	}
	if st.P50MS != 25 {
		t.Fatalf("P50MS = %v, want 25", st.P50MS)
	}
}

func TestStageWindowRingOverflow(t *testing.T) {
	w := newStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("turn_total", float64(i))
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 4 {
		t.Fatalf("Samples = %d, want window size 4", snap.Stages[0].Samples)
	}
}

func TestStageWindowIndicators(t *testing.T) {
	w := newStageWindow(4)
	w.ObserveIndicator("fallback_thread_error")
	w.ObserveIndicator("fallback_thread_error")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	if len(snap.Indicators) != 1 {
		t.Fatalf("indicators = %+v, want one entry", snap.Indicators)
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Count = %d, want 2", snap.Indicators[0].Count)
	}

	w.Reset()
	if got := w.Snapshot(); len(got.Stages) != 0 || len(got.Indicators) != 0 {
		t.Fatalf("Reset() left data: %+v", got)
	}
}
