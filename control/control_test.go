package control

import (
	"testing"

	"github.com/momentics/fiberd/scheduler"
	"github.com/momentics/fiberd/session"
)

func TestRegisterSchedulerProbesReportsLiveQueueDepth(t *testing.T) {
	s := scheduler.New(1, false, "probe-test")
	s.Start()
	defer s.Stop()

	dp := NewDebugProbes()
	RegisterSchedulerProbes(dp, s)

	state := dp.DumpState()
	if _, ok := state["scheduler.probe-test.workers"]; !ok {
		t.Fatalf("expected a workers probe, got %v", state)
	}
	if got := state["scheduler.probe-test.workers"]; got != 1 {
		t.Fatalf("expected 1 worker, got %v", got)
	}
	if _, ok := state["scheduler.probe-test.queue_depth"]; !ok {
		t.Fatalf("expected a queue_depth probe, got %v", state)
	}
}

func TestRegisterSessionProbesReportsPendingCount(t *testing.T) {
	s := session.New(nil, session.Config{})

	dp := NewDebugProbes()
	RegisterSessionProbes(dp, "upstream", s)

	state := dp.DumpState()
	if got := state["session.upstream.pending"]; got != 0 {
		t.Fatalf("expected 0 pending requests on a fresh session, got %v", got)
	}
}

func TestMetricsSampleCopiesProbeValues(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("answer", func() any { return 42 })

	mr := NewMetricsRegistry()
	mr.Sample(dp)

	snap := mr.Snapshot()
	if snap["answer"] != 42 {
		t.Fatalf("expected sampled probe value 42, got %v", snap["answer"])
	}
	if mr.Updated().IsZero() {
		t.Fatalf("expected Updated to be set after Sample")
	}
}
