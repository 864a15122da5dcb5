package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)

	first.Admission("admitted")
	second.Admission("admitted")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var got float64
	for _, mf := range families {
		if mf.GetName() != "fleetgoal_admission_decisions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			got += m.GetCounter().GetValue()
		}
	}
	if got != 2 {
		t.Fatalf("expected both instances to share the counter, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePing("NOOP", time.Millisecond)
	m.Admission("cap")
	m.LockAttempt("deploy", "busy")
	m.DeployTransition("RUNNING", "SUCCEEDING")
	m.Notification("deploy.state", "sent")
	m.CacheLookup("deploy", true)
}
