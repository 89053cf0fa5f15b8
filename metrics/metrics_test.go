package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/rflandau/lludp/internal/testsupport"
	"github.com/rflandau/lludp/metrics"
)

func TestNewPrivateRegistries(t *testing.T) {
	// two private registries must not collide
	a, b := metrics.New(nil), metrics.New(nil)
	a.Resends.Inc()
	if got := testutil.ToFloat64(a.Resends); got != 1 {
		t.Error("bad counter", ExpectedActual(1.0, got))
	}
	if got := testutil.ToFloat64(b.Resends); got != 0 {
		t.Error("registries share state", ExpectedActual(0.0, got))
	}
}

func TestGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RelayForwarded.WithLabelValues(metrics.Incoming).Add(3)
	g, ok := m.Gatherer()
	if !ok {
		t.Fatal("registry should be a gatherer")
	}
	n, err := testutil.GatherAndCount(g, "lludp_relay_forwarded_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Error("bad series count", ExpectedActual(1, n))
	}
}
