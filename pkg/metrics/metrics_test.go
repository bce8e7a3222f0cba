package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.LockAcquires.WithLabelValues("acquired").Inc()
	m.RateLimitRequests.WithLabelValues("api", "denied").Add(2)
	m.LoadFactor.Set(0.9)

	if got := testutil.ToFloat64(m.LockAcquires.WithLabelValues("acquired")); got != 1 {
		t.Errorf("acquires = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitRequests.WithLabelValues("api", "denied")); got != 2 {
		t.Errorf("denied = %v, want 2", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "gatekeep_ratelimit_load_factor" {
			found = true
		}
	}
	if !found {
		t.Error("expected gatekeep_ratelimit_load_factor to be registered")
	}
}

func TestRegistryWithConfig(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistryWithConfig(Config{
		Registry:  reg,
		Namespace: "edge",
		Labels:    prometheus.Labels{"instance": "a"},
	})
	m.LoginLockouts.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "edge_login_lockouts_total" {
			continue
		}
		lbls := f.GetMetric()[0].GetLabel()
		if len(lbls) != 1 || lbls[0].GetValue() != "a" {
			t.Errorf("unexpected labels %v", lbls)
		}
		return
	}
	t.Error("edge_login_lockouts_total not found")
}

func TestDiscardIsolated(t *testing.T) {
	// Two discard registries must not collide on registration.
	a := Discard()
	b := Discard()
	a.AuditDropped.Inc()
	if testutil.ToFloat64(b.AuditDropped) != 0 {
		t.Error("discard registries should be independent")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Namespace != DefaultNamespace {
		t.Errorf("namespace = %q, want %q", cfg.Namespace, DefaultNamespace)
	}
	if cfg.Registry != prometheus.DefaultRegisterer {
		t.Error("expected the default registerer")
	}
}
