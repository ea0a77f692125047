package metrics

import (
	"testing"
	"time"
)

// TestSetComponent tests recording and reading component state
func TestSetComponent(t *testing.T) {
	SetComponent("workers", true, "")

	comps := Components()
	comp, ok := comps["workers"]
	if !ok {
		t.Fatal("Components() missing registered component")
	}
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Name != "workers" {
		t.Errorf("component name = %q, want %q", comp.Name, "workers")
	}
	if comp.Updated.IsZero() {
		t.Error("component updated timestamp is zero")
	}
}

// TestSetComponentUpdate tests that re-reporting flips the state
func TestSetComponentUpdate(t *testing.T) {
	SetComponent("scheduler", true, "")
	SetComponent("scheduler", false, "redis unreachable")

	comps := Components()
	comp := comps["scheduler"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "redis unreachable" {
		t.Errorf("component message = %q, want %q", comp.Message, "redis unreachable")
	}

	SetComponent("scheduler", true, "")
	if comp := Components()["scheduler"]; !comp.Healthy {
		t.Error("component should be healthy after recovery")
	}
}

// TestHealthy tests aggregate health across components
func TestHealthy(t *testing.T) {
	SetComponent("watcher", true, "")
	SetComponent("sampler", true, "")

	if ok, failing := Healthy(); !ok {
		t.Errorf("Healthy() = false, failing = %v, want healthy", failing)
	}

	SetComponent("sampler", false, "ssh timeout")
	ok, failing := Healthy()
	if ok {
		t.Error("Healthy() = true with a failing component")
	}
	found := false
	for _, name := range failing {
		if name == "sampler" {
			found = true
		}
	}
	if !found {
		t.Errorf("failing = %v, want to contain %q", failing, "sampler")
	}

	// Recover so later tests see a clean registry.
	SetComponent("sampler", true, "")
}

// TestComponentsSnapshot tests that the returned map is a copy
func TestComponentsSnapshot(t *testing.T) {
	SetComponent("collector", true, "")

	comps := Components()
	comps["collector"] = ComponentHealth{Name: "collector", Healthy: false}

	if comp := Components()["collector"]; !comp.Healthy {
		t.Error("mutating the snapshot must not touch the registry")
	}
}

// TestUptime tests that uptime is positive and increasing
func TestUptime(t *testing.T) {
	first := Uptime()
	if first <= 0 {
		t.Errorf("Uptime() = %v, want > 0", first)
	}

	time.Sleep(10 * time.Millisecond)
	if second := Uptime(); second <= first {
		t.Errorf("Uptime() should increase: first=%v, second=%v", first, second)
	}
}
