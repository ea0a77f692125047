package metrics

import (
	"sync"
	"time"
)

// ComponentHealth is the last reported state of one background
// subsystem (worker pool, scheduler, watcher, collector)
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

var health = &healthRegistry{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
}

// SetComponent records the state of a named subsystem. Loops call it
// once on start and again whenever their state flips.
func SetComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()

	health.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Components returns a snapshot of every registered subsystem keyed by
// name
func Components() map[string]ComponentHealth {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := make(map[string]ComponentHealth, len(health.components))
	for name, comp := range health.components {
		out[name] = comp
	}
	return out
}

// Healthy reports whether every registered subsystem is healthy and
// names the ones that are not
func Healthy() (bool, []string) {
	health.mu.RLock()
	defer health.mu.RUnlock()

	var failing []string
	for name, comp := range health.components {
		if !comp.Healthy {
			failing = append(failing, name)
		}
	}
	return len(failing) == 0, failing
}

// Uptime returns how long the process has been running
func Uptime() time.Duration {
	return time.Since(health.startTime)
}
