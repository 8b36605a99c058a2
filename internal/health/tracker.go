// Package health keeps a per-component view of control-plane health for the
// liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// MarshalJSON renders the level as its token.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Component is one named entry of a snapshot.
type Component struct {
	Name      string    `json:"name"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Component
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]Component),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Setf records the status of a component, replacing any previous entry.
func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.mu.Lock()
	t.statuses[name] = Component{Name: name, Level: level, Message: msg, UpdatedAt: t.now()}
	t.mu.Unlock()
}

func (t *Tracker) Status(name string) (Component, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.statuses[name]
	return c, ok
}

// Snapshot returns all components sorted by name.
func (t *Tracker) Snapshot() []Component {
	t.mu.RLock()
	out := make([]Component, 0, len(t.statuses))
	for _, c := range t.statuses {
		out = append(out, c)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst level across all components.
func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, c := range t.statuses {
		if c.Level > worst {
			worst = c.Level
		}
	}
	return worst
}

// Ready reports whether every required component exists and is OK.
func (t *Tracker) Ready(required ...string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range required {
		c, ok := t.statuses[name]
		if !ok || c.Level > LevelOK {
			return false
		}
	}
	return true
}
