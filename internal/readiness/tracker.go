// Package readiness tracks which surfaces have announced themselves ready.
package readiness

import (
	"sync"

	"github.com/aelexs/captionsync/pkg/protocol"
)

// Component names a non-tab surface.
type Component string

const (
	Background Component = "background"
	Popup      Component = "popup"
)

// Tracker holds per-surface readiness flags. A tab that never announced
// itself is absent and reports not ready. Entries are never deleted.
type Tracker struct {
	mu         sync.RWMutex
	background bool
	popup      bool
	tabs       map[protocol.TabID]bool
}

// NewTracker creates a Tracker with every surface not ready.
func NewTracker() *Tracker {
	return &Tracker{tabs: make(map[protocol.TabID]bool)}
}

// MarkReady sets the readiness of a component. Unknown components are ignored.
func (t *Tracker) MarkReady(c Component, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c {
	case Background:
		t.background = ready
	case Popup:
		t.popup = ready
	}
}

// MarkTabReady sets the readiness of a tab.
func (t *Tracker) MarkTabReady(id protocol.TabID, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs[id] = ready
}

// IsReady reports whether target can receive a direct delivery.
// The all target is always ready; per-recipient failures are handled by the sender.
func (t *Tracker) IsReady(target protocol.Target) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch target.Kind {
	case protocol.TargetAll:
		return true
	case protocol.TargetBackground:
		return t.background
	case protocol.TargetPopup:
		return t.popup
	case protocol.TargetTab:
		return t.tabs[target.TabID]
	default:
		return false
	}
}

// Mark sets readiness for whichever surface target addresses.
func (t *Tracker) Mark(target protocol.Target, ready bool) {
	switch target.Kind {
	case protocol.TargetBackground:
		t.MarkReady(Background, ready)
	case protocol.TargetPopup:
		t.MarkReady(Popup, ready)
	case protocol.TargetTab:
		t.MarkTabReady(target.TabID, ready)
	}
}

// State is a point-in-time copy of the tracker.
type State struct {
	Background bool                    `json:"backgroundReady"`
	Popup      bool                    `json:"popupReady"`
	Tabs       map[protocol.TabID]bool `json:"tabReady"`
}

// Snapshot returns a copy of the current readiness flags.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tabs := make(map[protocol.TabID]bool, len(t.tabs))
	for id, r := range t.tabs {
		tabs[id] = r
	}
	return State{Background: t.background, Popup: t.popup, Tabs: tabs}
}
