package engine

import (
	"sort"
	"time"

	"flowsync/internal/tracker"
)

// EngagementThresholds are the server-tunable bounds for separating engaged
// work from idle-active input (mouse wiggling)
type EngagementThresholds struct {
	SustainedTypingPresses int `json:"sustained_typing_presses"`
	WindowChangesMin       int `json:"window_changes_min"`
	ScrollThreshold        int `json:"scroll_threshold"`
	CombinedPressesMin     int `json:"combined_presses_min"`
	CombinedScrollsMin     int `json:"combined_scrolls_min"`
	WindowMinutes          int `json:"window_minutes"`
}

// DefaultThresholds returns the baseline engagement thresholds
func DefaultThresholds() EngagementThresholds {
	return EngagementThresholds{
		SustainedTypingPresses: 50,
		WindowChangesMin:       2,
		ScrollThreshold:        10,
		CombinedPressesMin:     10,
		CombinedScrollsMin:     5,
		WindowMinutes:          5,
	}
}

// ActivityMetrics are raw input totals over a rolling window. They ship to
// the server alongside the client's classification so it can recompute
type ActivityMetrics struct {
	Presses       int `json:"presses"`
	Clicks        int `json:"clicks"`
	Scrolls       int `json:"scrolls"`
	WindowChanges int `json:"window_changes"`
}

// IsEngaged reports whether the metrics indicate real engagement
func (m ActivityMetrics) IsEngaged(t EngagementThresholds) bool {
	if m.Presses > t.SustainedTypingPresses {
		return true
	}
	if m.WindowChanges >= t.WindowChangesMin {
		return true
	}
	if m.Scrolls > t.ScrollThreshold {
		return true
	}
	if m.Presses > t.CombinedPressesMin && m.Scrolls > t.CombinedScrollsMin {
		return true
	}
	if m.Presses > t.CombinedPressesMin && m.WindowChanges >= 1 {
		return true
	}
	return false
}

// Analyzer keeps rolling windows of input and window events to classify
// activity as engaged vs idle-active. Not safe for concurrent use; the
// engine confines it to the sync call
type Analyzer struct {
	thresholds   EngagementThresholds
	inputEvents  []tracker.Event
	windowEvents []tracker.Event
	now          func() time.Time
}

// NewAnalyzer builds an analyzer with the given thresholds
func NewAnalyzer(t EngagementThresholds) *Analyzer {
	if t.WindowMinutes <= 0 {
		t = DefaultThresholds()
	}
	return &Analyzer{thresholds: t, now: time.Now}
}

// SetThresholds installs server-pushed thresholds
func (a *Analyzer) SetThresholds(t EngagementThresholds) {
	if t.WindowMinutes > 0 {
		a.thresholds = t
	}
}

// AddInputEvents merges input events, deduplicating by id and pruning
// anything older than twice the rolling window
func (a *Analyzer) AddInputEvents(events []tracker.Event) {
	a.inputEvents = a.merge(a.inputEvents, events)
}

// AddWindowEvents merges window events for switch counting
func (a *Analyzer) AddWindowEvents(events []tracker.Event) {
	a.windowEvents = a.merge(a.windowEvents, events)
}

func (a *Analyzer) merge(existing, incoming []tracker.Event) []tracker.Event {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[int64]bool, len(existing))
	for _, e := range existing {
		seen[e.ID] = true
	}
	for _, e := range incoming {
		if !seen[e.ID] {
			existing = append(existing, e)
			seen[e.ID] = true
		}
	}
	cutoff := a.now().Add(-2 * time.Duration(a.thresholds.WindowMinutes) * time.Minute)
	kept := existing[:0]
	for _, e := range existing {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp.Before(kept[j].Timestamp) })
	return kept
}

// MetricsAt computes totals over the window ending at ts
func (a *Analyzer) MetricsAt(ts time.Time) ActivityMetrics {
	start := ts.Add(-time.Duration(a.thresholds.WindowMinutes) * time.Minute)

	var m ActivityMetrics
	for _, e := range a.inputEvents {
		if inRange(e.Timestamp, start, ts) {
			m.Presses += e.Presses()
			m.Clicks += e.Clicks()
			m.Scrolls += e.Scrolls()
		}
	}
	m.WindowChanges = a.countWindowChanges(start, ts)
	return m
}

// StateAt classifies the instant ts as "active" or "idle-active"
func (a *Analyzer) StateAt(ts time.Time) string {
	if a.MetricsAt(ts).IsEngaged(a.thresholds) {
		return "active"
	}
	return "idle-active"
}

// countWindowChanges counts app or title transitions between consecutive
// window events in [start, end]
func (a *Analyzer) countWindowChanges(start, end time.Time) int {
	var inWindow []tracker.Event
	for _, e := range a.windowEvents {
		if inRange(e.Timestamp, start, end) {
			inWindow = append(inWindow, e)
		}
	}
	if len(inWindow) < 2 {
		return 0
	}
	changes := 0
	for i := 1; i < len(inWindow); i++ {
		prev, cur := inWindow[i-1], inWindow[i]
		if prev.App() != cur.App() || prev.Title() != cur.Title() {
			changes++
		}
	}
	return changes
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
