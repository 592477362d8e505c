// Package stormguard implements per-session admission control. Admitted
// events are counted in a sliding window; crossing the threshold switches
// the guard into a suppressed state for a cooldown, after which a single
// aggregate Notice reports how many events were held back.
package stormguard

import (
	"time"
)

// Config holds storm guard settings.
type Config struct {
	Window    time.Duration // Sliding window length (default: 10s)
	Threshold int           // Admitted events allowed per window (default: 30)
	Cooldown  time.Duration // Suppression duration (default: 10s)
}

// DefaultConfig returns default storm guard settings.
func DefaultConfig() Config {
	return Config{
		Window:    10 * time.Second,
		Threshold: 30,
		Cooldown:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Notice summarizes one suppression period.
type Notice struct {
	SuppressedCount int       `json:"suppressed_count"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
}

// Guard is the storm guard state of one session. It is not safe for
// concurrent use; the owning session serializes access.
type Guard struct {
	cfg Config

	// admitted holds timestamps of admitted events, oldest first.
	admitted []time.Time

	suppressed      bool
	deadline        time.Time
	suppressedCount int
	suppressedSince time.Time
}

// New creates a guard. Zero config values fall back to defaults.
func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		cfg:      cfg,
		admitted: make([]time.Time, 0, cfg.Threshold),
	}
}

// Config returns the active configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// Reconfigure replaces the configuration. An ongoing suppression keeps its
// deadline; the window is trimmed to the new threshold.
func (g *Guard) Reconfigure(cfg Config) {
	g.cfg = cfg.withDefaults()
	if over := len(g.admitted) - g.cfg.Threshold; over > 0 {
		g.admitted = append(g.admitted[:0], g.admitted[over:]...)
	}
}

// Admit decides whether an event observed at now may pass. If a cooldown
// expired before now, the pending notice is returned alongside the decision
// and the event is judged against a fresh window.
func (g *Guard) Admit(now time.Time) (bool, *Notice) {
	notice := g.Tick(now)

	if g.suppressed {
		g.suppressedCount++
		return false, notice
	}

	g.prune(now)

	if len(g.admitted) >= g.cfg.Threshold {
		g.suppressed = true
		g.deadline = now.Add(g.cfg.Cooldown)
		g.suppressedSince = now
		g.suppressedCount = 1
		return false, notice
	}

	g.admitted = append(g.admitted, now)
	return true, notice
}

// Tick ends the suppression if its cooldown has expired and returns the
// aggregate notice. It returns nil otherwise.
func (g *Guard) Tick(now time.Time) *Notice {
	if !g.suppressed || now.Before(g.deadline) {
		return nil
	}
	return g.release(g.deadline)
}

// Flush ends any ongoing suppression immediately, as on session end.
func (g *Guard) Flush(now time.Time) *Notice {
	if !g.suppressed {
		return nil
	}
	end := now
	if end.After(g.deadline) {
		end = g.deadline
	}
	return g.release(end)
}

// Suppressed reports whether the guard is holding events back.
func (g *Guard) Suppressed() bool {
	return g.suppressed
}

// Pending returns the number of events suppressed so far in the current
// suppression period.
func (g *Guard) Pending() int {
	return g.suppressedCount
}

// Deadline returns the end of the current cooldown, or the zero time.
func (g *Guard) Deadline() time.Time {
	if !g.suppressed {
		return time.Time{}
	}
	return g.deadline
}

// Reset clears all state without emitting a notice.
func (g *Guard) Reset() {
	g.admitted = g.admitted[:0]
	g.suppressed = false
	g.deadline = time.Time{}
	g.suppressedCount = 0
	g.suppressedSince = time.Time{}
}

func (g *Guard) release(end time.Time) *Notice {
	n := &Notice{
		SuppressedCount: g.suppressedCount,
		WindowStart:     g.suppressedSince,
		WindowEnd:       end,
	}
	g.Reset()
	return n
}

// prune drops timestamps that left the window.
func (g *Guard) prune(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)

	idx := 0
	for idx < len(g.admitted) && !g.admitted[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(g.admitted, g.admitted[idx:])
		g.admitted = g.admitted[:len(g.admitted)-idx]
	}
}
