// Package settings holds the user configuration supplied by the settings
// collaborator and its single-document JSON import/export format.
package settings

import (
	"strings"
	"time"

	"github.com/good-yellow-bee/blazecatch/internal/history"
	"github.com/good-yellow-bee/blazecatch/internal/rules"
	"github.com/good-yellow-bee/blazecatch/internal/stormguard"
)

// StormGuard is the storm guard section in milliseconds.
type StormGuard struct {
	WindowMs   int64 `json:"window_ms" yaml:"window_ms"`
	Threshold  int   `json:"threshold" yaml:"threshold"`
	CooldownMs int64 `json:"cooldown_ms" yaml:"cooldown_ms"`
}

// Config converts the section to a guard configuration.
func (s StormGuard) Config() stormguard.Config {
	return stormguard.Config{
		Window:    time.Duration(s.WindowMs) * time.Millisecond,
		Threshold: s.Threshold,
		Cooldown:  time.Duration(s.CooldownMs) * time.Millisecond,
	}
}

// Settings is the full user configuration.
type Settings struct {
	Rules              []rules.Rule    `json:"-" yaml:"-"`
	StormGuard         StormGuard      `json:"storm_guard" yaml:"storm_guard"`
	RingBufferCapacity int             `json:"ring_buffer_capacity" yaml:"ring_buffer_capacity"`
	PerSiteEnabled     map[string]bool `json:"per_site_enabled,omitempty" yaml:"per_site_enabled,omitempty"`
}

// Default returns settings with no rules and default limits.
func Default() *Settings {
	guard := stormguard.DefaultConfig()
	return &Settings{
		StormGuard: StormGuard{
			WindowMs:   guard.Window.Milliseconds(),
			Threshold:  guard.Threshold,
			CooldownMs: guard.Cooldown.Milliseconds(),
		},
		RingBufferCapacity: history.DefaultCapacity,
		PerSiteEnabled:     map[string]bool{},
	}
}

// SetDefaults fills zero values and canonicalizes hostnames.
func (s *Settings) SetDefaults() {
	d := Default()
	if s.StormGuard.WindowMs <= 0 {
		s.StormGuard.WindowMs = d.StormGuard.WindowMs
	}
	if s.StormGuard.Threshold <= 0 {
		s.StormGuard.Threshold = d.StormGuard.Threshold
	}
	if s.StormGuard.CooldownMs <= 0 {
		s.StormGuard.CooldownMs = d.StormGuard.CooldownMs
	}
	if s.RingBufferCapacity <= 0 {
		s.RingBufferCapacity = d.RingBufferCapacity
	}
	sites := make(map[string]bool, len(s.PerSiteEnabled))
	for host, enabled := range s.PerSiteEnabled {
		sites[canonicalHost(host)] = enabled
	}
	s.PerSiteEnabled = sites
}

// SiteEnabled reports whether capture is enabled for hostname. Hosts that
// are not listed are enabled.
func (s *Settings) SiteEnabled(hostname string) bool {
	enabled, ok := s.PerSiteEnabled[canonicalHost(hostname)]
	return !ok || enabled
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	c := *s
	c.Rules = make([]rules.Rule, len(s.Rules))
	for i := range s.Rules {
		c.Rules[i] = *s.Rules[i].Clone()
	}
	c.PerSiteEnabled = make(map[string]bool, len(s.PerSiteEnabled))
	for k, v := range s.PerSiteEnabled {
		c.PerSiteEnabled[k] = v
	}
	return &c
}

func canonicalHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
