// Package engine holds the immutable configuration shared by the core alert
// components.
package engine

import (
	"time"

	"github.com/rewired-gh/watchdigest/internal/models"
)

// DefaultStaleness is how long a stored hit survives before append prunes it.
const DefaultStaleness = 24 * time.Hour

// Config is built once at process start and passed by value to every core
// component.
type Config struct {
	// Location is the reference timezone that defines day boundaries.
	Location *time.Location
	// Staleness bounds the age of records kept in a partition.
	Staleness time.Duration
	// Defaults are the system thresholds a Default user setting resolves to.
	Defaults models.Thresholds
}

// New returns a Config with the given timezone and defaults. A nil location
// means UTC and a non-positive staleness means DefaultStaleness.
func New(loc *time.Location, staleness time.Duration, defaults models.Thresholds) Config {
	if loc == nil {
		loc = time.UTC
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return Config{Location: loc, Staleness: staleness, Defaults: defaults}
}

// DayKey formats t as YYYY-MM-DD in the reference timezone.
func (c Config) DayKey(t time.Time) string {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
