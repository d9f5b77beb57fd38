package models

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// ThresholdState distinguishes "use the system default" from "explicitly
// disabled" from "explicit value".
type ThresholdState int

const (
	ThresholdDefault ThresholdState = iota
	ThresholdDisabled
	ThresholdValue
)

// Threshold is a three-state numeric setting. The zero value is Default.
type Threshold struct {
	State ThresholdState
	Value float64
}

// DefaultThreshold defers to the system default.
func DefaultThreshold() Threshold { return Threshold{} }

// Disabled turns the trigger off.
func Disabled() Threshold { return Threshold{State: ThresholdDisabled} }

// Value pins an explicit value.
func Value(v float64) Threshold { return Threshold{State: ThresholdValue, Value: v} }

// IsZero reports whether t is Default.
func (t Threshold) IsZero() bool { return t.State == ThresholdDefault }

// Resolve returns the effective value and whether the trigger is enabled.
// Default defers to def; a Default def counts as disabled.
func (t Threshold) Resolve(def Threshold) (float64, bool) {
	switch t.State {
	case ThresholdValue:
		return t.Value, true
	case ThresholdDisabled:
		return 0, false
	}
	if def.State == ThresholdValue {
		return def.Value, true
	}
	return 0, false
}

func (t Threshold) String() string {
	switch t.State {
	case ThresholdDisabled:
		return "disabled"
	case ThresholdValue:
		return strconv.FormatFloat(t.Value, 'f', -1, 64)
	}
	return "default"
}

// Thresholds groups every three-state numeric preference. The same shape
// carries the system defaults.
type Thresholds struct {
	UpPercent    Threshold
	UpDollar     Threshold
	DownPercent  Threshold
	DownDollar   Threshold
	MinPrice     Threshold
	HiloMinPrice Threshold
}

// UserPreference is the per-user configuration read by the filter and the
// digest assembler.
type UserPreference struct {
	Thresholds
	HiddenSectors     []string
	ActiveFilters     []string
	WatchlistOverride *bool
	EmailEnabled      bool
	Recipient         string
}

// OverrideEnabled reports whether watchlist members bypass sector and price
// filtering. Unset means true.
func (p *UserPreference) OverrideEnabled() bool {
	if p.WatchlistOverride == nil {
		return true
	}
	return *p.WatchlistOverride
}

// User is one entry of the user directory.
type User struct {
	ID          string
	Preferences UserPreference
	CreatedAt   time.Time
}

// Validate checks user field constraints.
func (u *User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user ID must not be empty")
	}
	return nil
}

// TargetDirection is the side a pinned price target fires on.
type TargetDirection string

const (
	TargetAbove TargetDirection = "above"
	TargetBelow TargetDirection = "below"
)

// WatchlistEntry is one instrument on a user's watchlist, optionally with a
// pinned price target.
type WatchlistEntry struct {
	ShareID         string
	UserID          string
	Code            string
	TargetPrice     string
	TargetDirection TargetDirection
	TargetDisabled  bool
	AddedAt         time.Time
}

// Validate checks watchlist entry constraints.
func (w *WatchlistEntry) Validate() error {
	if strings.TrimSpace(w.UserID) == "" {
		return errors.New("watchlist user ID must not be empty")
	}
	if NormalizeCode(w.Code) == "" {
		return errors.New("watchlist code must not be empty")
	}
	switch w.TargetDirection {
	case "", TargetAbove, TargetBelow:
	default:
		return errors.New("target direction must be above or below")
	}
	return nil
}

// Target parses the pinned target. ok is false when no usable target is
// configured: disabled, missing direction, or a value that is not a finite
// positive number.
func (w *WatchlistEntry) Target() (price float64, ok bool) {
	if w.TargetDisabled {
		return 0, false
	}
	if w.TargetDirection != TargetAbove && w.TargetDirection != TargetBelow {
		return 0, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(w.TargetPrice), "$"))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}
