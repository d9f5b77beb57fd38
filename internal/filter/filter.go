// Package filter decides whether a market event is relevant to one user.
package filter

import (
	"math"
	"strings"

	"github.com/rewired-gh/watchdigest/internal/models"
)

// Qualifies reports whether event passes the user's preferences, in order:
//
//  1. sector blocklist (always evaluated, wins over everything)
//  2. sector allowlist, industry before sector (skipped on bypass)
//  3. price floor: MinPrice for movers, HiloMinPrice for 52-week events (skipped on bypass)
//  4. directional thresholds, percent OR dollar (never skipped)
//
// defaults are the system values a Default threshold resolves to.
func Qualifies(event models.MarketEvent, prefs models.UserPreference, bypass bool, defaults models.Thresholds) bool {
	if Hidden(event, prefs.HiddenSectors) {
		return false
	}

	if !bypass {
		if len(prefs.ActiveFilters) > 0 && !Allowed(event, prefs.ActiveFilters) {
			return false
		}
		floor, floorDef := prefs.MinPrice, defaults.MinPrice
		if event.Direction == models.DirectionHigh || event.Direction == models.DirectionLow {
			floor, floorDef = prefs.HiloMinPrice, defaults.HiloMinPrice
		}
		if !PassesPriceFloor(event.Live, floor, floorDef) {
			return false
		}
	}

	switch event.Direction {
	case models.DirectionUp:
		return directional(event.PctChange, event.Change, prefs.UpPercent, defaults.UpPercent, prefs.UpDollar, defaults.UpDollar)
	case models.DirectionDown:
		return directional(math.Abs(event.PctChange), math.Abs(event.Change), prefs.DownPercent, defaults.DownPercent, prefs.DownDollar, defaults.DownDollar)
	}
	return true
}

// Bypass grants the watchlist override: the code is watched and the user has
// not turned the override off.
func Bypass(code string, watched map[string]bool, prefs models.UserPreference) bool {
	return watched[models.NormalizeCode(code)] && prefs.OverrideEnabled()
}

// PassesPriceFloor reports whether live clears the resolved floor. A disabled
// floor always passes.
func PassesPriceFloor(live float64, floor, def models.Threshold) bool {
	min, ok := floor.Resolve(def)
	if !ok {
		return true
	}
	return live >= min
}

// Hidden reports whether the event's sector or industry is blocklisted.
func Hidden(event models.MarketEvent, hidden []string) bool {
	if len(hidden) == 0 {
		return false
	}
	set := toSet(hidden)
	return set[fold(event.Sector)] || set[fold(event.Industry)]
}

// Allowed reports whether the event matches the allowlist, checking the more
// specific industry first.
func Allowed(event models.MarketEvent, active []string) bool {
	set := toSet(active)
	if ind := fold(event.Industry); ind != "" && set[ind] {
		return true
	}
	if sec := fold(event.Sector); sec != "" && set[sec] {
		return true
	}
	return false
}

// directional applies the percent-or-dollar rule. Up moves compare the raw
// values, down moves their magnitudes. When neither trigger is enabled the
// direction is unconstrained.
func directional(pct, change float64, pctT, pctDef, dollarT, dollarDef models.Threshold) bool {
	pctMin, pctOn := pctT.Resolve(pctDef)
	dollarMin, dollarOn := dollarT.Resolve(dollarDef)
	if !pctOn && !dollarOn {
		return true
	}
	if pctOn && pct >= pctMin {
		return true
	}
	if dollarOn && change >= dollarMin {
		return true
	}
	return false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if k := fold(v); k != "" {
			set[k] = true
		}
	}
	return set
}

func fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
