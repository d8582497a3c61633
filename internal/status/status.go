// Package status derives presentation state from the domain model and the
// current time. Everything here is a pure function; nothing is ever stored.
package status

import (
	"sort"
	"time"

	"fleetline/internal/domain"
)

// Badge labels, in priority order.
const (
	BadgeCompleted = "Completed"
	BadgeJustified = "Justified"
	BadgeLate      = "Late"
	BadgeWaiting   = "Waiting"
)

// IsLate reports whether a stop is past its ETA and still pending. A stop
// exactly at its ETA is not late; only a strictly later clock counts.
func IsLate(stop domain.Stop, now time.Time) bool {
	return stop.Status == domain.StopPending && now.UnixMilli() > stop.ETA
}

// DelayMinutes returns whole minutes past the ETA. Only meaningful when
// IsLate holds; callers on on-time stops get a non-positive value.
func DelayMinutes(stop domain.Stop, now time.Time) int {
	return int((now.UnixMilli() - stop.ETA) / 60000)
}

// Badge returns the display badge for a stop: Completed > Justified > Late >
// Waiting. Late outranks Waiting only while the stop is pending and past ETA.
func Badge(stop domain.Stop, now time.Time) string {
	switch stop.Status {
	case domain.StopCompleted:
		return BadgeCompleted
	case domain.StopLateJustified:
		return BadgeJustified
	}
	if IsLate(stop, now) {
		return BadgeLate
	}
	return BadgeWaiting
}

// Efficiency returns the completed share of accountable stops as a
// percentage. A stop is accountable when it is completed, justified,
// unjustified-late, or pending past its ETA; a pending stop that is not yet
// due neither penalizes nor inflates the score. No accountable stops means
// 100.
func Efficiency(stops []domain.Stop, now time.Time) int {
	completed := 0
	accountable := 0
	for _, s := range stops {
		switch s.Status {
		case domain.StopCompleted:
			completed++
			accountable++
		case domain.StopLateJustified, domain.StopLateNotJustified:
			accountable++
		case domain.StopPending:
			if IsLate(s, now) {
				accountable++
			}
		}
	}
	if accountable == 0 {
		return 100
	}
	return completed * 100 / accountable
}

// SortStops orders a view: late-and-pending stops before on-time-pending and
// settled ones, ties broken by ascending ETA. The input is left untouched.
func SortStops(stops []domain.Stop, now time.Time) []domain.Stop {
	out := append([]domain.Stop(nil), stops...)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := IsLate(out[i], now), IsLate(out[j], now)
		if li != lj {
			return li
		}
		return out[i].ETA < out[j].ETA
	})
	return out
}

// VehicleLate reports whether any stop of the vehicle is currently late.
// Cancelled vehicles are excluded from all active views and never count.
func VehicleLate(v domain.Vehicle, now time.Time) bool {
	if v.Status == domain.VehicleCancelled {
		return false
	}
	for _, s := range v.Stops {
		if IsLate(s, now) {
			return true
		}
	}
	return false
}

// ActiveVehicles filters out cancelled vehicles.
func ActiveVehicles(vehicles []domain.Vehicle) []domain.Vehicle {
	var out []domain.Vehicle
	for _, v := range vehicles {
		if v.Status != domain.VehicleCancelled {
			out = append(out, v)
		}
	}
	return out
}
