package server

import (
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/status"
)

// StopView is a stop decorated with the derived presentation fields.
type StopView struct {
	UnitID       string  `json:"unit_id"`
	UnitName     string  `json:"unit_name,omitempty"`
	Type         string  `json:"type"`
	ETA          int64   `json:"eta"`
	Status       string  `json:"status"`
	Badge        string  `json:"badge"`
	DelayMinutes int     `json:"delay_minutes,omitempty"`
	ServicedAt   *int64  `json:"serviced_at,omitempty"`
	EmployeeID   *string `json:"employee_id,omitempty"`
	PhotoCount   int     `json:"photo_count"`
}

// VehicleView is a vehicle decorated with lateness and efficiency.
type VehicleView struct {
	ID         string     `json:"id"`
	Number     string     `json:"number"`
	Route      string     `json:"route,omitempty"`
	Status     string     `json:"status"`
	Late       bool       `json:"late"`
	Efficiency int        `json:"efficiency"`
	Stops      []StopView `json:"stops"`
}

func stopView(snap domain.AppState, s domain.Stop, now time.Time) StopView {
	view := StopView{
		UnitID:     s.UnitID,
		Type:       s.Type,
		ETA:        s.ETA,
		Status:     s.Status,
		Badge:      status.Badge(s, now),
		ServicedAt: s.ServicedAt,
		EmployeeID: s.EmployeeID,
		PhotoCount: len(s.Photos),
	}
	if u := snap.Unit(s.UnitID); u != nil {
		view.UnitName = u.Name
	}
	if status.IsLate(s, now) {
		view.DelayMinutes = status.DelayMinutes(s, now)
	}
	return view
}

func vehicleView(snap domain.AppState, v domain.Vehicle, now time.Time) VehicleView {
	view := VehicleView{
		ID:         v.ID,
		Number:     v.Number,
		Route:      v.Route,
		Status:     v.Status,
		Late:       status.VehicleLate(v, now),
		Efficiency: status.Efficiency(v.Stops, now),
		Stops:      make([]StopView, 0, len(v.Stops)),
	}
	for _, s := range status.SortStops(v.Stops, now) {
		view.Stops = append(view.Stops, stopView(snap, s, now))
	}
	return view
}

// UserView never carries the password.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	UnitID   string `json:"unit_id,omitempty"`
}

func userView(u domain.UserAccount) UserView {
	return UserView{ID: u.ID, Username: u.Username, Role: u.Role, UnitID: u.UnitID}
}
