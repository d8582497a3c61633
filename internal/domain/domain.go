package domain

import "time"

// Stop statuses.
const (
	StopPending          = "PENDING"
	StopCompleted        = "COMPLETED"
	StopLateJustified    = "LATE_JUSTIFIED"
	StopLateNotJustified = "LATE_NOT_JUSTIFIED"
)

// Stop types.
const (
	StopTypeOrigin       = "ORIGIN"
	StopTypeIntermediate = "INTERMEDIATE"
	StopTypeDestination  = "DESTINATION"
)

// Vehicle statuses. The vehicle-level status exists for legacy single-stop
// trips and for cancellation; the per-stop statuses carry the real lifecycle.
const (
	VehiclePending   = "PENDING"
	VehicleCompleted = "COMPLETED"
	VehicleCancelled = "CANCELLED"
)

// Justification review statuses.
const (
	ReviewPending  = "PENDING"
	ReviewApproved = "APPROVED"
	ReviewRejected = "REJECTED"
)

// Account roles.
const (
	RoleAdmin = "admin"
	RoleUnit  = "unit"
)

// Unit is a physical site that can appear as an origin, intermediate or
// destination stop.
type Unit struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Location         string `json:"location,omitempty"`
	AlarmIntervalMin int    `json:"alarm_interval_min,omitempty"`
}

// Stop is one scheduled touch-point of a vehicle at a unit. ETA and the
// service stamp are epoch milliseconds, matching the remote document format.
// Photos hold compressed images as data URLs; they are stripped from state
// pushes and travel only on the per-event log channel.
type Stop struct {
	UnitID     string   `json:"unit_id"`
	Type       string   `json:"type" enum:"ORIGIN,INTERMEDIATE,DESTINATION"`
	ETA        int64    `json:"eta"`
	Status     string   `json:"status" enum:"PENDING,COMPLETED,LATE_JUSTIFIED,LATE_NOT_JUSTIFIED"`
	ServicedAt *int64   `json:"serviced_at,omitempty"`
	EmployeeID *string  `json:"employee_id,omitempty"`
	Photos     []string `json:"photos,omitempty"`
}

// Vehicle is a trip through an ordered sequence of stops.
type Vehicle struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	Route  string `json:"route,omitempty"`
	Stops  []Stop `json:"stops"`
	Status string `json:"status" enum:"PENDING,COMPLETED,CANCELLED"`
}

// Justification is a driver-submitted explanation for a late stop. Narrative
// starts as a placeholder and is replaced in place once the async analysis
// resolves.
type Justification struct {
	ID           string `json:"id"`
	VehicleID    string `json:"vehicle_id"`
	UnitID       string `json:"unit_id"`
	Category     string `json:"category"`
	Text         string `json:"text,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	Review       string `json:"review" enum:"PENDING,APPROVED,REJECTED"`
	AdminComment string `json:"admin_comment,omitempty"`
	Narrative    string `json:"narrative,omitempty"`
}

// Employee belongs to a unit and is soft-deleted via Active so historic stop
// references keep resolving.
type Employee struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	UnitID   string `json:"unit_id"`
	Active   bool   `json:"active"`
	Schedule string `json:"schedule,omitempty"`
}

// UserAccount is a flat-list login. Password is plaintext, kept for
// compatibility with the legacy account store.
type UserAccount struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role" enum:"admin,unit"`
	UnitID   string `json:"unit_id,omitempty"`
}

// AlarmLog records a late-stop alert and who silenced it.
type AlarmLog struct {
	ID          string `json:"id"`
	VehicleID   string `json:"vehicle_id"`
	UnitID      string `json:"unit_id"`
	TriggeredAt int64  `json:"triggered_at"`
	SilencedBy  string `json:"silenced_by,omitempty"`
	SilencedAt  *int64 `json:"silenced_at,omitempty"`
}

// TemplateStop is one entry of a route template; ETAOffsetMin is minutes from
// trip start.
type TemplateStop struct {
	UnitID       string `json:"unit_id"`
	Type         string `json:"type"`
	ETAOffsetMin int    `json:"eta_offset_min"`
}

// RouteTemplate derives a vehicle's stop sequence from a stored route.
type RouteTemplate struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Route string         `json:"route,omitempty"`
	Stops []TemplateStop `json:"stops"`
}

// AppState is the aggregate root. It is always replaced as a whole, never
// patched at the storage layer. CurrentUser is device-local and excluded from
// anything sent to the remote store.
type AppState struct {
	Units          []Unit          `json:"units"`
	Vehicles       []Vehicle       `json:"vehicles"`
	Justifications []Justification `json:"justifications"`
	Employees      []Employee      `json:"employees"`
	Users          []UserAccount   `json:"users"`
	Alarms         []AlarmLog      `json:"alarms"`
	Templates      []RouteTemplate `json:"templates"`
	CurrentUser    *UserAccount    `json:"current_user,omitempty"`
	RemoteURL      string          `json:"remote_url,omitempty"`
}

// Millis converts a wall-clock time to the wire timestamp format.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Vehicle returns the vehicle with the given id, or nil.
func (s *AppState) Vehicle(id string) *Vehicle {
	for i := range s.Vehicles {
		if s.Vehicles[i].ID == id {
			return &s.Vehicles[i]
		}
	}
	return nil
}

// StopAt returns the vehicle's stop for the given unit, or nil. Foreign keys
// are opaque; a dangling unit reference simply resolves to nothing.
func (v *Vehicle) StopAt(unitID string) *Stop {
	for i := range v.Stops {
		if v.Stops[i].UnitID == unitID {
			return &v.Stops[i]
		}
	}
	return nil
}

// Unit returns the unit with the given id, or nil.
func (s *AppState) Unit(id string) *Unit {
	for i := range s.Units {
		if s.Units[i].ID == id {
			return &s.Units[i]
		}
	}
	return nil
}

// Employee returns the employee with the given id, or nil.
func (s *AppState) Employee(id string) *Employee {
	for i := range s.Employees {
		if s.Employees[i].ID == id {
			return &s.Employees[i]
		}
	}
	return nil
}

// Justification returns the justification with the given id, or nil.
func (s *AppState) Justification(id string) *Justification {
	for i := range s.Justifications {
		if s.Justifications[i].ID == id {
			return &s.Justifications[i]
		}
	}
	return nil
}

// UserByName returns the account with the given username, or nil.
func (s *AppState) UserByName(username string) *UserAccount {
	for i := range s.Users {
		if s.Users[i].Username == username {
			return &s.Users[i]
		}
	}
	return nil
}

// UserByID returns the account with the given id, or nil.
func (s *AppState) UserByID(id string) *UserAccount {
	for i := range s.Users {
		if s.Users[i].ID == id {
			return &s.Users[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the aggregate. Mutations always operate on a
// clone so readers observe either the pre- or post-mutation snapshot.
func (s AppState) Clone() AppState {
	out := s
	out.Units = append([]Unit(nil), s.Units...)
	out.Vehicles = make([]Vehicle, len(s.Vehicles))
	for i, v := range s.Vehicles {
		cv := v
		cv.Stops = make([]Stop, len(v.Stops))
		for j, st := range v.Stops {
			cs := st
			if st.ServicedAt != nil {
				ts := *st.ServicedAt
				cs.ServicedAt = &ts
			}
			if st.EmployeeID != nil {
				id := *st.EmployeeID
				cs.EmployeeID = &id
			}
			cs.Photos = append([]string(nil), st.Photos...)
			cv.Stops[j] = cs
		}
		out.Vehicles[i] = cv
	}
	out.Justifications = append([]Justification(nil), s.Justifications...)
	out.Employees = append([]Employee(nil), s.Employees...)
	out.Users = append([]UserAccount(nil), s.Users...)
	out.Alarms = make([]AlarmLog, len(s.Alarms))
	for i, a := range s.Alarms {
		ca := a
		if a.SilencedAt != nil {
			ts := *a.SilencedAt
			ca.SilencedAt = &ts
		}
		out.Alarms[i] = ca
	}
	out.Templates = make([]RouteTemplate, len(s.Templates))
	for i, tpl := range s.Templates {
		ct := tpl
		ct.Stops = append([]TemplateStop(nil), tpl.Stops...)
		out.Templates[i] = ct
	}
	if s.CurrentUser != nil {
		u := *s.CurrentUser
		out.CurrentUser = &u
	}
	return out
}
