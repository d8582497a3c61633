package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/analysis"
	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/journal"
	"fleetline/internal/state"
	"fleetline/internal/status"
)

// narrativePending is the placeholder a justification carries until the
// async analysis resolves.
const narrativePending = "Analysis pending"

// TripEvent is the small self-contained record sent to the remote log
// channel when a stop is serviced or a justification is filed. Photos travel
// only here, never in the periodic state push.
type TripEvent struct {
	Kind          string   `json:"kind"`
	At            int64    `json:"at"`
	VehicleNumber string   `json:"vehicle_number"`
	Route         string   `json:"route,omitempty"`
	UnitID        string   `json:"unit_id"`
	UnitName      string   `json:"unit_name,omitempty"`
	StopType      string   `json:"stop_type,omitempty"`
	Actor         string   `json:"actor"`
	Outcome       string   `json:"outcome"`
	Photos        []string `json:"photos,omitempty"`
}

// EventSink receives trip events. Sends are fire-and-forget: not retried,
// and a failure must never affect local state.
type EventSink interface {
	Send(ctx context.Context, evt TripEvent)
}

// Engine mutates the application aggregate and enforces transition legality.
// Every mutation applies immediately and synchronously; persistence and sync
// react as subscribers of the state store.
type Engine struct {
	State      *state.Store
	Journal    journal.Writer
	Analyzer   analysis.Analyzer
	Compressor analysis.Compressor
	Remote     EventSink
	Config     *config.Config
	Logger     *log.Logger
	Now        func() time.Time

	// SaveSession persists the session record synchronously on login and
	// logout. Wired to the store adapter; kept as a field so tests can
	// observe session writes.
	SaveSession func(ctx context.Context, user *domain.UserAccount) error
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) analyzer() analysis.Analyzer {
	if e.Analyzer != nil {
		return e.Analyzer
	}
	return analysis.Unavailable{}
}

func (e Engine) compressor() analysis.Compressor {
	if e.Compressor != nil {
		return e.Compressor
	}
	return analysis.Passthrough{}
}

func (e Engine) journalAppend(ctx context.Context, evtType, entityKind, entityID, actorID string, payload journal.EventPayload) {
	if e.Journal.DB == nil {
		return
	}
	if err := e.Journal.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Printf("WARNING: journal %s: %v", evtType, err)
	}
}

func (e Engine) sendEvent(ctx context.Context, evt TripEvent) {
	if e.Remote == nil {
		return
	}
	e.Remote.Send(ctx, evt)
}

// --- authentication ---

// Login checks the flat account list and records the session. The session
// record is written synchronously so identity survives bulk-record failures.
func (e Engine) Login(ctx context.Context, username, password string) (domain.UserAccount, error) {
	snap := e.State.Snapshot()
	u := snap.UserByName(username)
	if u == nil || u.Password != password {
		return domain.UserAccount{}, errors.New("invalid username or password")
	}
	account := *u
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		cu := account
		st.CurrentUser = &cu
		return true
	})
	if e.SaveSession != nil {
		if err := e.SaveSession(ctx, &account); err != nil {
			return domain.UserAccount{}, fmt.Errorf("persist session: %w", err)
		}
	}
	e.journalAppend(ctx, "user.login", "user", account.ID, account.ID, nil)
	return account, nil
}

// Logout clears the session.
func (e Engine) Logout(ctx context.Context) error {
	var actor string
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		if st.CurrentUser == nil {
			return false
		}
		actor = st.CurrentUser.ID
		st.CurrentUser = nil
		return true
	})
	if e.SaveSession != nil {
		if err := e.SaveSession(ctx, nil); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
	}
	if actor != "" {
		e.journalAppend(ctx, "user.logout", "user", actor, actor, nil)
	}
	return nil
}

// --- units ---

type UnitOptions struct {
	ID               string
	Name             string
	Location         string
	AlarmIntervalMin int
}

func (e Engine) AddUnit(ctx context.Context, opts UnitOptions, actorID string) (domain.Unit, error) {
	if opts.Name == "" {
		return domain.Unit{}, errors.New("name is required")
	}
	u := domain.Unit{
		ID:               opts.ID,
		Name:             opts.Name,
		Location:         opts.Location,
		AlarmIntervalMin: opts.AlarmIntervalMin,
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		st.Units = append(st.Units, u)
		return true
	})
	e.journalAppend(ctx, "unit.created", "unit", u.ID, actorID, journal.EventPayload{"name": u.Name})
	return u, nil
}

func (e Engine) EditUnit(ctx context.Context, id string, opts UnitOptions, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		u := st.Unit(id)
		if u == nil {
			return false
		}
		if opts.Name != "" {
			u.Name = opts.Name
		}
		if opts.Location != "" {
			u.Location = opts.Location
		}
		if opts.AlarmIntervalMin > 0 {
			u.AlarmIntervalMin = opts.AlarmIntervalMin
		}
		return true
	})
	if changed {
		e.journalAppend(ctx, "unit.updated", "unit", id, actorID, nil)
	}
}

// DeleteUnit removes the unit only. Vehicles already created keep their stop
// references; they resolve to nothing at read time.
func (e Engine) DeleteUnit(ctx context.Context, id, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		for i := range st.Units {
			if st.Units[i].ID == id {
				st.Units = append(st.Units[:i], st.Units[i+1:]...)
				return true
			}
		}
		return false
	})
	if changed {
		e.journalAppend(ctx, "unit.deleted", "unit", id, actorID, nil)
	}
}

// --- vehicles ---

type StopOptions struct {
	UnitID string
	Type   string
	ETA    int64
}

type VehicleOptions struct {
	Number string
	Route  string
	Stops  []StopOptions
}

func (e Engine) AddVehicle(ctx context.Context, opts VehicleOptions, actorID string) (domain.Vehicle, error) {
	if opts.Number == "" {
		return domain.Vehicle{}, errors.New("number is required")
	}
	if len(opts.Stops) == 0 {
		return domain.Vehicle{}, errors.New("at least one stop is required")
	}
	snap := e.State.Snapshot()
	v := domain.Vehicle{
		ID:     uuid.New().String(),
		Number: opts.Number,
		Route:  opts.Route,
		Status: domain.VehiclePending,
	}
	for _, s := range opts.Stops {
		if snap.Unit(s.UnitID) == nil {
			return domain.Vehicle{}, fmt.Errorf("unit %s not found", s.UnitID)
		}
		stopType := s.Type
		if stopType == "" {
			stopType = domain.StopTypeDestination
		}
		v.Stops = append(v.Stops, domain.Stop{
			UnitID: s.UnitID,
			Type:   stopType,
			ETA:    s.ETA,
			Status: domain.StopPending,
		})
	}
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		st.Vehicles = append(st.Vehicles, v)
		return true
	})
	e.journalAppend(ctx, "vehicle.created", "vehicle", v.ID, actorID, journal.EventPayload{"number": v.Number, "stops": len(v.Stops)})
	return v, nil
}

// AddVehicleFromTemplate derives the stop sequence from a stored route
// template, offsetting each ETA from the given start.
func (e Engine) AddVehicleFromTemplate(ctx context.Context, templateID, number string, start time.Time, actorID string) (domain.Vehicle, error) {
	snap := e.State.Snapshot()
	var tpl *domain.RouteTemplate
	for i := range snap.Templates {
		if snap.Templates[i].ID == templateID {
			tpl = &snap.Templates[i]
			break
		}
	}
	if tpl == nil {
		return domain.Vehicle{}, fmt.Errorf("template %s not found", templateID)
	}
	opts := VehicleOptions{Number: number, Route: tpl.Route}
	for _, ts := range tpl.Stops {
		opts.Stops = append(opts.Stops, StopOptions{
			UnitID: ts.UnitID,
			Type:   ts.Type,
			ETA:    domain.Millis(start.Add(time.Duration(ts.ETAOffsetMin) * time.Minute)),
		})
	}
	return e.AddVehicle(ctx, opts, actorID)
}

type VehicleUpdateOptions struct {
	Number string
	Route  string
}

// EditVehicle updates the vehicle label fields. Missing id is a no-op.
func (e Engine) EditVehicle(ctx context.Context, id string, opts VehicleUpdateOptions, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		v := st.Vehicle(id)
		if v == nil {
			return false
		}
		if opts.Number != "" {
			v.Number = opts.Number
		}
		if opts.Route != "" {
			v.Route = opts.Route
		}
		return true
	})
	if changed {
		e.journalAppend(ctx, "vehicle.updated", "vehicle", id, actorID, nil)
	}
}

// CancelVehicle soft-deletes a pending vehicle. Cancelled is terminal for
// scheduling but the vehicle stays in storage until an explicit hard delete.
// Missing or already-settled vehicles are a no-op.
func (e Engine) CancelVehicle(ctx context.Context, id, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		v := st.Vehicle(id)
		if v == nil || v.Status != domain.VehiclePending {
			return false
		}
		v.Status = domain.VehicleCancelled
		return true
	})
	if changed {
		e.journalAppend(ctx, "vehicle.cancelled", "vehicle", id, actorID, nil)
	}
}

// DeleteVehicle removes the vehicle and every justification referencing it.
func (e Engine) DeleteVehicle(ctx context.Context, id, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		found := false
		for i := range st.Vehicles {
			if st.Vehicles[i].ID == id {
				st.Vehicles = append(st.Vehicles[:i], st.Vehicles[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return false
		}
		kept := st.Justifications[:0]
		for _, j := range st.Justifications {
			if j.VehicleID != id {
				kept = append(kept, j)
			}
		}
		st.Justifications = kept
		return true
	})
	if changed {
		e.journalAppend(ctx, "vehicle.deleted", "vehicle", id, actorID, nil)
	}
}

// --- stop lifecycle ---

type ServiceOptions struct {
	VehicleID  string
	UnitID     string
	EmployeeID string
	Photos     []string
	ActorID    string
}

// ServiceStop transitions the matching pending stop to COMPLETED, stamping
// the wall-clock time, the servicing employee and the photo set. The local
// transition never waits on the network; the event send afterwards is a
// best-effort side effect. A vanished vehicle or stop is a silent no-op.
func (e Engine) ServiceStop(ctx context.Context, opts ServiceOptions) error {
	if len(opts.Photos) == 0 {
		return errors.New("at least one photo is required")
	}
	if opts.EmployeeID == "" {
		return errors.New("employee is required")
	}
	snap := e.State.Snapshot()
	emp := snap.Employee(opts.EmployeeID)
	if emp == nil || emp.UnitID != opts.UnitID {
		return fmt.Errorf("employee %s does not belong to unit %s", opts.EmployeeID, opts.UnitID)
	}

	comp := e.compressor()
	photos := make([]string, len(opts.Photos))
	maxWidth, quality := 1024, 70
	if e.Config != nil {
		maxWidth, quality = e.Config.Photos.MaxWidth, e.Config.Photos.Quality
	}
	for i, p := range opts.Photos {
		photos[i] = comp.Compress(p, maxWidth, quality)
	}

	now := domain.Millis(e.now())
	var evt TripEvent
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		v := st.Vehicle(opts.VehicleID)
		if v == nil || v.Status == domain.VehicleCancelled {
			return false
		}
		s := v.StopAt(opts.UnitID)
		if s == nil || s.Status != domain.StopPending {
			return false
		}
		s.Status = domain.StopCompleted
		ts := now
		s.ServicedAt = &ts
		empID := opts.EmployeeID
		s.EmployeeID = &empID
		s.Photos = photos
		unitName := ""
		if u := st.Unit(opts.UnitID); u != nil {
			unitName = u.Name
		}
		evt = TripEvent{
			Kind:          "stop.serviced",
			At:            now,
			VehicleNumber: v.Number,
			Route:         v.Route,
			UnitID:        opts.UnitID,
			UnitName:      unitName,
			StopType:      s.Type,
			Actor:         opts.ActorID,
			Outcome:       domain.StopCompleted,
			Photos:        photos,
		}
		return true
	})
	if !changed {
		return nil
	}
	e.journalAppend(ctx, "stop.serviced", "vehicle", opts.VehicleID, opts.ActorID, journal.EventPayload{
		"unit_id":     opts.UnitID,
		"employee_id": opts.EmployeeID,
		"photos":      len(photos),
	})
	e.sendEvent(ctx, evt)
	return nil
}

type JustifyOptions struct {
	VehicleID string
	UnitID    string
	Category  string
	Text      string
	ActorID   string
}

// JustifyStop creates a pending-review justification and synchronously sets
// the matching pending stop to LATE_JUSTIFIED. The AI narrative is filled in
// later, matched by justification id; the transition never waits for it.
func (e Engine) JustifyStop(ctx context.Context, opts JustifyOptions) (domain.Justification, error) {
	if opts.Category == "" {
		return domain.Justification{}, errors.New("category is required")
	}
	now := e.now()
	j := domain.Justification{
		ID:        uuid.New().String(),
		VehicleID: opts.VehicleID,
		UnitID:    opts.UnitID,
		Category:  opts.Category,
		Text:      opts.Text,
		CreatedAt: domain.Millis(now),
		Review:    domain.ReviewPending,
		Narrative: narrativePending,
	}
	var (
		evt   TripEvent
		delay int
	)
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		v := st.Vehicle(opts.VehicleID)
		if v == nil || v.Status == domain.VehicleCancelled {
			return false
		}
		s := v.StopAt(opts.UnitID)
		if s == nil || s.Status != domain.StopPending {
			return false
		}
		s.Status = domain.StopLateJustified
		delay = status.DelayMinutes(*s, now)
		st.Justifications = append(st.Justifications, j)
		unitName := ""
		if u := st.Unit(opts.UnitID); u != nil {
			unitName = u.Name
		}
		evt = TripEvent{
			Kind:          "stop.justified",
			At:            j.CreatedAt,
			VehicleNumber: v.Number,
			Route:         v.Route,
			UnitID:        opts.UnitID,
			UnitName:      unitName,
			StopType:      s.Type,
			Actor:         opts.ActorID,
			Outcome:       opts.Category,
		}
		return true
	})
	if !changed {
		return domain.Justification{}, nil
	}
	e.journalAppend(ctx, "stop.justified", "justification", j.ID, opts.ActorID, journal.EventPayload{
		"vehicle_id": opts.VehicleID,
		"category":   opts.Category,
	})
	e.sendEvent(ctx, evt)

	req := analysis.NarrativeRequest{
		VehicleNumber: evt.VehicleNumber,
		Route:         evt.Route,
		DelayMinutes:  delay,
		Category:      opts.Category,
		Text:          opts.Text,
	}
	go e.resolveNarrative(j.ID, req)
	return j, nil
}

// resolveNarrative replaces the placeholder once the analysis resolves. A
// justification deleted in the interim makes the update a no-op.
func (e Engine) resolveNarrative(justificationID string, req analysis.NarrativeRequest) {
	narrative := e.analyzer().Narrative(context.Background(), req)
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		j := st.Justification(justificationID)
		if j == nil {
			return false
		}
		j.Narrative = narrative
		return true
	})
}

// ReviewJustification records the admin verdict. The stop's status is not
// touched; review outcome never re-credits the trip.
func (e Engine) ReviewJustification(ctx context.Context, id, verdict, comment, actorID string) error {
	if verdict != domain.ReviewApproved && verdict != domain.ReviewRejected {
		return fmt.Errorf("invalid review verdict %s", verdict)
	}
	snap := e.State.Snapshot()
	actor := snap.UserByID(actorID)
	if actor == nil || actor.Role != domain.RoleAdmin {
		return errors.New("admin role required")
	}
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		j := st.Justification(id)
		if j == nil {
			return false
		}
		j.Review = verdict
		j.AdminComment = comment
		return true
	})
	if changed {
		e.journalAppend(ctx, "justification.reviewed", "justification", id, actorID, journal.EventPayload{"verdict": verdict})
	}
	return nil
}

// --- employees ---

type EmployeeOptions struct {
	Name     string
	UnitID   string
	Schedule string
}

func (e Engine) AddEmployee(ctx context.Context, opts EmployeeOptions, actorID string) (domain.Employee, error) {
	if opts.Name == "" {
		return domain.Employee{}, errors.New("name is required")
	}
	if opts.UnitID == "" {
		return domain.Employee{}, errors.New("unit is required")
	}
	emp := domain.Employee{
		ID:       uuid.New().String(),
		Name:     opts.Name,
		UnitID:   opts.UnitID,
		Active:   true,
		Schedule: opts.Schedule,
	}
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		st.Employees = append(st.Employees, emp)
		return true
	})
	e.journalAppend(ctx, "employee.created", "employee", emp.ID, actorID, journal.EventPayload{"name": emp.Name})
	return emp, nil
}

// ToggleEmployeeStatus flips the active flag. History is untouched.
func (e Engine) ToggleEmployeeStatus(ctx context.Context, id, actorID string) {
	var active bool
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		emp := st.Employee(id)
		if emp == nil {
			return false
		}
		emp.Active = !emp.Active
		active = emp.Active
		return true
	})
	if changed {
		e.journalAppend(ctx, "employee.toggled", "employee", id, actorID, journal.EventPayload{"active": active})
	}
}

// DeleteEmployee removes the record; stop references remain and resolve to
// nothing at read time.
func (e Engine) DeleteEmployee(ctx context.Context, id, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		for i := range st.Employees {
			if st.Employees[i].ID == id {
				st.Employees = append(st.Employees[:i], st.Employees[i+1:]...)
				return true
			}
		}
		return false
	})
	if changed {
		e.journalAppend(ctx, "employee.deleted", "employee", id, actorID, nil)
	}
}

// --- accounts ---

type UserOptions struct {
	Username string
	Password string
	Role     string
	UnitID   string
}

func (e Engine) AddUser(ctx context.Context, opts UserOptions, actorID string) (domain.UserAccount, error) {
	if opts.Username == "" {
		return domain.UserAccount{}, errors.New("username is required")
	}
	opts.Role = strings.ToLower(opts.Role)
	if opts.Role != domain.RoleAdmin && opts.Role != domain.RoleUnit {
		return domain.UserAccount{}, fmt.Errorf("invalid role %s", opts.Role)
	}
	if opts.Role == domain.RoleUnit && opts.UnitID == "" {
		return domain.UserAccount{}, errors.New("unit is required for unit accounts")
	}
	if opts.Role == domain.RoleAdmin && opts.UnitID != "" {
		return domain.UserAccount{}, errors.New("admin accounts carry no unit")
	}
	u := domain.UserAccount{
		ID:       uuid.New().String(),
		Username: opts.Username,
		Password: opts.Password,
		Role:     opts.Role,
		UnitID:   opts.UnitID,
	}
	var dup bool
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		if st.UserByName(opts.Username) != nil {
			dup = true
			return false
		}
		st.Users = append(st.Users, u)
		return true
	})
	if dup {
		return domain.UserAccount{}, fmt.Errorf("username %s already exists", opts.Username)
	}
	if changed {
		e.journalAppend(ctx, "user.created", "user", u.ID, actorID, journal.EventPayload{"username": u.Username, "role": u.Role})
	}
	return u, nil
}

// DeleteUser removes an account. The bootstrap admin cannot be deleted.
func (e Engine) DeleteUser(ctx context.Context, id, actorID string) error {
	bootstrap := "admin"
	if e.Config != nil && e.Config.Bootstrap.AdminUsername != "" {
		bootstrap = e.Config.Bootstrap.AdminUsername
	}
	var protected bool
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		for i := range st.Users {
			if st.Users[i].ID != id {
				continue
			}
			if st.Users[i].Username == bootstrap {
				protected = true
				return false
			}
			st.Users = append(st.Users[:i], st.Users[i+1:]...)
			return true
		}
		return false
	})
	if protected {
		return errors.New("the bootstrap admin account cannot be deleted")
	}
	if changed {
		e.journalAppend(ctx, "user.deleted", "user", id, actorID, nil)
	}
	return nil
}

// --- alarms ---

// RaiseAlarm appends an alarm entry for a stop observed late, unless an
// unsilenced alarm for the same vehicle/unit pair already exists.
func (e Engine) RaiseAlarm(ctx context.Context, vehicleID, unitID string) (domain.AlarmLog, bool) {
	now := e.now()
	a := domain.AlarmLog{
		ID:          uuid.New().String(),
		VehicleID:   vehicleID,
		UnitID:      unitID,
		TriggeredAt: domain.Millis(now),
	}
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		v := st.Vehicle(vehicleID)
		if v == nil || v.Status == domain.VehicleCancelled {
			return false
		}
		s := v.StopAt(unitID)
		if s == nil || !status.IsLate(*s, now) {
			return false
		}
		for _, existing := range st.Alarms {
			if existing.VehicleID == vehicleID && existing.UnitID == unitID && existing.SilencedAt == nil {
				return false
			}
		}
		st.Alarms = append(st.Alarms, a)
		return true
	})
	if changed {
		e.journalAppend(ctx, "alarm.raised", "alarm", a.ID, "system", journal.EventPayload{"vehicle_id": vehicleID, "unit_id": unitID})
	}
	return a, changed
}

// SilenceAlarm acknowledges an alarm. The stop's lateness is unaffected;
// silencing mutes the alert, it does not un-late the stop.
func (e Engine) SilenceAlarm(ctx context.Context, alarmID, actorID string) {
	now := domain.Millis(e.now())
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		for i := range st.Alarms {
			if st.Alarms[i].ID == alarmID && st.Alarms[i].SilencedAt == nil {
				ts := now
				st.Alarms[i].SilencedAt = &ts
				st.Alarms[i].SilencedBy = actorID
				return true
			}
		}
		return false
	})
	if changed {
		e.journalAppend(ctx, "alarm.silenced", "alarm", alarmID, actorID, nil)
	}
}

// --- templates ---

type TemplateOptions struct {
	Name  string
	Route string
	Stops []domain.TemplateStop
}

func (e Engine) AddTemplate(ctx context.Context, opts TemplateOptions, actorID string) (domain.RouteTemplate, error) {
	if opts.Name == "" {
		return domain.RouteTemplate{}, errors.New("name is required")
	}
	if len(opts.Stops) == 0 {
		return domain.RouteTemplate{}, errors.New("at least one stop is required")
	}
	tpl := domain.RouteTemplate{
		ID:    uuid.New().String(),
		Name:  opts.Name,
		Route: opts.Route,
		Stops: opts.Stops,
	}
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		st.Templates = append(st.Templates, tpl)
		return true
	})
	e.journalAppend(ctx, "template.created", "template", tpl.ID, actorID, journal.EventPayload{"name": tpl.Name})
	return tpl, nil
}

func (e Engine) DeleteTemplate(ctx context.Context, id, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		for i := range st.Templates {
			if st.Templates[i].ID == id {
				st.Templates = append(st.Templates[:i], st.Templates[i+1:]...)
				return true
			}
		}
		return false
	})
	if changed {
		e.journalAppend(ctx, "template.deleted", "template", id, actorID, nil)
	}
}

// --- configuration & backup ---

// SetRemoteURL stores the shared-document endpoint in the aggregate. The
// sync engine reacts to the change by restarting its pull loop.
func (e Engine) SetRemoteURL(ctx context.Context, url, actorID string) {
	_, changed := e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		if st.RemoteURL == url {
			return false
		}
		st.RemoteURL = url
		return true
	})
	if changed {
		e.journalAppend(ctx, "remote.configured", "config", "", actorID, journal.EventPayload{"url": url})
	}
}

// ExportBackup dumps the aggregate as indented JSON.
func (e Engine) ExportBackup() ([]byte, error) {
	return json.MarshalIndent(e.State.Snapshot(), "", "  ")
}

// ImportBackup replaces every aggregate field except the active session,
// which is preserved from the pre-import state. A parse failure is surfaced
// directly: restoring a backup is a deliberate user action.
func (e Engine) ImportBackup(ctx context.Context, data []byte, actorID string) error {
	var imported domain.AppState
	if err := json.Unmarshal(data, &imported); err != nil {
		return fmt.Errorf("invalid backup file: %w", err)
	}
	e.State.Apply(state.OriginLocal, func(st *domain.AppState) bool {
		session := st.CurrentUser
		*st = imported.Clone()
		st.CurrentUser = session
		return true
	})
	e.journalAppend(ctx, "backup.imported", "config", "", actorID, journal.EventPayload{
		"vehicles": len(imported.Vehicles),
		"units":    len(imported.Units),
	})
	return nil
}
