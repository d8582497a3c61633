package engine

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"fleetline/internal/analysis"
	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/state"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type sinkRecorder struct {
	events []TripEvent
}

func (r *sinkRecorder) Send(_ context.Context, evt TripEvent) {
	r.events = append(r.events, evt)
}

type stubAnalyzer struct {
	narrative string
	called    chan analysis.NarrativeRequest
}

func (a *stubAnalyzer) JudgePhoto(context.Context, string) analysis.ImageJudgement {
	return analysis.UnavailableJudgement()
}

func (a *stubAnalyzer) Narrative(_ context.Context, req analysis.NarrativeRequest) string {
	if a.called != nil {
		a.called <- req
	}
	return a.narrative
}

func newTestEngine(t *testing.T) (Engine, *sinkRecorder) {
	t.Helper()
	st := domain.AppState{
		Units: []domain.Unit{
			{ID: "u1", Name: "North Depot"},
			{ID: "u2", Name: "South Depot"},
		},
		Employees: []domain.Employee{
			{ID: "emp1", Name: "Dana", UnitID: "u1", Active: true},
		},
		Users: []domain.UserAccount{
			{ID: "admin", Username: "admin", Password: "admin", Role: domain.RoleAdmin},
			{ID: "usr2", Username: "north", Password: "pw", Role: domain.RoleUnit, UnitID: "u1"},
		},
	}
	sink := &sinkRecorder{}
	eng := Engine{
		State:  state.New(st),
		Remote: sink,
		Config: config.Default(),
		Logger: log.New(io.Discard, "", 0),
		Now:    func() time.Time { return testNow },
	}
	return eng, sink
}

func addVehicle(t *testing.T, eng Engine, eta time.Time) domain.Vehicle {
	t.Helper()
	v, err := eng.AddVehicle(context.Background(), VehicleOptions{
		Number: "TRK-100",
		Route:  "Ring Road",
		Stops: []StopOptions{
			{UnitID: "u1", Type: domain.StopTypeOrigin, ETA: domain.Millis(eta)},
			{UnitID: "u2", Type: domain.StopTypeDestination, ETA: domain.Millis(eta.Add(time.Hour))},
		},
	}, "admin")
	if err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}
	return v
}

func TestAddVehicleRequiresStopsAndKnownUnits(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.AddVehicle(ctx, VehicleOptions{Number: "TRK-1"}, "admin"); err == nil {
		t.Fatal("expected error for vehicle without stops")
	}
	_, err := eng.AddVehicle(ctx, VehicleOptions{
		Number: "TRK-1",
		Stops:  []StopOptions{{UnitID: "ghost", ETA: domain.Millis(testNow)}},
	}, "admin")
	if err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestServiceStopCompletesAndStamps(t *testing.T) {
	eng, sink := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(time.Hour))

	err := eng.ServiceStop(ctx, ServiceOptions{
		VehicleID:  v.ID,
		UnitID:     "u1",
		EmployeeID: "emp1",
		Photos:     []string{"photo-a", "photo-b"},
		ActorID:    "usr2",
	})
	if err != nil {
		t.Fatalf("ServiceStop: %v", err)
	}

	snap := eng.State.Snapshot()
	s := snap.Vehicle(v.ID).StopAt("u1")
	if s.Status != domain.StopCompleted {
		t.Fatalf("stop status = %s, want %s", s.Status, domain.StopCompleted)
	}
	if s.ServicedAt == nil || *s.ServicedAt != domain.Millis(testNow) {
		t.Fatalf("ServicedAt = %v, want %d", s.ServicedAt, domain.Millis(testNow))
	}
	if s.EmployeeID == nil || *s.EmployeeID != "emp1" {
		t.Fatalf("EmployeeID = %v, want emp1", s.EmployeeID)
	}
	if len(s.Photos) != 2 {
		t.Fatalf("photos = %d, want 2", len(s.Photos))
	}
	if len(sink.events) != 1 || sink.events[0].Kind != "stop.serviced" {
		t.Fatalf("events = %+v, want one stop.serviced", sink.events)
	}
	if len(sink.events[0].Photos) != 2 {
		t.Fatalf("event photos = %d, want 2", len(sink.events[0].Photos))
	}
}

func TestServiceStopRejectsZeroPhotos(t *testing.T) {
	eng, _ := newTestEngine(t)
	v := addVehicle(t, eng, testNow.Add(time.Hour))

	err := eng.ServiceStop(context.Background(), ServiceOptions{
		VehicleID:  v.ID,
		UnitID:     "u1",
		EmployeeID: "emp1",
		ActorID:    "usr2",
	})
	if err == nil {
		t.Fatal("expected error for service without photos")
	}
	snap := eng.State.Snapshot()
	s := snap.Vehicle(v.ID).StopAt("u1")
	if s.Status != domain.StopPending {
		t.Fatalf("stop status = %s, want %s", s.Status, domain.StopPending)
	}
}

func TestServiceStopRejectsForeignEmployee(t *testing.T) {
	eng, _ := newTestEngine(t)
	v := addVehicle(t, eng, testNow.Add(time.Hour))

	err := eng.ServiceStop(context.Background(), ServiceOptions{
		VehicleID:  v.ID,
		UnitID:     "u2",
		EmployeeID: "emp1",
		Photos:     []string{"p"},
		ActorID:    "usr2",
	})
	if err == nil {
		t.Fatal("expected error for employee outside the stop's unit")
	}
}

func TestServiceStopMissingVehicleIsSilentNoop(t *testing.T) {
	eng, sink := newTestEngine(t)

	err := eng.ServiceStop(context.Background(), ServiceOptions{
		VehicleID:  "vanished",
		UnitID:     "u1",
		EmployeeID: "emp1",
		Photos:     []string{"p"},
		ActorID:    "usr2",
	})
	if err != nil {
		t.Fatalf("ServiceStop on missing vehicle = %v, want nil", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("events = %d, want 0", len(sink.events))
	}
}

func TestJustifyStopSyncTransitionAndAsyncNarrative(t *testing.T) {
	eng, sink := newTestEngine(t)
	// unbuffered: the narrative goroutine blocks until the test observed the
	// placeholder, so the sync transition is always checked first
	analyzer := &stubAnalyzer{narrative: "Traffic jam on the ring road.", called: make(chan analysis.NarrativeRequest)}
	eng.Analyzer = analyzer
	v := addVehicle(t, eng, testNow.Add(-30*time.Minute))

	j, err := eng.JustifyStop(context.Background(), JustifyOptions{
		VehicleID: v.ID,
		UnitID:    "u1",
		Category:  "TRAFFIC",
		Text:      "gridlock",
		ActorID:   "usr2",
	})
	if err != nil {
		t.Fatalf("JustifyStop: %v", err)
	}

	snap := eng.State.Snapshot()
	s := snap.Vehicle(v.ID).StopAt("u1")
	if s.Status != domain.StopLateJustified {
		t.Fatalf("stop status = %s, want %s", s.Status, domain.StopLateJustified)
	}
	got := snap.Justification(j.ID)
	if got == nil || got.Review != domain.ReviewPending {
		t.Fatalf("justification = %+v, want pending review", got)
	}
	if got.Narrative != narrativePending {
		t.Fatalf("narrative = %q before analysis resolves", got.Narrative)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != "stop.justified" {
		t.Fatalf("events = %+v, want one stop.justified", sink.events)
	}

	req := <-analyzer.called
	if req.DelayMinutes != 30 {
		t.Fatalf("delay = %d, want 30", req.DelayMinutes)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := eng.State.Snapshot()
		if j2 := snap.Justification(j.ID); j2.Narrative == analyzer.narrative {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("narrative was never filled in")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReviewJustificationRequiresAdmin(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(-time.Hour))
	j, _ := eng.JustifyStop(ctx, JustifyOptions{VehicleID: v.ID, UnitID: "u1", Category: "BREAKDOWN", ActorID: "usr2"})

	if err := eng.ReviewJustification(ctx, j.ID, domain.ReviewApproved, "", "usr2"); err == nil {
		t.Fatal("expected error for non-admin reviewer")
	}
	if err := eng.ReviewJustification(ctx, j.ID, domain.ReviewApproved, "ok", "admin"); err != nil {
		t.Fatalf("ReviewJustification: %v", err)
	}

	snap := eng.State.Snapshot()
	if got := snap.Justification(j.ID); got.Review != domain.ReviewApproved || got.AdminComment != "ok" {
		t.Fatalf("justification = %+v", got)
	}
	// approval records the verdict only, the stop keeps its status
	if s := snap.Vehicle(v.ID).StopAt("u1"); s.Status != domain.StopLateJustified {
		t.Fatalf("stop status = %s after review, want %s", s.Status, domain.StopLateJustified)
	}
}

func TestCancelVehicleOnlyFromPending(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(time.Hour))

	eng.CancelVehicle(ctx, v.ID, "admin")
	snap := eng.State.Snapshot()
	if got := snap.Vehicle(v.ID); got.Status != domain.VehicleCancelled {
		t.Fatalf("vehicle status = %s, want %s", got.Status, domain.VehicleCancelled)
	}

	// cancelling again is a no-op
	eng.CancelVehicle(ctx, v.ID, "admin")
	snap = eng.State.Snapshot()
	if got := snap.Vehicle(v.ID); got.Status != domain.VehicleCancelled {
		t.Fatalf("vehicle status = %s after second cancel", got.Status)
	}
}

func TestDeleteVehicleCascadesJustifications(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(-time.Hour))
	other := addVehicle(t, eng, testNow.Add(-time.Hour))
	eng.JustifyStop(ctx, JustifyOptions{VehicleID: v.ID, UnitID: "u1", Category: "TRAFFIC", ActorID: "usr2"})
	eng.JustifyStop(ctx, JustifyOptions{VehicleID: other.ID, UnitID: "u1", Category: "TRAFFIC", ActorID: "usr2"})

	eng.DeleteVehicle(ctx, v.ID, "admin")

	snap := eng.State.Snapshot()
	if snap.Vehicle(v.ID) != nil {
		t.Fatal("vehicle still present after delete")
	}
	if len(snap.Justifications) != 1 || snap.Justifications[0].VehicleID != other.ID {
		t.Fatalf("justifications = %+v, want only the other vehicle's", snap.Justifications)
	}
}

func TestDeleteUnitKeepsVehicles(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(time.Hour))

	eng.DeleteUnit(ctx, "u1", "admin")

	snap := eng.State.Snapshot()
	if snap.Unit("u1") != nil {
		t.Fatal("unit still present")
	}
	if got := snap.Vehicle(v.ID); got == nil || got.StopAt("u1") == nil {
		t.Fatal("vehicle or its stop reference was removed with the unit")
	}
}

func TestAddVehicleFromTemplate(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	tpl, err := eng.AddTemplate(ctx, TemplateOptions{
		Name:  "morning ring",
		Route: "Ring Road",
		Stops: []domain.TemplateStop{
			{UnitID: "u1", Type: domain.StopTypeOrigin, ETAOffsetMin: 0},
			{UnitID: "u2", Type: domain.StopTypeDestination, ETAOffsetMin: 45},
		},
	}, "admin")
	if err != nil {
		t.Fatalf("AddTemplate: %v", err)
	}

	v, err := eng.AddVehicleFromTemplate(ctx, tpl.ID, "TRK-7", testNow, "admin")
	if err != nil {
		t.Fatalf("AddVehicleFromTemplate: %v", err)
	}
	if len(v.Stops) != 2 {
		t.Fatalf("stops = %d, want 2", len(v.Stops))
	}
	if v.Stops[1].ETA != domain.Millis(testNow.Add(45*time.Minute)) {
		t.Fatalf("second stop ETA = %d", v.Stops[1].ETA)
	}
}

func TestAddUserRejectsDuplicateAndBadRoleShape(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.AddUser(ctx, UserOptions{Username: "admin", Password: "x", Role: domain.RoleAdmin}, "admin"); err == nil {
		t.Fatal("expected duplicate username error")
	}
	if _, err := eng.AddUser(ctx, UserOptions{Username: "south", Password: "x", Role: domain.RoleUnit}, "admin"); err == nil {
		t.Fatal("expected error for unit account without unit")
	}
	if _, err := eng.AddUser(ctx, UserOptions{Username: "boss", Password: "x", Role: domain.RoleAdmin, UnitID: "u1"}, "admin"); err == nil {
		t.Fatal("expected error for admin account with unit")
	}
	if _, err := eng.AddUser(ctx, UserOptions{Username: "south", Password: "x", Role: domain.RoleUnit, UnitID: "u2"}, "admin"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	u, err := eng.AddUser(ctx, UserOptions{Username: "boss", Password: "x", Role: "ADMIN"}, "admin")
	if err != nil {
		t.Fatalf("AddUser with uppercase role: %v", err)
	}
	if u.Role != domain.RoleAdmin {
		t.Fatalf("role = %q, want normalized %q", u.Role, domain.RoleAdmin)
	}
}

func TestDeleteUserProtectsBootstrapAdmin(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DeleteUser(ctx, "admin", "admin"); err == nil {
		t.Fatal("expected error deleting the bootstrap admin")
	}
	if err := eng.DeleteUser(ctx, "usr2", "admin"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	snap := eng.State.Snapshot()
	if snap.UserByID("usr2") != nil {
		t.Fatal("account still present after delete")
	}
}

func TestLoginPersistsSessionAndLogoutClearsIt(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	var saved []*domain.UserAccount
	eng.SaveSession = func(_ context.Context, u *domain.UserAccount) error {
		saved = append(saved, u)
		return nil
	}

	if _, err := eng.Login(ctx, "north", "wrong"); err == nil {
		t.Fatal("expected error for bad password")
	}
	u, err := eng.Login(ctx, "north", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.ID != "usr2" {
		t.Fatalf("logged-in user = %s, want usr2", u.ID)
	}
	if cu := eng.State.Snapshot().CurrentUser; cu == nil || cu.ID != "usr2" {
		t.Fatalf("CurrentUser = %+v", cu)
	}
	if len(saved) != 1 || saved[0] == nil || saved[0].ID != "usr2" {
		t.Fatalf("session writes = %+v", saved)
	}

	if err := eng.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if eng.State.Snapshot().CurrentUser != nil {
		t.Fatal("CurrentUser survived logout")
	}
	if len(saved) != 2 || saved[1] != nil {
		t.Fatalf("session writes after logout = %+v", saved)
	}
}

func TestRaiseAlarmOnlyForLateStopsAndOnce(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	v := addVehicle(t, eng, testNow.Add(-10*time.Minute))

	a, raised := eng.RaiseAlarm(ctx, v.ID, "u1")
	if !raised {
		t.Fatal("expected alarm for late stop")
	}
	if _, again := eng.RaiseAlarm(ctx, v.ID, "u1"); again {
		t.Fatal("duplicate unsilenced alarm was raised")
	}
	// not late yet at u2
	if _, early := eng.RaiseAlarm(ctx, v.ID, "u2"); early {
		t.Fatal("alarm raised for a stop that is not late")
	}

	eng.SilenceAlarm(ctx, a.ID, "admin")
	snap := eng.State.Snapshot()
	if snap.Alarms[0].SilencedAt == nil || snap.Alarms[0].SilencedBy != "admin" {
		t.Fatalf("alarm = %+v, want silenced by admin", snap.Alarms[0])
	}
	if s := snap.Vehicle(v.ID).StopAt("u1"); s.Status != domain.StopPending {
		t.Fatalf("stop status = %s after silence, want %s", s.Status, domain.StopPending)
	}
}

func TestImportBackupPreservesSessionAndRejectsGarbage(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	eng.SaveSession = func(context.Context, *domain.UserAccount) error { return nil }
	if _, err := eng.Login(ctx, "north", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := eng.ImportBackup(ctx, []byte("{not json"), "admin"); err == nil {
		t.Fatal("expected error for malformed backup")
	}

	data, err := Engine{State: state.New(domain.AppState{
		Units: []domain.Unit{{ID: "imported", Name: "Imported Depot"}},
	})}.ExportBackup()
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}
	if err := eng.ImportBackup(ctx, data, "admin"); err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}

	snap := eng.State.Snapshot()
	if len(snap.Units) != 1 || snap.Units[0].ID != "imported" {
		t.Fatalf("units = %+v", snap.Units)
	}
	if snap.CurrentUser == nil || snap.CurrentUser.ID != "usr2" {
		t.Fatalf("CurrentUser = %+v, want preserved usr2 session", snap.CurrentUser)
	}
}

func TestSetRemoteURLIgnoresSameValue(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	var notified int
	eng.State.Subscribe(func(domain.AppState, state.Origin) { notified++ })

	eng.SetRemoteURL(ctx, "https://sync.example.com/doc", "admin")
	eng.SetRemoteURL(ctx, "https://sync.example.com/doc", "admin")

	if notified != 1 {
		t.Fatalf("notifications = %d, want 1", notified)
	}
	if got := eng.State.Snapshot().RemoteURL; got != "https://sync.example.com/doc" {
		t.Fatalf("RemoteURL = %q", got)
	}
}
