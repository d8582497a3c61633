package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/state"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T, secret string) (http.Handler, engine.Engine) {
	t.Helper()
	st := domain.AppState{
		Units: []domain.Unit{{ID: "u1", Name: "North Depot"}},
		Employees: []domain.Employee{
			{ID: "emp1", Name: "Dana", UnitID: "u1", Active: true},
		},
		Users: []domain.UserAccount{
			{ID: "admin", Username: "admin", Password: "admin", Role: domain.RoleAdmin},
			{ID: "usr2", Username: "north", Password: "pw", Role: domain.RoleUnit, UnitID: "u1"},
		},
	}
	eng := engine.Engine{
		State:  state.New(st),
		Logger: log.New(io.Discard, "", 0),
		Now:    func() time.Time { return testNow },
	}
	handler, err := New(Config{
		Engine: eng,
		Auth:   AuthConfig{JWTSecret: secret},
		Now:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return handler, eng
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t, "")
	rec := doJSON(t, handler, http.MethodGet, "/v0/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestLoginIssuesTokenAndHidesPassword(t *testing.T) {
	handler, _ := newTestServer(t, "test-secret")

	rec := doJSON(t, handler, http.MethodPost, "/v0/auth/login", "", map[string]string{
		"username": "north", "password": "pw",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string         `json:"token"`
		User  map[string]any `json:"user"`
	}
	decodeBody(t, rec, &resp)
	if resp.Token == "" {
		t.Fatal("no token in login response")
	}
	if _, leaked := resp.User["password"]; leaked {
		t.Fatal("password leaked in login response")
	}

	rec = doJSON(t, handler, http.MethodPost, "/v0/auth/login", "", map[string]string{
		"username": "north", "password": "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestEndpointsRequireAuthWhenSecretSet(t *testing.T) {
	handler, _ := newTestServer(t, "test-secret")

	rec := doJSON(t, handler, http.MethodGet, "/v0/vehicles", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateAndListVehicles(t *testing.T) {
	handler, _ := newTestServer(t, "")

	rec := doJSON(t, handler, http.MethodPost, "/v0/vehicles", "", map[string]any{
		"number": "TRK-1",
		"route":  "Ring Road",
		"stops": []map[string]any{
			{"unit_id": "u1", "type": domain.StopTypeDestination, "eta": domain.Millis(testNow.Add(-time.Hour))},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var created VehicleView
	decodeBody(t, rec, &created)
	if !created.Late {
		t.Fatal("vehicle with an overdue stop should be late")
	}
	if created.Stops[0].DelayMinutes != 60 {
		t.Fatalf("delay = %d, want 60", created.Stops[0].DelayMinutes)
	}

	rec = doJSON(t, handler, http.MethodGet, "/v0/vehicles?active=true", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Items []VehicleView `json:"items"`
	}
	decodeBody(t, rec, &list)
	if len(list.Items) != 1 || list.Items[0].Number != "TRK-1" {
		t.Fatalf("items = %+v", list.Items)
	}
}

func TestServiceStopValidation(t *testing.T) {
	handler, eng := newTestServer(t, "")
	v, err := eng.AddVehicle(context.Background(), engine.VehicleOptions{
		Number: "TRK-2",
		Stops:  []engine.StopOptions{{UnitID: "u1", ETA: domain.Millis(testNow.Add(time.Hour))}},
	}, "admin")
	if err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v0/vehicles/"+v.ID+"/stops/u1/service", "", map[string]any{
		"employee_id": "ghost",
		"photos":      []string{"p1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s, want 400", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v0/vehicles/"+v.ID+"/stops/u1/service", "", map[string]any{
		"employee_id": "emp1",
		"photos":      []string{"p1"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d body = %s, want 204", rec.Code, rec.Body.String())
	}
	snap := eng.State.Snapshot()
	s := snap.Vehicle(v.ID).StopAt("u1")
	if s.Status != domain.StopCompleted {
		t.Fatalf("stop status = %s", s.Status)
	}
}

func TestReviewRequiresAdminRole(t *testing.T) {
	handler, eng := newTestServer(t, "test-secret")
	v, _ := eng.AddVehicle(context.Background(), engine.VehicleOptions{
		Number: "TRK-3",
		Stops:  []engine.StopOptions{{UnitID: "u1", ETA: domain.Millis(testNow.Add(-time.Hour))}},
	}, "admin")
	j, _ := eng.JustifyStop(context.Background(), engine.JustifyOptions{
		VehicleID: v.ID, UnitID: "u1", Category: "TRAFFIC", ActorID: "usr2",
	})

	login := func(username, password string) string {
		rec := doJSON(t, handler, http.MethodPost, "/v0/auth/login", "", map[string]string{
			"username": username, "password": password,
		})
		var resp struct {
			Token string `json:"token"`
		}
		decodeBody(t, rec, &resp)
		return resp.Token
	}

	rec := doJSON(t, handler, http.MethodPost, "/v0/justifications/"+j.ID+"/review", login("north", "pw"), map[string]string{
		"verdict": domain.ReviewApproved,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v0/justifications/"+j.ID+"/review", login("admin", "admin"), map[string]string{
		"verdict": domain.ReviewApproved,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d body = %s, want 204", rec.Code, rec.Body.String())
	}
	snap := eng.State.Snapshot()
	if got := snap.Justification(j.ID); got.Review != domain.ReviewApproved {
		t.Fatalf("review = %s", got.Review)
	}
}

func TestUnitRoleScopedToOwnStops(t *testing.T) {
	handler, eng := newTestServer(t, "test-secret")
	u2, err := eng.AddUnit(context.Background(), engine.UnitOptions{Name: "South Depot"}, "admin")
	if err != nil {
		t.Fatalf("AddUnit: %v", err)
	}
	v, _ := eng.AddVehicle(context.Background(), engine.VehicleOptions{
		Number: "TRK-4",
		Stops: []engine.StopOptions{
			{UnitID: "u1", ETA: domain.Millis(testNow.Add(-time.Hour))},
			{UnitID: u2.ID, ETA: domain.Millis(testNow.Add(-time.Hour)), Type: domain.StopTypeDestination},
		},
	}, "admin")

	login := func(username, password string) string {
		rec := doJSON(t, handler, http.MethodPost, "/v0/auth/login", "", map[string]string{
			"username": username, "password": password,
		})
		var resp struct {
			Token string `json:"token"`
		}
		decodeBody(t, rec, &resp)
		return resp.Token
	}
	northToken := login("north", "pw")

	rec := doJSON(t, handler, http.MethodPost, "/v0/vehicles/"+v.ID+"/stops/"+u2.ID+"/service", northToken, map[string]any{
		"employee_id": "emp1",
		"photos":      []string{"p1"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("service foreign stop: status = %d body = %s, want 403", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/v0/vehicles/"+v.ID+"/stops/"+u2.ID+"/justify", northToken, map[string]string{
		"category": "TRAFFIC",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("justify foreign stop: status = %d body = %s, want 403", rec.Code, rec.Body.String())
	}
	snap := eng.State.Snapshot()
	if got := snap.Vehicle(v.ID).StopAt(u2.ID).Status; got != domain.StopPending {
		t.Fatalf("foreign stop status = %s, want untouched", got)
	}

	rec = doJSON(t, handler, http.MethodPost, "/v0/vehicles/"+v.ID+"/stops/u1/service", northToken, map[string]any{
		"employee_id": "emp1",
		"photos":      []string{"p1"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("service own stop: status = %d body = %s, want 204", rec.Code, rec.Body.String())
	}
}

func TestSyncStatusIdleWithoutEngine(t *testing.T) {
	handler, _ := newTestServer(t, "")
	rec := doJSON(t, handler, http.MethodGet, "/v0/sync/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "idle" {
		t.Fatalf("sync status = %q, want idle", resp.Status)
	}
}
