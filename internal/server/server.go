package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/remote"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sync     *remote.Engine
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"at least one photo is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fleetline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fleetline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg)
	registerUnits(group, cfg)
	registerVehicles(group, cfg)
	registerStops(group, cfg)
	registerEmployees(group, cfg)
	registerJustifications(group, cfg)
	registerAlarms(group, cfg)
	registerSync(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "not found"):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case strings.Contains(lowered, "admin role"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "does not belong") ||
		strings.Contains(lowered, "cannot be deleted"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAuth(api huma.API, cfg Config) {
	type loginInput struct {
		Body struct {
			Username string `json:"username" minLength:"1"`
			Password string `json:"password"`
		}
	}
	type loginOutput struct {
		Body struct {
			Token string   `json:"token,omitempty"`
			User  UserView `json:"user"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in and obtain a bearer token",
	}, func(ctx context.Context, input *loginInput) (*loginOutput, error) {
		u, err := cfg.Engine.Login(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		out := &loginOutput{}
		out.Body.User = userView(u)
		if cfg.Auth.JWTSecret != "" {
			token, err := cfg.Auth.issueToken(u, cfg.now())
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.Token = token
		}
		return out, nil
	})
}

func registerUnits(api huma.API, cfg Config) {
	type unitsOutput struct {
		Body struct {
			Items []domain.Unit `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units",
	}, func(ctx context.Context, _ *struct{}) (*unitsOutput, error) {
		out := &unitsOutput{}
		out.Body.Items = cfg.Engine.State.Snapshot().Units
		return out, nil
	})

	type createUnitInput struct {
		Body struct {
			Name             string `json:"name" minLength:"1"`
			Location         string `json:"location,omitempty"`
			AlarmIntervalMin int    `json:"alarm_interval_min,omitempty"`
		}
	}
	type unitOutput struct {
		Body domain.Unit
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Create unit",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createUnitInput) (*unitOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		u, err := cfg.Engine.AddUnit(ctx, engine.UnitOptions{
			Name:             input.Body.Name,
			Location:         input.Body.Location,
			AlarmIntervalMin: input.Body.AlarmIntervalMin,
		}, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &unitOutput{Body: u}, nil
	})

	type unitPath struct {
		UnitID string `path:"unit_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "delete-unit",
		Method:        http.MethodDelete,
		Path:          "/units/{unit_id}",
		Summary:       "Delete unit",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *unitPath) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		cfg.Engine.DeleteUnit(ctx, input.UnitID, actorIDFromContext(ctx))
		return nil, nil
	})
}

func registerVehicles(api huma.API, cfg Config) {
	type listInput struct {
		Active bool `query:"active" doc:"Only vehicles still pending"`
	}
	type vehicleListOutput struct {
		Body struct {
			Items []VehicleView `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles",
		Summary:     "List vehicles with derived status",
	}, func(ctx context.Context, input *listInput) (*vehicleListOutput, error) {
		snap := cfg.Engine.State.Snapshot()
		now := cfg.now()
		out := &vehicleListOutput{}
		out.Body.Items = []VehicleView{}
		for _, v := range snap.Vehicles {
			if input.Active && v.Status != domain.VehiclePending {
				continue
			}
			out.Body.Items = append(out.Body.Items, vehicleView(snap, v, now))
		}
		return out, nil
	})

	type createInput struct {
		Body struct {
			Number string `json:"number" minLength:"1"`
			Route  string `json:"route,omitempty"`
			Stops  []struct {
				UnitID string `json:"unit_id" minLength:"1"`
				Type   string `json:"type,omitempty"`
				ETA    int64  `json:"eta"`
			} `json:"stops" minItems:"1"`
		}
	}
	type vehicleOutput struct {
		Body VehicleView
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-vehicle",
		Method:        http.MethodPost,
		Path:          "/vehicles",
		Summary:       "Create vehicle",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createInput) (*vehicleOutput, error) {
		opts := engine.VehicleOptions{Number: input.Body.Number, Route: input.Body.Route}
		for _, s := range input.Body.Stops {
			opts.Stops = append(opts.Stops, engine.StopOptions{UnitID: s.UnitID, Type: s.Type, ETA: s.ETA})
		}
		v, err := cfg.Engine.AddVehicle(ctx, opts, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		snap := cfg.Engine.State.Snapshot()
		return &vehicleOutput{Body: vehicleView(snap, v, cfg.now())}, nil
	})

	type vehiclePath struct {
		VehicleID string `path:"vehicle_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-vehicle",
		Method:      http.MethodGet,
		Path:        "/vehicles/{vehicle_id}",
		Summary:     "Get vehicle",
	}, func(ctx context.Context, input *vehiclePath) (*vehicleOutput, error) {
		snap := cfg.Engine.State.Snapshot()
		v := snap.Vehicle(input.VehicleID)
		if v == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "vehicle not found", nil)
		}
		return &vehicleOutput{Body: vehicleView(snap, *v, cfg.now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cancel-vehicle",
		Method:        http.MethodPost,
		Path:          "/vehicles/{vehicle_id}/cancel",
		Summary:       "Cancel a pending vehicle",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *vehiclePath) (*struct{}, error) {
		cfg.Engine.CancelVehicle(ctx, input.VehicleID, actorIDFromContext(ctx))
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-vehicle",
		Method:        http.MethodDelete,
		Path:          "/vehicles/{vehicle_id}",
		Summary:       "Delete vehicle and its justifications",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *vehiclePath) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		cfg.Engine.DeleteVehicle(ctx, input.VehicleID, actorIDFromContext(ctx))
		return nil, nil
	})
}

func registerStops(api huma.API, cfg Config) {
	type serviceInput struct {
		VehicleID string `path:"vehicle_id"`
		UnitID    string `path:"unit_id"`
		Body      struct {
			EmployeeID string   `json:"employee_id" minLength:"1"`
			Photos     []string `json:"photos" minItems:"1"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "service-stop",
		Method:        http.MethodPost,
		Path:          "/vehicles/{vehicle_id}/stops/{unit_id}/service",
		Summary:       "Mark a stop serviced",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *serviceInput) (*struct{}, error) {
		if err := requireUnitScope(ctx, input.UnitID); err != nil {
			return nil, err
		}
		err := cfg.Engine.ServiceStop(ctx, engine.ServiceOptions{
			VehicleID:  input.VehicleID,
			UnitID:     input.UnitID,
			EmployeeID: input.Body.EmployeeID,
			Photos:     input.Body.Photos,
			ActorID:    actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	type justifyInput struct {
		VehicleID string `path:"vehicle_id"`
		UnitID    string `path:"unit_id"`
		Body      struct {
			Category string `json:"category" minLength:"1"`
			Text     string `json:"text,omitempty"`
		}
	}
	type justifyOutput struct {
		Body domain.Justification
	}
	huma.Register(api, huma.Operation{
		OperationID:   "justify-stop",
		Method:        http.MethodPost,
		Path:          "/vehicles/{vehicle_id}/stops/{unit_id}/justify",
		Summary:       "File a late justification for a stop",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *justifyInput) (*justifyOutput, error) {
		if err := requireUnitScope(ctx, input.UnitID); err != nil {
			return nil, err
		}
		j, err := cfg.Engine.JustifyStop(ctx, engine.JustifyOptions{
			VehicleID: input.VehicleID,
			UnitID:    input.UnitID,
			Category:  input.Body.Category,
			Text:      input.Body.Text,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &justifyOutput{Body: j}, nil
	})
}

func registerEmployees(api huma.API, cfg Config) {
	type employeeListOutput struct {
		Body struct {
			Items []domain.Employee `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-employees",
		Method:      http.MethodGet,
		Path:        "/employees",
		Summary:     "List employees",
	}, func(ctx context.Context, _ *struct{}) (*employeeListOutput, error) {
		out := &employeeListOutput{}
		out.Body.Items = cfg.Engine.State.Snapshot().Employees
		return out, nil
	})

	type createEmployeeInput struct {
		Body struct {
			Name     string `json:"name" minLength:"1"`
			UnitID   string `json:"unit_id" minLength:"1"`
			Schedule string `json:"schedule,omitempty"`
		}
	}
	type employeeOutput struct {
		Body domain.Employee
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-employee",
		Method:        http.MethodPost,
		Path:          "/employees",
		Summary:       "Create employee",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createEmployeeInput) (*employeeOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		emp, err := cfg.Engine.AddEmployee(ctx, engine.EmployeeOptions{
			Name:     input.Body.Name,
			UnitID:   input.Body.UnitID,
			Schedule: input.Body.Schedule,
		}, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &employeeOutput{Body: emp}, nil
	})

	type employeePath struct {
		EmployeeID string `path:"employee_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "toggle-employee",
		Method:        http.MethodPost,
		Path:          "/employees/{employee_id}/toggle",
		Summary:       "Toggle employee active flag",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *employeePath) (*struct{}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		cfg.Engine.ToggleEmployeeStatus(ctx, input.EmployeeID, actorIDFromContext(ctx))
		return nil, nil
	})
}

func registerJustifications(api huma.API, cfg Config) {
	type justificationListOutput struct {
		Body struct {
			Items []domain.Justification `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-justifications",
		Method:      http.MethodGet,
		Path:        "/justifications",
		Summary:     "List justifications",
	}, func(ctx context.Context, _ *struct{}) (*justificationListOutput, error) {
		out := &justificationListOutput{}
		out.Body.Items = cfg.Engine.State.Snapshot().Justifications
		return out, nil
	})

	type reviewInput struct {
		JustificationID string `path:"justification_id"`
		Body            struct {
			Verdict string `json:"verdict" enum:"APPROVED,REJECTED"`
			Comment string `json:"comment,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "review-justification",
		Method:        http.MethodPost,
		Path:          "/justifications/{justification_id}/review",
		Summary:       "Record an admin verdict",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *reviewInput) (*struct{}, error) {
		actor := actorIDFromContext(ctx)
		if actor == "" {
			// auth disabled: fall back to the local session
			if cu := cfg.Engine.State.Snapshot().CurrentUser; cu != nil {
				actor = cu.ID
			}
		}
		err := cfg.Engine.ReviewJustification(ctx, input.JustificationID, input.Body.Verdict, input.Body.Comment, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerAlarms(api huma.API, cfg Config) {
	type alarmListOutput struct {
		Body struct {
			Items []domain.AlarmLog `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-alarms",
		Method:      http.MethodGet,
		Path:        "/alarms",
		Summary:     "List alarms",
	}, func(ctx context.Context, _ *struct{}) (*alarmListOutput, error) {
		out := &alarmListOutput{}
		out.Body.Items = cfg.Engine.State.Snapshot().Alarms
		return out, nil
	})

	type alarmPath struct {
		AlarmID string `path:"alarm_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "silence-alarm",
		Method:        http.MethodPost,
		Path:          "/alarms/{alarm_id}/silence",
		Summary:       "Silence an alarm",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *alarmPath) (*struct{}, error) {
		cfg.Engine.SilenceAlarm(ctx, input.AlarmID, actorIDFromContext(ctx))
		return nil, nil
	})
}

func registerSync(api huma.API, cfg Config) {
	type statusOutput struct {
		Body struct {
			Status    string `json:"status"`
			LastError string `json:"last_error,omitempty"`
			RemoteURL string `json:"remote_url,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Current sync status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		out := &statusOutput{}
		out.Body.Status = remote.StatusIdle
		if cfg.Sync != nil {
			out.Body.Status, out.Body.LastError = cfg.Sync.Status()
		}
		out.Body.RemoteURL = cfg.Engine.State.Snapshot().RemoteURL
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sync-push",
		Method:        http.MethodPost,
		Path:          "/sync/push",
		Summary:       "Push the local state immediately",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if cfg.Sync == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "sync engine not running", nil)
		}
		if err := cfg.Sync.Flush(ctx); err != nil {
			return nil, newAPIError(http.StatusBadGateway, "remote_unreachable", err.Error(), nil)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "sync-test",
		Method:        http.MethodPost,
		Path:          "/sync/test",
		Summary:       "Probe the configured remote",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if cfg.Sync == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "sync engine not running", nil)
		}
		if err := cfg.Sync.TestConnection(ctx); err != nil {
			return nil, newAPIError(http.StatusBadGateway, "remote_unreachable", err.Error(), nil)
		}
		return nil, nil
	})
}
