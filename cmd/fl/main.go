package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fleetline/internal/analysis"
	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/journal"
	"fleetline/internal/migrate"
	"fleetline/internal/remote"
	"fleetline/internal/server"
	"fleetline/internal/state"
	"fleetline/internal/status"
	"fleetline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fleetline CLI",
	Long: `Fleetline tracks vehicle trips across depot stops, offline first.
Core concepts:
- Workspace: your .fleetline directory holding the local database. Everything
  works without a network; sync is an optional add-on.
- Units: the depots a vehicle visits. Vehicles: a trip with an ordered list of
  stops, each with an ETA. A pending stop past its ETA is late, but nothing is
  written down for being late: lateness is always derived from the clock.
- Servicing: marking a stop done requires an employee and at least one photo.
- Justifications: a late stop can be excused with a category and note; an
  admin reviews it later. The review is bookkeeping, it never changes the stop.
- Sync: point the workspace at a shared document URL and every device
  converges on the same fleet state. 'fl serve' exposes the HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(vehicleCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(justificationCmd())
	rootCmd.AddCommand(alarmCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(prefCmd())
	rootCmd.AddCommand(photoCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// cliEnv bundles everything a command needs after the workspace is opened.
type cliEnv struct {
	Engine engine.Engine
	Sync   *remote.Engine
	Local  store.Store
	Config *config.Config
}

func withEnv(ctx context.Context, fn func(context.Context, *cliEnv) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	local := store.Store{DB: conn}
	st := state.New(local.Load(ctx))

	var dirty atomic.Bool
	st.Subscribe(func(snap domain.AppState, origin state.Origin) {
		local.SaveState(ctx, snap)
		if origin == state.OriginLocal {
			dirty.Store(true)
		}
	})

	sync := &remote.Engine{
		State:     st,
		Client:    &remote.Client{Timeout: time.Duration(cfg.Remote.RequestTimeoutSecs) * time.Second},
		PullEvery: cfg.PullInterval(),
		Quiet:     cfg.PushQuiet(),
		SavedFor:  cfg.SavedWindow(),
	}
	env := &cliEnv{
		Engine: engine.Engine{
			State:       st,
			Journal:     journal.Writer{DB: conn},
			Analyzer:    analysis.New(cfg.Analysis.URL, time.Duration(cfg.Analysis.TimeoutSecs)*time.Second),
			Remote:      sync,
			Config:      cfg,
			SaveSession: local.SaveSession,
		},
		Sync:   sync,
		Local:  local,
		Config: cfg,
	}
	if err := fn(ctx, env); err != nil {
		return err
	}
	// One-shot commands exit before the debounce window would elapse, so
	// push any local change now. Failures are not fatal: the state is on
	// disk and the next sync will carry it.
	if dirty.Load() && st.Snapshot().RemoteURL != "" {
		if err := sync.Flush(ctx); err != nil {
			fmt.Println("warning: push failed:", err)
		}
	}
	return nil
}

func (env *cliEnv) actorID() string {
	if cu := env.Engine.State.Snapshot().CurrentUser; cu != nil {
		return cu.ID
	}
	return "local-user"
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Log in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				u, err := env.Engine.Login(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("logged in as %s (%s)\n", u.Username, u.Role)
				return nil
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return env.Engine.Logout(ctx)
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				cu := env.Engine.State.Snapshot().CurrentUser
				if cu == nil {
					fmt.Println("not logged in")
					return nil
				}
				return printJSONOrTable(map[string]string{
					"id": cu.ID, "username": cu.Username, "role": cu.Role, "unit_id": cu.UnitID,
				})
			})
		},
	}
}

func unitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Depot units",
	}
	cmd.AddCommand(unitListCmd())
	cmd.AddCommand(unitAddCmd())
	cmd.AddCommand(unitDeleteCmd())
	return cmd
}

func unitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				units := env.Engine.State.Snapshot().Units
				if viper.GetBool("json") {
					return printJSON(units)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Location", "Alarm (min)"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Location, u.AlarmIntervalMin})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func unitAddCmd() *cobra.Command {
	var location string
	var alarmMin int
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				u, err := env.Engine.AddUnit(ctx, engine.UnitOptions{
					Name: args[0], Location: location, AlarmIntervalMin: alarmMin,
				}, env.actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location label")
	cmd.Flags().IntVar(&alarmMin, "alarm-min", 0, "minutes of lateness before an alarm")
	return cmd
}

func unitDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <unit-id>",
		Short: "Delete unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.DeleteUnit(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Vehicle trips",
	}
	cmd.AddCommand(vehicleListCmd())
	cmd.AddCommand(vehicleAddCmd())
	cmd.AddCommand(vehicleShowCmd())
	cmd.AddCommand(vehicleCancelCmd())
	cmd.AddCommand(vehicleDeleteCmd())
	return cmd
}

func vehicleListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List vehicles with derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				snap := env.Engine.State.Snapshot()
				now := time.Now()
				vehicles := snap.Vehicles
				if !all {
					vehicles = status.ActiveVehicles(vehicles)
				}
				if viper.GetBool("json") {
					return printJSON(vehicles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Route", "Status", "Late", "Eff %", "Stops"})
				for _, v := range vehicles {
					late := ""
					if status.VehicleLate(v, now) {
						late = "LATE"
					}
					done := 0
					for _, s := range v.Stops {
						if s.Status == domain.StopCompleted {
							done++
						}
					}
					tw.AppendRow(table.Row{
						v.ID, v.Number, v.Route, v.Status, late,
						status.Efficiency(v.Stops, now),
						fmt.Sprintf("%d/%d", done, len(v.Stops)),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include cancelled and completed vehicles")
	return cmd
}

// parseStopSpec parses "unit-id:TYPE:rfc3339-eta".
func parseStopSpec(spec string) (engine.StopOptions, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return engine.StopOptions{}, fmt.Errorf("invalid stop spec %q, want unit:TYPE:eta", spec)
	}
	eta, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return engine.StopOptions{}, fmt.Errorf("invalid eta in %q: %w", spec, err)
	}
	return engine.StopOptions{
		UnitID: parts[0],
		Type:   strings.ToUpper(parts[1]),
		ETA:    domain.Millis(eta),
	}, nil
}

func vehicleAddCmd() *cobra.Command {
	var route, templateID, start string
	var stopSpecs []string
	cmd := &cobra.Command{
		Use:   "add <number>",
		Short: "Add vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if templateID != "" {
					startAt := time.Now()
					if start != "" {
						parsed, err := time.Parse(time.RFC3339, start)
						if err != nil {
							return fmt.Errorf("invalid start: %w", err)
						}
						startAt = parsed
					}
					v, err := env.Engine.AddVehicleFromTemplate(ctx, templateID, args[0], startAt, env.actorID())
					if err != nil {
						return err
					}
					return printJSONOrTable(v)
				}
				opts := engine.VehicleOptions{Number: args[0], Route: route}
				for _, spec := range stopSpecs {
					s, err := parseStopSpec(spec)
					if err != nil {
						return err
					}
					opts.Stops = append(opts.Stops, s)
				}
				v, err := env.Engine.AddVehicle(ctx, opts, env.actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "route label")
	cmd.Flags().StringArrayVar(&stopSpecs, "stop", nil, "stop as unit:TYPE:rfc3339-eta (repeatable)")
	cmd.Flags().StringVar(&templateID, "template", "", "create from route template id")
	cmd.Flags().StringVar(&start, "start", "", "template start time (RFC3339, default now)")
	return cmd
}

func vehicleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <vehicle-id>",
		Short: "Show a vehicle with per-stop badges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				snap := env.Engine.State.Snapshot()
				v := snap.Vehicle(args[0])
				if v == nil {
					return fmt.Errorf("vehicle %s not found", args[0])
				}
				now := time.Now()
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("%s  %s  %s  efficiency %d%%\n", v.Number, v.Route, v.Status, status.Efficiency(v.Stops, now))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Type", "ETA", "Badge", "Delay (min)", "Photos"})
				for _, s := range status.SortStops(v.Stops, now) {
					unitName := s.UnitID
					if u := snap.Unit(s.UnitID); u != nil {
						unitName = u.Name
					}
					delay := ""
					if status.IsLate(s, now) {
						delay = fmt.Sprintf("%d", status.DelayMinutes(s, now))
					}
					tw.AppendRow(table.Row{
						unitName, s.Type, time.UnixMilli(s.ETA).Format(time.RFC3339),
						status.Badge(s, now), delay, len(s.Photos),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func vehicleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <vehicle-id>",
		Short: "Cancel a pending vehicle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.CancelVehicle(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func vehicleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vehicle-id>",
		Short: "Delete a vehicle and its justifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.DeleteVehicle(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop lifecycle",
	}
	cmd.AddCommand(stopServiceCmd())
	cmd.AddCommand(stopJustifyCmd())
	return cmd
}

// loadPhoto reads a photo file and encodes it for storage.
func loadPhoto(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read photo %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func stopServiceCmd() *cobra.Command {
	var vehicleID, unitID, employeeID string
	var photoPaths []string
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Mark a stop serviced",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				var photos []string
				for _, p := range photoPaths {
					encoded, err := loadPhoto(p)
					if err != nil {
						return err
					}
					photos = append(photos, encoded)
				}
				return env.Engine.ServiceStop(ctx, engine.ServiceOptions{
					VehicleID:  vehicleID,
					UnitID:     unitID,
					EmployeeID: employeeID,
					Photos:     photos,
					ActorID:    env.actorID(),
				})
			})
		},
	}
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&employeeID, "employee", "", "servicing employee id")
	cmd.Flags().StringArrayVar(&photoPaths, "photo", nil, "photo file (repeatable, at least one)")
	_ = cmd.MarkFlagRequired("vehicle")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("employee")
	return cmd
}

func stopJustifyCmd() *cobra.Command {
	var vehicleID, unitID, category, text string
	cmd := &cobra.Command{
		Use:   "justify",
		Short: "File a late justification for a stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				j, err := env.Engine.JustifyStop(ctx, engine.JustifyOptions{
					VehicleID: vehicleID,
					UnitID:    unitID,
					Category:  category,
					Text:      text,
					ActorID:   env.actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&category, "category", "", "justification category")
	cmd.Flags().StringVar(&text, "text", "", "free-form note")
	_ = cmd.MarkFlagRequired("vehicle")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Route templates",
	}
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateAddCmd())
	cmd.AddCommand(templateDeleteCmd())
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return printJSONOrTable(env.Engine.State.Snapshot().Templates)
			})
		},
	}
}

func templateAddCmd() *cobra.Command {
	var route string
	var stopSpecs []string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a route template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				var stops []domain.TemplateStop
				for _, spec := range stopSpecs {
					parts := strings.SplitN(spec, ":", 3)
					if len(parts) != 3 {
						return fmt.Errorf("invalid stop spec %q, want unit:TYPE:offset-min", spec)
					}
					var offset int
					if _, err := fmt.Sscanf(parts[2], "%d", &offset); err != nil {
						return fmt.Errorf("invalid offset in %q: %w", spec, err)
					}
					stops = append(stops, domain.TemplateStop{
						UnitID:       parts[0],
						Type:         strings.ToUpper(parts[1]),
						ETAOffsetMin: offset,
					})
				}
				tpl, err := env.Engine.AddTemplate(ctx, engine.TemplateOptions{
					Name: args[0], Route: route, Stops: stops,
				}, env.actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "route label")
	cmd.Flags().StringArrayVar(&stopSpecs, "stop", nil, "stop as unit:TYPE:offset-min (repeatable)")
	return cmd
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <template-id>",
		Short: "Delete a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.DeleteTemplate(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func employeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "employee",
		Short: "Depot employees",
	}
	cmd.AddCommand(employeeListCmd())
	cmd.AddCommand(employeeAddCmd())
	cmd.AddCommand(employeeToggleCmd())
	cmd.AddCommand(employeeDeleteCmd())
	return cmd
}

func employeeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				employees := env.Engine.State.Snapshot().Employees
				if viper.GetBool("json") {
					return printJSON(employees)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Unit", "Active", "Schedule"})
				for _, emp := range employees {
					tw.AppendRow(table.Row{emp.ID, emp.Name, emp.UnitID, emp.Active, emp.Schedule})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func employeeAddCmd() *cobra.Command {
	var unitID, schedule string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				emp, err := env.Engine.AddEmployee(ctx, engine.EmployeeOptions{
					Name: args[0], UnitID: unitID, Schedule: schedule,
				}, env.actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(emp)
			})
		},
	}
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&schedule, "schedule", "", "work schedule label")
	_ = cmd.MarkFlagRequired("unit")
	return cmd
}

func employeeToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <employee-id>",
		Short: "Toggle employee active flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.ToggleEmployeeStatus(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func employeeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <employee-id>",
		Short: "Delete employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.DeleteEmployee(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User accounts",
	}
	cmd.AddCommand(userListCmd())
	cmd.AddCommand(userAddCmd())
	cmd.AddCommand(userDeleteCmd())
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				users := env.Engine.State.Snapshot().Users
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Role", "Unit"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.UnitID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userAddCmd() *cobra.Command {
	var role, unitID string
	cmd := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				u, err := env.Engine.AddUser(ctx, engine.UserOptions{
					Username: args[0], Password: args[1], Role: role, UnitID: unitID,
				}, env.actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id": u.ID, "username": u.Username, "role": u.Role, "unit_id": u.UnitID,
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.RoleUnit, "account role (admin or unit)")
	cmd.Flags().StringVar(&unitID, "unit", "", "unit id (unit role only)")
	return cmd
}

func userDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return env.Engine.DeleteUser(ctx, args[0], env.actorID())
			})
		},
	}
}

func justificationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "justification",
		Short: "Late justifications",
	}
	cmd.AddCommand(justificationListCmd())
	cmd.AddCommand(justificationReviewCmd())
	return cmd
}

func justificationListCmd() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List justifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				items := env.Engine.State.Snapshot().Justifications
				if pending {
					filtered := items[:0:0]
					for _, j := range items {
						if j.Review == domain.ReviewPending {
							filtered = append(filtered, j)
						}
					}
					items = filtered
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Vehicle", "Unit", "Category", "Review", "Narrative"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.VehicleID, j.UnitID, j.Category, j.Review, j.Narrative})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "only pending review")
	return cmd
}

func justificationReviewCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "review <justification-id> <APPROVED|REJECTED>",
		Short: "Record an admin verdict",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return env.Engine.ReviewJustification(ctx, args[0], strings.ToUpper(args[1]), comment, env.actorID())
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment")
	return cmd
}

func alarmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alarm",
		Short: "Lateness alarms",
	}
	cmd.AddCommand(alarmListCmd())
	cmd.AddCommand(alarmScanCmd())
	cmd.AddCommand(alarmSilenceCmd())
	return cmd
}

func alarmListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List alarms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return printJSONOrTable(env.Engine.State.Snapshot().Alarms)
			})
		},
	}
}

func alarmScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Raise alarms for stops past their ETA",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				snap := env.Engine.State.Snapshot()
				now := time.Now()
				raised := 0
				for _, v := range status.ActiveVehicles(snap.Vehicles) {
					for _, s := range v.Stops {
						if !status.IsLate(s, now) {
							continue
						}
						if u := snap.Unit(s.UnitID); u != nil && u.AlarmIntervalMin > 0 {
							if status.DelayMinutes(s, now) < u.AlarmIntervalMin {
								continue
							}
						}
						if _, ok := env.Engine.RaiseAlarm(ctx, v.ID, s.UnitID); ok {
							raised++
						}
					}
				}
				fmt.Printf("raised %d alarm(s)\n", raised)
				return nil
			})
		},
	}
}

func alarmSilenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "silence <alarm-id>",
		Short: "Silence an alarm",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Engine.SilenceAlarm(ctx, args[0], env.actorID())
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Remote document sync",
	}
	cmd.AddCommand(syncSetURLCmd())
	cmd.AddCommand(syncStatusCmd())
	cmd.AddCommand(syncPushCmd())
	cmd.AddCommand(syncPullCmd())
	cmd.AddCommand(syncTestCmd())
	return cmd
}

func syncSetURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-url <url>",
		Short: "Configure the shared document URL (empty to disable)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				url := ""
				if len(args) == 1 {
					url = args[0]
				}
				env.Engine.SetRemoteURL(ctx, url, env.actorID())
				return nil
			})
		},
	}
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				st, detail := env.Sync.Status()
				out := map[string]string{
					"status":     st,
					"remote_url": env.Engine.State.Snapshot().RemoteURL,
				}
				if detail != "" {
					out["last_error"] = detail
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func syncPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Push local state now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return env.Sync.Flush(ctx)
			})
		},
	}
}

func syncPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Pull the shared document now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				snap := env.Engine.State.Snapshot()
				if snap.RemoteURL == "" {
					return errors.New("no remote url configured")
				}
				env.Sync.PullOnce(ctx, snap.RemoteURL)
				if st, detail := env.Sync.Status(); st == remote.StatusError {
					return errors.New(detail)
				}
				return nil
			})
		},
	}
}

func syncTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Probe the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if err := env.Sync.TestConnection(ctx); err != nil {
					return err
				}
				fmt.Println("connection ok")
				return nil
			})
		},
	}
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup and restore",
	}
	cmd.AddCommand(backupExportCmd())
	cmd.AddCommand(backupImportCmd())
	return cmd
}

func backupExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				data, err := env.Engine.ExportBackup()
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func backupImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the local state from a backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				return env.Engine.ImportBackup(ctx, data, env.actorID())
			})
		},
	}
}

func prefCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pref",
		Short: "Device preferences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Read a preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				fmt.Println(env.Local.Pref(ctx, args[0], ""))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				return env.Local.SetPref(ctx, args[0], args[1])
			})
		},
	})
	return cmd
}

func photoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photo",
		Short: "Photo tooling",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "judge <file>",
		Short: "Ask the analysis service whether a photo looks plausible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				encoded, err := loadPhoto(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(env.Engine.Analyzer.JudgePhoto(ctx, encoded))
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Local event journal",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				entries, err := env.Engine.Journal.Tail(ctx, n, evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with background sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				env.Sync.Start()
				defer env.Sync.Stop()

				authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLEETLINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					fmt.Println("warning: FLEETLINE_JWT_SECRET not set, API auth is disabled")
				}
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					Sync:     env.Sync,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Fleetline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
