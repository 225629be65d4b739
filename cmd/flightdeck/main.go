package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/flightdeck/pkg/config"
	"github.com/ormasoftchile/flightdeck/pkg/engine"
	"github.com/ormasoftchile/flightdeck/pkg/inventory"
	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/runner"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "flightdeck",
	Short:         "Remote execution engine for commands and flight plans over SSH",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// app bundles everything a command handler needs.
type app struct {
	cfg    *config.Config
	inv    *inventory.Inventory
	store  ledger.Store
	trace  *ledger.TraceWriter
	engine *engine.Engine
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	inv, err := inventory.Load(cfg.InventoryDir)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}

	var store ledger.Store
	switch cfg.LedgerBackend {
	case config.LedgerMemory:
		store = ledger.NewMemoryStore()
	default:
		store, err = ledger.OpenSQLite(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}

	var trace *ledger.TraceWriter
	if cfg.TracePath != "" {
		trace, err = ledger.NewTraceWriter(cfg.TracePath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open trace: %w", err)
		}
	}

	eng := engine.New(engine.Config{
		Lookup:            inv,
		Store:             store,
		Trace:             trace,
		Secrets:           inv,
		Log:               cfg.Logger(),
		FilesDir:          cfg.FilesDir,
		DefaultSSHTimeout: cfg.SSHTimeout,
		ZombieTimeout:     cfg.ZombieTimeout,
	})
	return &app{cfg: cfg, inv: inv, store: store, trace: trace, engine: eng}, nil
}

func (a *app) close() {
	a.engine.Close()
	a.trace.Close()
	a.store.Close()
}

// parseVars turns repeated key=value flags into a map.
func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid variable %q, want key=value", pair)
		}
		values[parts[0]] = parts[1]
	}
	return values, nil
}

func printYAML(v interface{}) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

// --- run-command ---

var (
	runCommandPath   string
	runCommandNoSudo bool
	runCommandVars   []string
)

var runCommandCmd = &cobra.Command{
	Use:   "run-command <server> <command>",
	Short: "Run a command on a server and print its log entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunCommand,
}

func runRunCommand(cmd *cobra.Command, args []string) error {
	values, err := parseVars(runCommandVars)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	opts := runner.Options{Path: runCommandPath, VariableValues: values}
	if runCommandNoSudo {
		noSudo := false
		opts.Sudo = &noSudo
	}
	log, err := a.engine.RunCommand(args[0], args[1], opts)
	if err != nil {
		return err
	}
	if err := printYAML(log); err != nil {
		return err
	}
	if log.Status != 0 {
		return fmt.Errorf("command finished with status %d", log.Status)
	}
	return nil
}

// --- run-plan ---

var runPlanVars []string

var runPlanCmd = &cobra.Command{
	Use:   "run-plan <server> <plan>",
	Short: "Run a flight plan on a server and print its log entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runRunPlan,
}

func runRunPlan(cmd *cobra.Command, args []string) error {
	values, err := parseVars(runPlanVars)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	log, err := a.engine.RunPlan(args[0], args[1], values)
	if err != nil {
		return err
	}
	if err := printYAML(log); err != nil {
		return err
	}
	if log.Status != 0 {
		return fmt.Errorf("flight plan finished with status %d", log.Status)
	}
	return nil
}

// --- stop ---

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop running work",
}

var stopCommandCmd = &cobra.Command{
	Use:   "command <log-id>",
	Short: "Stop a running command by its log ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return a.engine.StopCommand(args[0])
	},
}

var stopPlanCmd = &cobra.Command{
	Use:   "plan <log-id>",
	Short: "Stop a running flight plan by its log ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return a.engine.StopPlan(args[0])
	},
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Terminate command runs that outlived the zombie timeout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		logs, err := a.engine.SweepZombies()
		if err != nil {
			return err
		}
		if a.cfg.ZombieTimeout <= 0 {
			fmt.Println("Zombie sweep is disabled (FLIGHTDECK_ZOMBIE_TIMEOUT is not set)")
			return nil
		}
		fmt.Printf("Terminated %d zombie run(s)\n", len(logs))
		return nil
	},
}

// --- host-key ---

var hostKeyCmd = &cobra.Command{
	Use:   "host-key <server>",
	Short: "Fetch the server's SSH host key for pinning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		key, err := a.engine.FetchHostKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

// --- ping ---

var pingCmd = &cobra.Command{
	Use:   "ping <server>",
	Short: "Test the SSH connection to a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		out, err := a.engine.TestConnection(args[0])
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every definition in the inventory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		inv, err := inventory.Load(cfg.InventoryDir)
		if err != nil {
			return fmt.Errorf("load inventory: %w", err)
		}
		errs := inv.Validate()
		for _, e := range errs {
			fmt.Println(e.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d validation error(s)", len(errs))
		}
		fmt.Printf("OK: %d server(s), %d command(s), %d plan(s)\n",
			len(inv.ServerRefs()), len(inv.CommandRefs()), len(inv.PlanRefs()))
		return nil
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flightdeck %s (%s)\n", version, commit)
	},
}

func init() {
	runCommandCmd.Flags().StringVar(&runCommandPath, "path", "", "Directory to run the command in (overrides the command default)")
	runCommandCmd.Flags().BoolVar(&runCommandNoSudo, "no-sudo", false, "Disable sudo for this run regardless of the server setting")
	runCommandCmd.Flags().StringArrayVar(&runCommandVars, "var", nil, "Set a variable (key=value), repeatable")

	runPlanCmd.Flags().StringArrayVar(&runPlanVars, "var", nil, "Set a variable (key=value), repeatable")

	stopCmd.AddCommand(stopCommandCmd)
	stopCmd.AddCommand(stopPlanCmd)

	rootCmd.AddCommand(runCommandCmd)
	rootCmd.AddCommand(runPlanCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(hostKeyCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}
