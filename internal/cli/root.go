package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/closedloop/internal/monitor"
	"github.com/turtacn/closedloop/internal/orchestrator"
	"github.com/turtacn/closedloop/internal/relay"
	"github.com/turtacn/closedloop/internal/runningmode"
	"github.com/turtacn/closedloop/pkg/consts"
	"github.com/turtacn/closedloop/pkg/logger"
	"github.com/turtacn/closedloop/pkg/protocol"
)

var (
	cfgFile    string
	socketPath string
	minutes    int
	reasons    []string
)

var rootCmd = &cobra.Command{
	Use:   "closedloop",
	Short: "closedloop: insulin pump loop controller",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the controller daemon",
	Run: func(cmd *cobra.Command, args []string) {
		// 1. Load Config
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		// 2. Init Logger & Metrics
		logger.InitLogger(cfg.Observability.LogLevel)
		monitor.Register()

		logger.Log.Info("Booting closedloop controller...", "pump", cfg.Pump.Driver, "storage", cfg.Storage.Driver)

		// 3. Start Engine
		engine, err := orchestrator.NewEngine(context.Background(), &cfg, logger.Log)
		if err != nil {
			logger.Log.Error("Engine setup failed", "err", err)
			os.Exit(1)
		}
		if err := engine.Start(context.Background()); err != nil {
			logger.Log.Error("Engine fatal error", "err", err)
			os.Exit(1)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the controller status document",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, relay.Request{Op: relay.OpStatus})
		if err != nil {
			return err
		}
		return resp.Status.Encode(cmd.OutOrStdout())
	},
}

var modeCmd = &cobra.Command{
	Use:   "mode MODE",
	Short: "Request a running mode change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, relay.Request{
			Op:      relay.OpMode,
			Mode:    strings.ToUpper(args[0]),
			Minutes: minutes,
			Reasons: reasons,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "accepted: %v\n", resp.Accepted)
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept",
	Short: "Approve the pending open loop suggestion",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, relay.Request{Op: relay.OpAccept})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "accepted: %v\n", resp.Accepted)
		return nil
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Run a loop pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd, relay.Request{Op: relay.OpInvoke})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Outcome)
		return nil
	},
}

var glucoseCmd = &cobra.Command{
	Use:   "bg VALUE",
	Short: "Feed a glucose reading in mg/dL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid glucose %q: %w", args[0], err)
		}
		_, err = call(cmd, relay.Request{Op: relay.OpGlucose, Glucose: v})
		return err
	},
}

var modesCmd = &cobra.Command{
	Use:   "modes [MODE]",
	Short: "Print the running mode transition table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from := runningmode.Modes
		if len(args) == 1 {
			m, err := runningmode.ParseMode(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			from = []runningmode.Mode{m}
		}
		printTransitions(cmd.OutOrStdout(), from)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "closedloop.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "controller socket (default from config)")
	modeCmd.Flags().IntVarP(&minutes, "minutes", "m", 0, "duration for temporary modes")
	modeCmd.Flags().StringSliceVarP(&reasons, "reason", "r", nil, "reason recorded with the change")

	rootCmd.AddCommand(startCmd, statusCmd, modeCmd, acceptCmd, invokeCmd, glucoseCmd, modesCmd)
}

// loadConfig reads path, or falls back to defaults plus environment when the
// file does not exist.
func loadConfig(path string) (protocol.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := protocol.Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return protocol.Load(path)
}

func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if v := os.Getenv(consts.EnvSocketPath); v != "" {
		return v
	}
	if cfg, err := loadConfig(cfgFile); err == nil && cfg.Relay.SocketPath != "" {
		return cfg.Relay.SocketPath
	}
	return consts.DefaultSocketPath
}

func call(cmd *cobra.Command, req relay.Request) (relay.Response, error) {
	resp, err := relay.Call(cmd.Context(), resolveSocket(), req, 0)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s", resp.Error)
	}
	return resp, nil
}

func printTransitions(w io.Writer, from []runningmode.Mode) {
	store := runningmode.NewStore(runningmode.NewMemoryRepository(), nil)
	table := make(map[string][]runningmode.Mode, len(from))
	for _, m := range from {
		table[string(m)] = store.AllowedNextModes(m)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(table)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
