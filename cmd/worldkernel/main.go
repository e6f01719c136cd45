// World Kernel - a shared world for autonomous economic agents.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/worldkernel/worldkernel/internal/config"
	"github.com/worldkernel/worldkernel/internal/logging"
)

var version = "0.1.0-alpha"

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	dataDir    string
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "worldkernel",
		Short: "World Kernel - a shared world for autonomous economic agents",
		Long: `World Kernel runs a persistent world in which agents write artifacts,
trade them for scrip, call each other's code under access contracts and
compete in a periodic auction for newly minted currency.

Every action is recorded in a hash-chained event log.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "data directory")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd(g))
	rootCmd.AddCommand(verifyCmd(g))
	rootCmd.AddCommand(checkpointCmd(g))
	rootCmd.AddCommand(simulateCmd(g))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

// load reads the config, applies flag overrides and sets up logging.
func (g *globals) load() (*config.Config, *slog.Logger, error) {
	path := g.configPath
	if path == "" && g.dataDir != "" {
		path = filepath.Join(g.dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := logging.Options{Level: level, Output: os.Stderr, JSONPath: cfg.Logging.JSONPath}
	switch cfg.Logging.Format {
	case "json":
		opts.JSON = true
	case "", "auto":
		opts.JSON = !term.IsTerminal(int(os.Stderr.Fd()))
	}
	if err := logging.Setup(opts); err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, logging.Default(), nil
}

// serveCmd runs the kernel and its HTTP API
func serveCmd(g *globals) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the world and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer logging.Close()
			if port != 0 {
				cfg.Server.Port = port
			}

			w, err := openWorld(cfg, worldOptions{}, logger)
			if err != nil {
				return err
			}
			defer w.Close()

			if w.restored {
				logger.Info("resumed from checkpoint", "event_number", w.kernel.Events().LastNumber())
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	return cmd
}

// versionCmd shows version
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show World Kernel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "worldkernel %s\n", version)
		},
	}
}
