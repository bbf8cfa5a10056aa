package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"caption-sky/server/internal/app"
	"caption-sky/server/internal/config"
	"caption-sky/server/internal/flight"
	"caption-sky/server/internal/net/proto"
	"caption-sky/server/internal/source"
	"caption-sky/server/internal/telemetry"
)

type cli struct {
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "caption-sky",
		Short: "Serve a sky of birds carrying the best captions",
		Long: `caption-sky loads recent captions from the configured source, picks the
best ones and streams a flock of birds carrying them to websocket clients.

Run without a subcommand to start the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.verbose {
				cfg.Logging.Level = "debug"
			}
			logger, err := telemetry.NewLogger(cfg.Logging.Level)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
		RunE: c.serve,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "caption-sky.yaml", "path to the YAML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and websocket server",
			RunE:  c.serve,
		},
		c.snapshotCmd(),
		c.schemaCmd(),
	)
	return root
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{Config: c.cfg, Logger: c.logger}); err != nil {
		c.logger.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}

func (c *cli) snapshotCmd() *cobra.Command {
	var (
		ticks      int
		count      int
		speed      float64
		sourceKind string
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Load captions once and print the sky state as JSON",
		Long: `Loads captions from the configured source, optionally applies rotation
ticks, and prints the resulting state message.

Example:
  caption-sky snapshot --ticks 3 --count 12 --speed 1.4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if sourceKind != "" {
				cfg.Source.Kind = sourceKind
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			opts := app.SnapshotOptions{Ticks: ticks}
			if cmd.Flags().Changed("count") || cmd.Flags().Changed("speed") {
				controls := cfg.Controls()
				if cmd.Flags().Changed("count") {
					controls.Count = count
				}
				if cmd.Flags().Changed("speed") {
					controls.Speed = speed
				}
				controls = controls.Normalized()
				opts.Controls = &controls
			}

			state, err := app.Snapshot(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			if state.Birds == nil {
				state.Birds = []proto.BirdV1{}
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(state)
		},
	}
	cmd.Flags().IntVar(&ticks, "ticks", 0, "rotation ticks to apply before printing")
	cmd.Flags().IntVar(&count, "count", flight.DefaultBirds, "number of birds (3-20)")
	cmd.Flags().Float64Var(&speed, "speed", flight.DefaultSpeed, "speed multiplier (0.6-1.8)")
	cmd.Flags().StringVar(&sourceKind, "source", "", fmt.Sprintf("override the source kind (%s, %s, %s, %s)",
		source.KindNone, source.KindFile, source.KindSQLite, source.KindREST))
	return cmd
}

func (c *cli) schemaCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the state message",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := proto.SchemaJSON()
			if err != nil {
				return err
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write schema: %w", err)
			}
			c.logger.Info("schema written", zap.String("path", out))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the schema to this file instead of stdout")
	return cmd
}
