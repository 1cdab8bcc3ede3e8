package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/export"
	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
	"github.com/NISC-lab-unime/biofeedback-server/internal/procstat"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/source"
	"github.com/NISC-lab-unime/biofeedback-server/internal/ws"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "biofeed-server",
		Short: "Simulated biofeedback streaming server",
		Long: `biofeed-server streams simulated heart rate, skin conductance, HRV and a
derived stress index to WebSocket clients. Each connection gets its own
session with an independent simulator, sampling rate and scenario.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(
		newServeCmd(),
		newScenariosCmd(),
		newSessionCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the --config file. The default path may be absent; an
// explicitly named file must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if cmd.Flags().Changed("config") {
		return config.Load(path)
	}
	return config.LoadOrDefault(path)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, cfg); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().Int("port", 0, "Override server port")
	cmd.Flags().String("host", "", "Override listen host")
	cmd.Flags().String("log-level", "", "Override log level (debug, info, warn, error)")
	cmd.Flags().String("source", "", "Sample source (simulator, replay)")
	cmd.Flags().String("replay", "", "Session log to replay (implies --source replay)")
	cmd.Flags().Uint64("seed", 0, "Simulator seed; session n uses seed+n")
	cmd.Flags().Bool("no-export", false, "Disable session log export")
	return cmd
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if port, _ := flags.GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := flags.GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if kind, _ := flags.GetString("source"); kind != "" {
		cfg.Source.Kind = source.Kind(kind)
	}
	if path, _ := flags.GetString("replay"); path != "" {
		cfg.Source.Kind = source.KindReplay
		cfg.Source.ReplayPath = path
	}
	if flags.Changed("seed") {
		cfg.Stream.Seed, _ = flags.GetUint64("seed")
	}
	if off, _ := flags.GetBool("no-export"); off {
		cfg.Export.Enabled = false
	}
	return cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sources, err := source.NewFactory(cfg.Source.Kind, cfg.Source.ReplayPath, time.Now)
	if err != nil {
		return fmt.Errorf("sample source: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return fmt.Errorf("session export: %w", err)
	}
	defer exporter.Close()

	stats, err := procstat.New()
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
		stats = nil
	}

	logger.Info("starting biofeed-server", "version", version, "source", cfg.Source.Kind,
		"default_scenario", cfg.Stream.DefaultScenario, "export", exportMode(cfg))

	srv := ws.NewServer(ws.Options{
		Config:   cfg,
		Sources:  sources,
		Exporter: exporter,
		Stats:    stats,
		Logger:   logger,
	})
	return srv.ListenAndServe(ctx)
}

func newExporter(cfg *config.Config) (export.Exporter, error) {
	if !cfg.Export.Enabled {
		return export.Discard{}, nil
	}
	switch cfg.Export.Format {
	case config.ExportSQLite:
		return export.NewSQLiteExporter(cfg.Export.SQLitePath)
	default:
		return export.NewJSONExporter(cfg.Export.Dir), nil
	}
}

func exportMode(cfg *config.Config) string {
	if !cfg.Export.Enabled {
		return "off"
	}
	return cfg.Export.Format
}

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the available simulation scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			return printScenarios(cmd.OutOrStdout(), jsonOut)
		},
	}
}

type phaseListing struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_seconds"`
	HRFrom   float64 `json:"hr_from"`
	HRTo     float64 `json:"hr_to"`
	EDAFrom  float64 `json:"eda_from"`
	EDATo    float64 `json:"eda_to"`
}

type scenarioListing struct {
	Name    string         `json:"name"`
	Default bool           `json:"default"`
	Cycle   bool           `json:"cycle"`
	Phases  []phaseListing `json:"phases"`
}

func printScenarios(w io.Writer, jsonOut bool) error {
	var out []scenarioListing
	for _, sc := range scenario.All() {
		l := scenarioListing{Name: sc.Name, Default: sc.Name == scenario.Default, Cycle: sc.Cycle}
		for _, p := range sc.Phases {
			l.Phases = append(l.Phases, phaseListing{
				Name:     p.Name,
				Duration: p.Duration.Seconds(),
				HRFrom:   p.HR.Target.From,
				HRTo:     p.HR.Target.To,
				EDAFrom:  p.EDA.Target.From,
				EDATo:    p.EDA.Target.To,
			})
		}
		out = append(out, l)
	}

	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	for _, l := range out {
		name := l.Name
		if l.Default {
			name += " (default)"
		}
		if l.Cycle {
			name += " [cycles]"
		}
		fmt.Fprintln(w, name)
		for _, p := range l.Phases {
			dur := "open"
			if p.Duration > 0 {
				dur = fmt.Sprintf("%gs", p.Duration)
			}
			fmt.Fprintf(w, "  %-10s %-5s HR %g→%g bpm  EDA %g→%g µS\n",
				p.Name, dur, p.HRFrom, p.HRTo, p.EDAFrom, p.EDATo)
		}
	}
	return nil
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session <session-id>",
		Short: "Print an exported session log from the SQLite store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.Export.SQLitePath = db
			}
			return printSession(cmd.Context(), cmd.OutOrStdout(), cfg.Export.SQLitePath, args[0])
		},
	}
	cmd.Flags().String("db", "", "SQLite database (defaults to export.sqlite_path)")
	return cmd
}

func printSession(ctx context.Context, w io.Writer, dbPath, id string) error {
	store, err := export.NewSQLiteExporter(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	l, err := store.Load(ctx, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(l)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "biofeed-server version %s\n", version)
			}
		},
	}
}
