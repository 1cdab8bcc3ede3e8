package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/NISC-lab-unime/biofeedback-server/internal/client"
	"github.com/NISC-lab-unime/biofeedback-server/internal/config"
	"github.com/NISC-lab-unime/biofeedback-server/internal/logging"
	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/viewer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "biofeed-viewer",
		Short: "Terminal viewer for a biofeedback stream",
		Long: `biofeed-viewer connects to a biofeed-server, subscribes to the stream and
renders live gauges. Lost connections are retried with exponential backoff.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, logFile, err := clientOptions(cmd)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().String("config", "config.yaml", "Path to config file")
	cmd.PersistentFlags().String("url", "", "WebSocket URL of the server")
	cmd.Flags().Float64("hz", 0, "Stream frequency to request after subscribing")
	cmd.Flags().String("scenario", "", "Scenario to request after subscribing")
	cmd.Flags().Bool("no-reconnect", false, "Stop after the first connection failure")
	cmd.Flags().String("log-file", "", "Write logs to this file")

	cmd.AddCommand(newSessionsCmd())
	return cmd
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the live sessions of the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, _, err := clientOptions(cmd)
			if err != nil {
				return err
			}
			base, err := client.HTTPBase(opts.URL)
			if err != nil {
				return err
			}
			sessions, err := client.NewHTTPClient(base).Sessions(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(w, "no live sessions")
				return nil
			}
			for _, s := range sessions {
				fmt.Fprintf(w, "%s  %-10s %6g Hz  %-14s %d samples\n",
					s.ID, s.State, s.FrequencyHz, s.Scenario, s.SamplesGenerated)
			}
			return nil
		},
	}
}

// scenarioNames asks the server for its catalog and falls back to the
// built-in one.
func scenarioNames(ctx context.Context, wsURL string) []string {
	base, err := client.HTTPBase(wsURL)
	if err != nil {
		return scenario.Names()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	list, err := client.NewHTTPClient(base).Scenarios(ctx)
	if err != nil || len(list.Scenarios) == 0 {
		return scenario.Names()
	}
	return list.Scenarios
}

// clientOptions merges config file, environment and flags. The returned
// file, when non-nil, receives the logs and must be closed by the caller.
func clientOptions(cmd *cobra.Command) (client.Options, *os.File, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	var cfg *config.Config
	var err error
	if flags.Changed("config") {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return client.Options{}, nil, err
	}

	c := cfg.Client
	if u, _ := flags.GetString("url"); u != "" {
		c.URL = u
	}
	if hz, _ := flags.GetFloat64("hz"); hz > 0 {
		c.FrequencyHz = hz
	}
	if sc, _ := flags.GetString("scenario"); sc != "" {
		if _, err := scenario.Lookup(sc); err != nil {
			return client.Options{}, nil, err
		}
		c.Scenario = sc
	}
	if off, _ := flags.GetBool("no-reconnect"); off {
		c.Reconnect = false
	}

	logger := logging.Discard()
	var logFile *os.File
	if p, _ := flags.GetString("log-file"); p != "" {
		logFile, err = os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return client.Options{}, nil, fmt.Errorf("open log file: %w", err)
		}
		logger = logging.NewLogger(cfg.Log.Level, logFile)
	}

	return client.Options{
		URL:              c.URL,
		HandshakeTimeout: c.HandshakeTimeout,
		InitialBackoff:   c.InitialBackoff,
		MaxBackoff:       c.MaxBackoff,
		Reconnect:        c.Reconnect,
		FrequencyHz:      c.FrequencyHz,
		Scenario:         c.Scenario,
		Logger:           logger,
	}, logFile, nil
}

func run(ctx context.Context, opts client.Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := client.NewManager(opts)
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	hz := opts.FrequencyHz
	if hz <= 0 {
		hz = 1
	}
	sc := opts.Scenario
	if sc == "" {
		sc = scenario.Default
	}
	m := viewer.New(mgr, mgr.Events(), viewer.Options{
		FrequencyHz: hz,
		Scenario:    sc,
		Scenarios:   scenarioNames(ctx, opts.URL),
	})

	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	cancel()
	runErr := <-done
	if err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		opts.Logger.Warn("connection manager stopped", "error", runErr)
	}
	return nil
}
