package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	core "github.com/odmkit/odmctl/internal/core"
	"github.com/odmkit/odmctl/internal/telemetry"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg     core.Config
	stdout  io.Writer
	logSink io.Closer
}

// Create the root command
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odmctl",
		Short: "odmctl: drive WebODM and NodeODM from the command line",
		Long:  "odmctl uploads drone imagery to a WebODM server or a NodeODM node, waits for processing and downloads the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file (rotated)")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/odmctl/config.yaml)")
	cmd.PersistentFlags().String("host", "", "WebODM host (overrides config)")
	cmd.PersistentFlags().Int("port", 0, "WebODM port (overrides config)")
	cmd.PersistentFlags().String("proxy", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		if proxy, _ := c.Flags().GetString("proxy"); proxy != "" {
			_ = os.Setenv("HTTP_PROXY", proxy)
			_ = os.Setenv("HTTPS_PROXY", proxy)
		}

		cfgPath, _ := c.Flags().GetString("config")
		cfg, err := core.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		if host, _ := c.Flags().GetString("host"); host != "" {
			cfg.Server.Host = host
		}
		if port, _ := c.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}
		if f, _ := c.Flags().GetString("log-file"); f != "" {
			cfg.Log.File = f
		}
		if c.Flags().Changed("log") || cfg.Log.Level == "" {
			cfg.Log.Level, _ = c.Flags().GetString("log")
		}
		zerolog.SetGlobalLevel(parseLevel(cfg.Log.Level))
		a.cfg = cfg
		if cfg.Log.File != "" {
			a.logSink = addFileSink(cfg.Log)
		}
		telemetry.InitGlobal(cfg.Telemetry)
		return nil
	}

	cmd.AddCommand(newVersionCmd(a))
	cmd.AddCommand(newInitCmd(a))
	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newProjectsCmd(a))
	cmd.AddCommand(newNodesCmd(a))
	cmd.AddCommand(newNodeODMCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newKeygenCmd(a))
	return cmd
}

// Create the version command
func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "odmctl %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// parseLevel maps a --log / log.level value to a zerolog level.
func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup the logger
func setupLogger() {
	level := zerolog.InfoLevel
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(level)
}

// addFileSink tees the global logger into a rotating JSON file.
func addFileSink(c core.LogConfig) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    max(c.MaxSizeMB, 1),
		MaxBackups: max(c.MaxBackups, 1),
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, lj)).With().Timestamp().Logger()
	return lj
}

// Main entry point
func main() {
	setupLogger()
	a := &app{stdout: os.Stdout}
	root := newRootCmd(a)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root.SetContext(ctx)
	err := root.Execute()
	cancel()
	telemetry.Shutdown()
	if a.logSink != nil {
		_ = a.logSink.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
