// fog is a replicated file store: a coordinator tracks which stores hold
// which files, and peers validate their copies and repair them from replicas.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fogmesh/fog/internal/svc"
)

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fog",
		Short: "Fog - replicated file store with self-healing peers",
		Long: `Fog keeps files replicated across peer stores. A coordinator holds the
global inventory and grants; peers verify their files against it and repair
damaged copies from healthy replicas.

Run a coordinator with 'fog serve' and attach peers with 'fog join'.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	// Hidden flag consumed by the service manager entry point.
	rootCmd.PersistentFlags().String("service-run", "", "")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newJoinCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fog %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(parseLevel(logLevel))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// serviceArgs extracts the mode and config path passed by the service manager.
func serviceArgs(args []string) (mode, configPath string) {
	for i, arg := range args {
		if i+1 >= len(args) {
			break
		}
		switch arg {
		case "--service-run":
			mode = args[i+1]
		case "--config", "-c":
			configPath = args[i+1]
		}
	}
	return mode, configPath
}

func runAsService() {
	logLevel = "info"
	setupLogging()

	mode, configPath := serviceArgs(os.Args)
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}

	var run svc.RunFunc
	switch mode {
	case svc.ModeServe:
		run = func(ctx context.Context, path string) error {
			cfg, err := loadServerConfig(path)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		}
	case svc.ModeJoin:
		run = func(ctx context.Context, path string) error {
			cfg, err := loadPeerConfig(path)
			if err != nil {
				return err
			}
			return join(ctx, cfg, false)
		}
	default:
		log.Fatal().Str("mode", mode).Msg("unknown service mode")
	}

	log.Info().
		Str("mode", mode).
		Str("config", configPath).
		Str("version", Version).
		Msg("starting as service")

	c := svc.NewConfig(mode)
	c.ConfigPath = configPath
	if err := svc.Run(c, run); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}
