package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fogmesh/fog/internal/svc"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the fog system service",
		Long: `Install, control, and remove fog as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)`,
		Example: `  # Install a peer service
  sudo fog service install --mode join --config /etc/fog/peer.yaml

  # Install the coordinator
  sudo fog service install --mode serve --config /etc/fog/coordinator.yaml

  sudo fog service start --mode serve
  sudo fog service logs --follow`,
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeJoin, "service mode: 'serve' (coordinator) or 'join' (peer)")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: fog-peer or fog-coordinator)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install fog as a system service",
		Long: `Install fog as a system service that starts at boot.

For peers, FOG_SERVER and FOG_TOKEN set in the installing environment are
stored in the service definition instead of the command line.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the fog system service",
		RunE:  runServiceUninstall,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the fog service", capitalize(action)),
			RunE:  runServiceControl(action),
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show fog service status",
		RunE:  runServiceStatus,
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View fog service logs",
		Long: `View logs from the fog service.

Log locations by platform:
  - Linux:   journalctl -u <name>
  - macOS:   /var/log/<name>.out.log and /var/log/<name>.err.log
  - Windows: Event Viewer > Application log`,
		RunE: runServiceLogs,
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func getServiceConfig() (*svc.Config, error) {
	if serviceMode != svc.ModeServe && serviceMode != svc.ModeJoin {
		return nil, fmt.Errorf("invalid mode %q: must be 'serve' or 'join'", serviceMode)
	}
	c := svc.NewConfig(serviceMode)
	if serviceName != "" {
		c.Name = serviceName
	}
	if cfgFile != "" {
		c.ConfigPath = cfgFile
	}
	c.UserName = serviceUser
	return c, nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	c, err := getServiceConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(c.ConfigPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s\nCreate the config file first or pass --config", c.ConfigPath)
	}
	if c.Mode == svc.ModeJoin {
		c.Server = os.Getenv(svc.EnvServer)
		c.AccessToken = os.Getenv(svc.EnvToken)
	}

	log.Info().
		Str("name", c.Name).
		Str("mode", c.Mode).
		Str("config", c.ConfigPath).
		Msg("installing service")

	if err := svc.Install(c, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Service %q installed.\n", c.Name)
	fmt.Fprintf(out, "\nTo start the service:\n  fog service start --mode %s --name %s\n", c.Mode, c.Name)
	fmt.Fprintf(out, "\nTo view logs:\n  fog service logs --name %s\n", c.Name)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	c, err := getServiceConfig()
	if err != nil {
		return err
	}

	log.Info().Str("name", c.Name).Msg("uninstalling service")
	if err := svc.Uninstall(c); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled.\n", c.Name)
	return nil
}

func runServiceControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := svc.CheckPrivileges(); err != nil {
			return err
		}
		c, err := getServiceConfig()
		if err != nil {
			return err
		}

		log.Info().Str("name", c.Name).Str("action", action).Msg("controlling service")
		if err := svc.Control(c, action); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Service %q: %s done.\n", c.Name, action)
		return nil
	}
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	c, err := getServiceConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	status, err := svc.Status(c)
	if err != nil {
		fmt.Fprintf(out, "Service: %s\nStatus:  not installed or unknown\nError:   %v\n", c.Name, err)
		return nil
	}
	fmt.Fprintf(out, "Service: %s\n", c.Name)
	fmt.Fprintf(out, "Status:  %s\n", svc.StatusString(status))
	fmt.Fprintf(out, "Mode:    %s\n", c.Mode)
	fmt.Fprintf(out, "Config:  %s\n", c.ConfigPath)
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	c, err := getServiceConfig()
	if err != nil {
		return err
	}
	return svc.ViewLogs(svc.LogOptions{
		ServiceName: c.Name,
		Follow:      logsFollow,
		Lines:       logsLines,
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
