// Package svc runs the fog coordinator or a fog peer as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeServe = "serve"
	ModeJoin  = "join"
)

// Environment variables read by `fog join` in service mode. Values passed
// this way stay out of process listings.
const (
	EnvServer = "FOG_SERVER"
	EnvToken  = "FOG_TOKEN"
)

// RunFunc runs a mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program adapts a RunFunc to service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches the run function in the background.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("no run function configured for mode %q", p.Mode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("mode", p.Mode).Msg("service run failed")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the run function and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name        string
	DisplayName string
	Description string
	Mode        string // ModeServe or ModeJoin
	ConfigPath  string
	UserName    string // Linux/macOS only
	Server      string // join only, exported as FOG_SERVER
	AccessToken string // join only, exported as FOG_TOKEN
}

// NewConfig returns a service config for mode with default naming.
func NewConfig(mode string) *Config {
	name, display, desc := "fog-peer", "Fog Peer", "Fog replicated file store peer"
	if mode == ModeServe {
		name, display, desc = "fog-coordinator", "Fog Coordinator", "Fog replicated file store coordinator"
	}
	return &Config{
		Name:        name,
		DisplayName: display,
		Description: desc,
		Mode:        mode,
		ConfigPath:  DefaultConfigPath(mode),
	}
}

// DefaultConfigPath returns the platform config file location for mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/fog"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "Fog")
	}
	if mode == ModeServe {
		return filepath.Join(dir, "coordinator.yaml")
	}
	return filepath.Join(dir, "peer.yaml")
}

// serviceConfig builds the kardianos config for goos.
func (c *Config) serviceConfig(goos string) *service.Config {
	env := make(map[string]string)
	if c.Server != "" {
		env[EnvServer] = c.Server
	}
	if c.AccessToken != "" {
		env[EnvToken] = c.AccessToken
	}

	cfg := &service.Config{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		Description: c.Description,
		Arguments:   []string{"--service-run", c.Mode, "--config", c.ConfigPath},
		EnvVars:     env,
	}

	switch goos {
	case "linux":
		cfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		cfg.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		cfg.UserName = c.UserName
	case "darwin":
		cfg.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		cfg.UserName = c.UserName
	case "windows":
		cfg.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return cfg
}

func (c *Config) create(prg *Program) (service.Service, error) {
	if prg == nil {
		prg = &Program{Mode: c.Mode, ConfigPath: c.ConfigPath}
	}
	s, err := service.New(prg, c.serviceConfig(runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// with force.
func Install(c *Config, force bool) error {
	s, err := c.create(nil)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", c.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(c *Config) error {
	s, err := c.create(nil)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of "start", "stop" or "restart" against the service.
func Control(c *Config, action string) error {
	switch action {
	case "start", "stop", "restart":
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := c.create(nil)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(c *Config) (service.Status, error) {
	s, err := c.create(nil)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager; it returns when the service stops.
func Run(c *Config, run RunFunc) error {
	s, err := c.create(&Program{Mode: c.Mode, ConfigPath: c.ConfigPath, Run: run})
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the process may manage system services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry the --service-run flag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}
