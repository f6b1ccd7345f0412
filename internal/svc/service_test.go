package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	serve := NewConfig(ModeServe)
	assert.Equal(t, "fog-coordinator", serve.Name)
	assert.Equal(t, ModeServe, serve.Mode)
	assert.Contains(t, serve.ConfigPath, "coordinator.yaml")

	join := NewConfig(ModeJoin)
	assert.Equal(t, "fog-peer", join.Name)
	assert.Contains(t, join.ConfigPath, "peer.yaml")
}

func TestServiceConfig(t *testing.T) {
	c := NewConfig(ModeJoin)
	c.ConfigPath = "/etc/fog/peer.yaml"
	c.Server = "http://coord:6680"
	c.AccessToken = "secret"
	c.UserName = "fog"

	cfg := c.serviceConfig("linux")
	assert.Equal(t, []string{"--service-run", "join", "--config", "/etc/fog/peer.yaml"}, cfg.Arguments)
	assert.Equal(t, map[string]string{EnvServer: "http://coord:6680", EnvToken: "secret"}, cfg.EnvVars)
	assert.Equal(t, "fog", cfg.UserName)
	assert.Equal(t, "on-failure", cfg.Option["Restart"])

	win := c.serviceConfig("windows")
	assert.Empty(t, win.UserName)
	assert.Equal(t, "restart", win.Option["OnFailure"])
}

func TestServiceConfig_NoSecretsWhenUnset(t *testing.T) {
	cfg := NewConfig(ModeServe).serviceConfig("linux")
	assert.Empty(t, cfg.EnvVars)
}

func TestIsServiceMode(t *testing.T) {
	assert.True(t, IsServiceMode([]string{"fog", "--service-run", "serve"}))
	assert.False(t, IsServiceMode([]string{"fog", "serve"}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}

func TestControl_UnknownAction(t *testing.T) {
	err := Control(NewConfig(ModeJoin), "explode")
	assert.Error(t, err)
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		Mode:       ModeJoin,
		ConfigPath: "/tmp/peer.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/tmp/peer.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgram_StopReportsRunError(t *testing.T) {
	boom := errors.New("boom")
	prg := &Program{Mode: ModeServe, Run: func(context.Context, string) error { return boom }}

	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgram_StartWithoutRun(t *testing.T) {
	prg := &Program{Mode: ModeServe}
	assert.Error(t, prg.Start(nil))
	assert.NoError(t, prg.Stop(nil))
}

func TestLogCommand(t *testing.T) {
	args, err := logCommand("linux", LogOptions{ServiceName: "fog-peer", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"journalctl", "-u", "fog-peer", "-n", "50", "--no-pager", "-f"}, args)

	args, err = logCommand("darwin", LogOptions{ServiceName: "fog-peer", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"tail", "-n", "10", "/var/log/fog-peer.out.log", "/var/log/fog-peer.err.log"}, args)

	_, err = logCommand("plan9", LogOptions{ServiceName: "fog-peer"})
	assert.Error(t, err)
}
