package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// logCommand returns the command that shows the service's logs on goos.
func logCommand(goos string, opts LogOptions) ([]string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	n := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"journalctl", "-u", opts.ServiceName, "-n", n, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return args, nil
	case "darwin":
		// launchd writes the service's stdout and stderr to /var/log.
		args := []string{"tail", "-n", n}
		if opts.Follow {
			args = append(args, "-f")
		}
		return append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)), nil
	case "windows":
		return []string{"powershell", "-NoProfile", "-Command", fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application';ProviderName='%s'} -MaxEvents %s | "+
				"Format-Table -Property TimeCreated,LevelDisplayName,Message -AutoSize -Wrap",
			opts.ServiceName, n)}, nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs prints the service logs using the platform's log tool.
func ViewLogs(opts LogOptions) error {
	args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
