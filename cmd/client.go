package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DaemonClient controls a running daemon.
type DaemonClient interface {
	Stop() error
	Reload() error
}

// pidClient signals the daemon whose PID is stored in a PID file.
type pidClient struct {
	path string
	kill func(pid int, sig unix.Signal) error
}

func newPIDClient(path string) *pidClient {
	return &pidClient{path: path, kill: unix.Kill}
}

func (c *pidClient) pid() (int, error) {
	if c.path == "" {
		return 0, fmt.Errorf("no PID file configured, set control.pid_file or --pidfile")
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, fmt.Errorf("daemon is not running: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", c.path)
	}
	return pid, nil
}

func (c *pidClient) signal(sig unix.Signal) error {
	pid, err := c.pid()
	if err != nil {
		return err
	}
	if err := c.kill(pid, sig); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// Stop asks the daemon to shut down gracefully.
func (c *pidClient) Stop() error { return c.signal(unix.SIGTERM) }

// Reload asks the daemon to re-read its configuration.
func (c *pidClient) Reload() error { return c.signal(unix.SIGHUP) }

func daemonClient() (DaemonClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newPIDClient(cfg.Control.PIDFile), nil
}
