// Package daemon runs the net transport as a process: it owns the event
// loop goroutine, the transport and its dispatcher, the metrics server, the
// PID file and signal handling.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/arnet/internal/config"
	"firestige.xyz/arnet/internal/core"
	"firestige.xyz/arnet/internal/dispatch"
	"firestige.xyz/arnet/internal/endpoint"
	logpkg "firestige.xyz/arnet/internal/log"
	"firestige.xyz/arnet/internal/loop"
	"firestige.xyz/arnet/internal/metrics"
	"firestige.xyz/arnet/internal/transport"
)

// Daemon manages the transport process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.Config
	configPath string
	handler    dispatch.Handler

	// Core components
	loop          *loop.Loop
	transport     *transport.Transport
	dispatcher    *dispatch.Dispatcher
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	loopDone     chan struct{}
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopped      bool
}

// New creates a daemon for cfg. configPath is re-read on reload; it may be
// empty, in which case reload only picks up environment changes.
func New(cfg *config.Config, configPath string) *Daemon {
	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// SetHandler sets the handler for received data frames. It must be called
// before Start.
func (d *Daemon) SetHandler(h dispatch.Handler) { d.handler = h }

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	logpkg.GetLogger().WithFields(map[string]interface{}{
		"tx":     fmt.Sprintf("%s:%d", d.config.Transport.TxAddr, d.config.Transport.TxPort),
		"rx":     d.config.Transport.RxPort,
		"config": d.configPath,
	}).Info("starting arnet daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Event loop and transport
	if err := d.startTransport(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	// 5. Ping ticker
	if period := d.config.Transport.PingPeriod; period > 0 {
		go d.pingLoop(period)
	}

	logpkg.GetLogger().WithField("rx_port", d.transport.RxPort()).Info("daemon started successfully")
	return nil
}

func (d *Daemon) startTransport() error {
	l, err := loop.New(nil)
	if err != nil {
		return err
	}
	d.loop = l
	d.loopDone = make(chan struct{})
	go func() {
		defer close(d.loopDone)
		if err := l.Run(d.ctx); err != nil {
			logpkg.GetLogger().WithError(err).Error("event loop stopped")
		}
	}()

	d.dispatcher = dispatch.New(dispatch.Options{
		PingPeriod: d.config.Transport.PingPeriod,
		Handler:    d.handler,
	})

	return d.Do(func(*dispatch.Dispatcher, *transport.Transport) error {
		cfg := &transport.Config{
			TxAddr: d.config.Transport.TxAddr,
			TxPort: d.config.Transport.TxPort,
			RxPort: d.config.Transport.RxPort,
			QoS:    d.config.Transport.QoS,
		}
		tr, err := transport.New(transport.Options{
			Loop:     d.loop,
			Config:   cfg,
			Parent:   d.dispatcher,
			Observer: transport.SocketObserverFunc(socketOpened),
			Faults: transport.FaultInjection{
				RxDropRatio: int(d.config.FaultInjection.RxDropRatio),
				TxDropRatio: int(d.config.FaultInjection.TxDropRatio),
			},
		})
		if err != nil {
			return err
		}
		if err := tr.Start(); err != nil {
			tr.Dispose()
			return err
		}
		d.transport = tr
		d.dispatcher.Attach(tr)
		return nil
	})
}

func socketOpened(_ *transport.Transport, fd int, kind endpoint.Kind) {
	logpkg.GetLogger().WithField("fd", fd).WithField("kind", kind.String()).Debug("socket opened")
}

func (d *Daemon) pingLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.loop.Post(d.dispatcher.Tick)
		case <-d.ctx.Done():
			return
		}
	}
}

// Do runs fn on the event loop goroutine and waits for its result. The
// transport is nil until Start completes.
func (d *Daemon) Do(fn func(*dispatch.Dispatcher, *transport.Transport) error) error {
	if d.loop == nil {
		return core.NewError("daemon do", core.ErrClosed)
	}
	result := make(chan error, 1)
	if err := d.loop.Post(func() { result <- fn(d.dispatcher, d.transport) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-d.loopDone:
		return core.NewError("daemon do", core.ErrClosed)
	}
}

// RxPort returns the bound rx port.
func (d *Daemon) RxPort() uint16 {
	if d.transport == nil {
		return 0
	}
	return d.transport.RxPort()
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	logger := logpkg.GetLogger()
	logger.Info("initiating graceful shutdown")

	// 1. Stop and close the transport on its loop
	if d.loop != nil {
		err := d.Do(func(_ *dispatch.Dispatcher, tr *transport.Transport) error {
			if tr == nil {
				return nil
			}
			tr.Stop()
			return tr.Dispose()
		})
		if err != nil {
			logger.WithError(err).Error("error stopping transport")
		}
	}

	// 2. Cancel context to stop the loop and the ping ticker
	d.cancel()
	if d.loop != nil {
		<-d.loopDone
		d.loop.Close()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	// 4. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")

	// 6. Flush logs
	logpkg.Flush()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT or
// TriggerShutdown. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logpkg.GetLogger().Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logpkg.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				logpkg.GetLogger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					logpkg.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			logpkg.GetLogger().Info("shutdown triggered")
			d.Stop()
			return nil

		case <-d.loopDone:
			d.Stop()
			return errors.New("event loop stopped unexpectedly")
		}
	}
}

// Reload re-reads the configuration.
// Hot-reloadable: log settings, transport tx target and QoS, fault injection.
// Cold (requires restart): rx port, metrics listen address, ping period.
func (d *Daemon) Reload() error {
	logger := logpkg.GetLogger().WithField("path", d.configPath)
	logger.Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	oldConfig := d.config

	hotReloaded := []string{}
	requiresRestart := []string{}

	// 1. Logging
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		logger.WithError(err).Error("failed to reinitialize logging")
	} else if newConfig.Log.Level != oldConfig.Log.Level || newConfig.Log.Format != oldConfig.Log.Format {
		hotReloaded = append(hotReloaded, "log")
	}

	// 2. Transport
	nt := newConfig.Transport
	err = d.Do(func(_ *dispatch.Dispatcher, tr *transport.Transport) error {
		if nt.RxPort != 0 && nt.RxPort != tr.RxPort() && nt.RxPort != oldConfig.Transport.RxPort {
			requiresRestart = append(requiresRestart, "transport.rx_port")
		}
		if err := tr.UpdateConfig(transport.Config{TxAddr: nt.TxAddr, TxPort: nt.TxPort, QoS: nt.QoS}); err != nil {
			return err
		}
		tr.SetFaultInjection(transport.FaultInjection{
			RxDropRatio: int(newConfig.FaultInjection.RxDropRatio),
			TxDropRatio: int(newConfig.FaultInjection.TxDropRatio),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update transport: %w", err)
	}
	if nt.TxAddr != oldConfig.Transport.TxAddr || nt.TxPort != oldConfig.Transport.TxPort || nt.QoS != oldConfig.Transport.QoS {
		hotReloaded = append(hotReloaded, "transport")
	}
	if newConfig.FaultInjection != oldConfig.FaultInjection {
		hotReloaded = append(hotReloaded, "fault_injection")
	}

	// 3. Cold items
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen || newConfig.Metrics.Enabled != oldConfig.Metrics.Enabled {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if nt.PingPeriod != oldConfig.Transport.PingPeriod {
		requiresRestart = append(requiresRestart, "transport.ping_period")
	}

	logpkg.GetLogger().WithField("hot_reloaded", hotReloaded).
		WithField("requires_restart", requiresRestart).
		Info("configuration reloaded")
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	logpkg.GetLogger().WithField("level", d.config.Log.Level).
		WithField("format", d.config.Log.Format).
		Debug("logging initialized")
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		logpkg.GetLogger().Debug("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// MetricsAddr returns the metrics server address, empty when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	pidFile := d.config.Control.PIDFile
	if pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", pidFile, err)
	}

	logpkg.GetLogger().WithField("path", pidFile).WithField("pid", pid).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	pidFile := d.config.Control.PIDFile
	if pidFile == "" {
		return nil
	}

	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", pidFile, err)
	}

	logpkg.GetLogger().WithField("path", pidFile).Debug("PID file removed")
	return nil
}
