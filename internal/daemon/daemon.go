// Package daemon provides background service functionality.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/user/prowl/internal/display"
	"github.com/user/prowl/internal/engine"
	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/monitor"
	"github.com/user/prowl/internal/netctl"
	"github.com/user/prowl/internal/storage"
	"github.com/user/prowl/internal/util"
)

// PIDFile is the daemon's pid file name inside the data dir.
const PIDFile = "prowl.pid"

// Options selects how the daemon learns about networks.
type Options struct {
	// Network, when set, runs against a fixed network instead of polling
	// the wireless interface.
	Network string
	// Once stops the daemon after the first session ends. Requires Network.
	Once bool
}

// Daemon manages the background service.
type Daemon struct {
	config     *util.Config
	scheduler  *Scheduler
	db         *storage.DB
	orch       *engine.Orchestrator
	source     netctl.Source
	dispatcher *display.Dispatcher
	mqtt       *display.MQTTSink
	pidFile    string
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	startTime  time.Time
	mu         sync.RWMutex
}

// New wires storage, stage executors, display sinks and the orchestrator.
func New(cfg *util.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	creds, err := cfg.ResolveCredentials()
	if err != nil {
		return nil, err
	}

	db, err := storage.Initialize(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sessions := storage.NewSessionStorage(db)
	if n, err := sessions.MarkInterrupted(context.Background()); err != nil {
		util.Warn("Failed to mark interrupted sessions: %v", err)
	} else if n > 0 {
		util.Info("Marked %d interrupted session(s) as suspended", n)
	}

	d := &Daemon{
		config:  cfg,
		db:      db,
		pidFile: filepath.Join(cfg.DataDir, PIDFile),
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.scheduler = NewScheduler(d.ctx)

	sinks := []display.Sink{display.LogSink{}, d.scheduler}
	if cfg.Display.StatusFile {
		sinks = append(sinks, display.NewStatusFileSink(filepath.Join(cfg.DataDir, display.StatusFileName)))
	}
	if cfg.Display.MQTTBroker != "" {
		m, err := display.NewMQTTSink(cfg.Display.MQTTBroker, cfg.Display.MQTTTopic)
		if err != nil {
			util.Warn("MQTT display disabled: %v", err)
		} else {
			d.mqtt = m
			sinks = append(sinks, m)
		}
	}
	d.dispatcher = display.NewDispatcher(cfg.Display.Buffer, sinks...)

	orch, err := engine.New(cfg, storage.NewResultStore(db), sessions, d.dispatcher, creds, Executors(cfg)...)
	if err != nil {
		d.cancel()
		d.dispatcher.Close()
		db.Close()
		return nil, err
	}
	if cfg.Scope == "" {
		orch.ResolveScope = ScopeResolver(cfg.Interface)
	}
	d.orch = orch

	if opts.Network != "" {
		d.source = netctl.Static{NetworkID: opts.Network, Once: opts.Once}
	} else {
		var check func(context.Context) error
		if cfg.ConnectivityServer != "" {
			check = (&monitor.Checker{Resolver: cfg.ConnectivityServer}).Check
		}
		d.source = netctl.NewController(cfg, check)
	}

	return d, nil
}

// Start starts the daemon.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	util.Info("Daemon starting...")

	d.registerJobs()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scheduler.Run()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.orch.Run(d.ctx, d.source.Events(d.ctx)); err != nil {
			util.Error("Orchestrator stopped: %v", err)
		}
		// Event source exhausted; nothing left to do.
		d.cancel()
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handleSignals()
	}()

	util.Info("Daemon started with PID %d", os.Getpid())
	return nil
}

// Wait waits for the daemon to finish.
func (d *Daemon) Wait() {
	d.wg.Wait()
}

// Stop stops the daemon gracefully. The active session is suspended and
// every pending write is flushed before the database closes.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	util.Info("Daemon stopping...")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.orch.Wait()
		close(done)
	}()

	select {
	case <-done:
		util.Info("Daemon stopped gracefully")
	case <-time.After(30 * time.Second):
		util.Warn("Daemon stop timed out")
	}

	d.dispatcher.Close()
	if d.mqtt != nil {
		d.mqtt.Close()
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	d.scheduler.Flush(flushCtx)
	cancel()
	if err := WriteStatusFile(d.config.DataDir, d.GetStatus()); err != nil {
		util.Warn("Failed to write final status: %v", err)
	}
	d.removePIDFile()
	if d.db != nil {
		d.db.Close()
	}
	return nil
}

func (d *Daemon) handleSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		util.Info("Received signal: %v", sig)
		d.cancel()
	case <-d.ctx.Done():
	}
}

func (d *Daemon) writePIDFile() error {
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	os.Remove(d.pidFile)
}

// IsRunning returns whether the daemon is running.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// GetStatus returns the daemon status.
func (d *Daemon) GetStatus() *model.DaemonStatus {
	d.mu.RLock()
	status := &model.DaemonStatus{
		Running:   d.running,
		PID:       os.Getpid(),
		StartTime: d.startTime,
		Uptime:    time.Since(d.startTime).Round(time.Second).String(),
		Jobs:      d.scheduler.GetJobStatuses(),
	}
	d.mu.RUnlock()

	if sess := d.orch.Current(); sess != nil {
		info := sess.Info()
		status.Network = info.NetworkID
		status.Session = info
	}
	return status
}

// GetDB returns the database instance.
func (d *Daemon) GetDB() *storage.DB {
	return d.db
}

// GetConfig returns the configuration.
func (d *Daemon) GetConfig() *util.Config {
	return d.config
}
