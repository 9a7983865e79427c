// Package daemon wires the beamline components together and runs them until
// a shutdown signal arrives.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mqilab/beamline/internal/aggregator"
	"github.com/mqilab/beamline/internal/allocator"
	"github.com/mqilab/beamline/internal/config"
	"github.com/mqilab/beamline/internal/database"
	"github.com/mqilab/beamline/internal/dispatcher"
	"github.com/mqilab/beamline/internal/events"
	"github.com/mqilab/beamline/internal/executor"
	"github.com/mqilab/beamline/internal/lock"
	"github.com/mqilab/beamline/internal/monitor"
	"github.com/mqilab/beamline/internal/remote"
	"github.com/mqilab/beamline/internal/repository"
	"github.com/mqilab/beamline/internal/resilience"
	"github.com/mqilab/beamline/internal/watcher"
	"github.com/mqilab/beamline/internal/workflow"
)

// Daemon owns the component graph of one beamline instance.
type Daemon struct {
	cfg      *config.Config
	fileLock *lock.FileLock

	db         *gorm.DB
	bus        *events.Bus
	cases      *repository.CaseRepository
	beams      *repository.BeamRepository
	resources  *repository.ResourceRepository
	pool       *allocator.Pool
	monitor    *monitor.Monitor
	settler    *aggregator.Aggregator
	dispatcher *dispatcher.Dispatcher
	watcher    *watcher.Watcher

	// newRemote is swapped in tests to avoid a live SSH endpoint.
	newRemote func(settings remote.Settings) (remote.Executor, error)

	wg sync.WaitGroup
}

func New(cfg *config.Config) *Daemon {
	return &Daemon{
		cfg: cfg,
		newRemote: func(settings remote.Settings) (remote.Executor, error) {
			return remote.NewSSHExecutor(settings)
		},
	}
}

// Run starts the daemon and blocks until a SIGINT or SIGTERM arrives and all
// in-flight cases drain.
func (d *Daemon) Run() error {
	// Step 1: one daemon per database.
	d.fileLock = lock.NewFileLock(d.cfg.Database.Path + ".lock")
	if err := d.fileLock.TryLock(); err != nil {
		return errors.Wrap(err, "daemon lock")
	}
	defer d.fileLock.Unlock()
	log.WithFields(log.Fields{
		"pid":    os.Getpid(),
		"run_id": uuid.NewString(),
	}).Info("Daemon starting")

	// Step 2: storage.
	db, err := database.Open(d.cfg.Database.Path, d.cfg.Database.BusyTimeoutMS)
	if err != nil {
		return err
	}
	d.db = db
	defer database.Shutdown(db)
	if err := database.Migrate(db); err != nil {
		return err
	}

	// Step 3: component graph.
	cluster, err := d.newRemote(remote.Settings{
		Host:              d.cfg.HPC.Host,
		Port:              d.cfg.HPC.Port,
		User:              d.cfg.HPC.User,
		KeyFile:           d.cfg.HPC.KeyFile,
		ConnectTimeout:    d.cfg.HPC.ConnectTimeout(),
		SimulationCommand: d.cfg.HPC.SimulationCommand,
		ResultFileName:    d.cfg.HPC.ResultFileName,
	})
	if err != nil {
		return errors.Wrap(err, "configure cluster access")
	}
	d.build(cluster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 4: recover from whatever a previous run left behind.
	if err := d.reconcile(); err != nil {
		return err
	}

	// Step 5: populate the GPU pool before accepting work.
	if d.cfg.Monitor.Enabled {
		if err := d.monitor.Seed(ctx); err != nil {
			return errors.Wrap(err, "seed GPU pool")
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.monitor.Run(ctx)
		}()
	}

	// Step 6: watch for cases.
	d.wg.Add(1)
	watchErr := make(chan error, 1)
	go func() {
		defer d.wg.Done()
		watchErr <- d.watcher.Run(ctx)
	}()

	log.WithField("scan_dir", d.cfg.Scan.Directory).Info("Daemon ready")

	// Step 7: wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("Shutting down")
		cancel()
	case err := <-watchErr:
		if err != nil {
			cancel()
			d.wg.Wait()
			return err
		}
	}

	d.wg.Wait()
	d.bus.Close()
	log.Info("Daemon stopped")
	return nil
}

// build assembles the component graph on top of an open database and a
// cluster connection.
func (d *Daemon) build(cluster remote.Executor) {
	d.bus = events.NewBus(256)
	d.cases = repository.NewCaseRepository(d.db)
	d.beams = repository.NewBeamRepository(d.db)
	d.resources = repository.NewResourceRepository(d.db)

	d.pool = allocator.NewPool(d.resources,
		d.cfg.Resources.AcquireTimeout(), d.cfg.Resources.PollInterval())
	d.monitor = monitor.New(cluster, d.resources, d.cfg.Monitor.Interval())

	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{
		FailureThreshold: d.cfg.Breaker.FailureThreshold,
		Window:           d.cfg.Breaker.Window(),
		Cooldown:         d.cfg.Breaker.Cooldown(),
	})
	machine := workflow.NewMachine(
		d.beams,
		d.pool,
		executor.NewLocalExecutor(d.cfg.Processing.LocalTimeout()),
		cluster,
		d.bus,
		workflow.Settings{
			RemoteCaseRoot:    d.cfg.HPC.RemoteCaseRoot,
			ResultFileName:    d.cfg.HPC.ResultFileName,
			ResultsDir:        d.cfg.Results.Directory,
			PythonInterpreter: d.cfg.Executables.PythonInterpreter,
			InterpreterScript: d.cfg.Executables.InterpreterScript,
			ConverterScript:   d.cfg.Executables.ConverterScript,
			JobPollInterval:   d.cfg.HPC.JobPollInterval(),
			JobTimeout:        d.cfg.HPC.JobTimeout(),
		},
		policyFromConfig(d.cfg.Retry.Transfer, breakers),
		policyFromConfig(d.cfg.Retry.Submission, breakers),
		policyFromConfig(d.cfg.Retry.Poll, breakers),
	)

	d.settler = aggregator.New(d.cases, d.beams, d.bus)
	// Recompute is idempotent, so settling both from the dispatcher and from
	// terminal events is safe; the subscription keeps cases honest even when
	// a beam is failed outside a dispatch (reconciliation, manual repair).
	d.bus.Subscribe(events.EventBeamTerminal, func(e events.Event) {
		if err := d.settler.Recompute(e.CaseID); err != nil {
			log.WithField("case_id", e.CaseID).Errorf("Failed to settle case: %v", err)
		}
	})
	d.dispatcher = dispatcher.New(d.cases, d.beams, machine, d.settler, d.bus, d.cfg.Processing.MaxWorkers)
	d.watcher = watcher.New(
		d.cfg.Scan.Directory,
		d.cfg.Scan.Debounce(),
		d.cfg.Scan.Debounce()*4,
		func(ctx context.Context, caseID, rootPath string) {
			if err := d.dispatcher.Dispatch(ctx, caseID, rootPath); err != nil {
				log.WithField("case_id", caseID).Errorf("Case dispatch failed: %v", err)
			}
		},
	)
}

func policyFromConfig(c config.RetryPolicyConfig, breakers *resilience.BreakerRegistry) *resilience.Policy {
	return resilience.NewPolicy(
		c.MaxAttempts,
		c.BaseDelay(),
		c.MaxDelay(),
		resilience.Strategy(c.Strategy),
		breakers,
	)
}
