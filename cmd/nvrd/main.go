// nvrd is the NVR daemon: it loads the configuration, brings up the
// camera/detector/pipeline domains through the lifecycle manager, runs the
// storage tier engine and the external surfaces (HTTP, Redis, NATS), and
// shuts everything down in dependency order on SIGINT/SIGTERM. A config
// file change exits with code 3 so the supervisor restarts the process.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-nvr/internal/broker"
	"github.com/technosupport/ts-nvr/internal/bus"
	_ "github.com/technosupport/ts-nvr/internal/camera" // register cameras component
	"github.com/technosupport/ts-nvr/internal/config"
	"github.com/technosupport/ts-nvr/internal/data"
	_ "github.com/technosupport/ts-nvr/internal/detector" // register scanner components
	"github.com/technosupport/ts-nvr/internal/egress"
	"github.com/technosupport/ts-nvr/internal/events"
	"github.com/technosupport/ts-nvr/internal/lifecycle"
	"github.com/technosupport/ts-nvr/internal/metrics"
	_ "github.com/technosupport/ts-nvr/internal/nvr" // register nvr component
	"github.com/technosupport/ts-nvr/internal/platform/paths"
	"github.com/technosupport/ts-nvr/internal/recorder"
	"github.com/technosupport/ts-nvr/internal/registry"
	"github.com/technosupport/ts-nvr/internal/statecache"
	"github.com/technosupport/ts-nvr/internal/storage"
	"github.com/technosupport/ts-nvr/internal/webapi"
)

const (
	exitOK      = 0
	exitError   = 1
	exitRestart = 3

	settleTimeout = 60 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	configPath := paths.ResolveConfigPath(*configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("[ERROR] [Main] %v", err)
		return exitError
	}
	if cfg.Debug {
		os.Setenv("NVR_DEBUG", "1")
	}
	if err := paths.EnsureDirs(); err != nil {
		log.Printf("[ERROR] [Main] %v", err)
		return exitError
	}

	db, err := openDatabase(cfg.Database.DSN)
	if err != nil {
		log.Printf("[ERROR] [Main] database: %v", err)
		return exitError
	}
	defer db.Close()
	models := data.NewModels(db)

	b := bus.New(bus.DefaultQueueSize)
	b.Start()
	defer b.Stop()

	dispatcher := events.NewDispatcher()
	reg := registry.New(dispatcher)

	collector := metrics.NewCollector(b)
	collector.Start()
	defer collector.Stop()

	authKey, err := broker.LoadOrCreateAuthKey(paths.AuthKeyPath())
	if err != nil {
		log.Printf("[ERROR] [Main] broker auth key: %v", err)
		return exitError
	}
	socketPath := cfg.Broker.Socket
	if socketPath == "" {
		socketPath = paths.BrokerSocketPath()
	}
	sidecar := broker.NewClient(socketPath, authKey)
	sidecar.Start()
	defer sidecar.Stop()

	engine := storage.NewEngine(cfg, models, dispatcher, collector)
	if err := engine.Start(); err != nil {
		log.Printf("[ERROR] [Main] storage engine: %v", err)
		return exitError
	}
	defer engine.Stop()

	var pauser recorder.CleanupPauser = engine
	orch := &lifecycle.Orchestrator{
		Bus:      b,
		Events:   dispatcher,
		Registry: reg,
		Config:   cfg,
		DB:       db,
		Data:     models,
		Metrics:  collector,
		Broker:   sidecar,
		Cleanup:  pauser,
	}

	mgr := lifecycle.NewManager(reg, lifecycle.ManagerConfig{})
	mgr.Start()
	mgr.LoadComponents(orch)
	if !mgr.WaitForSettle(settleTimeout) {
		log.Printf("[WARN] [Main] domains still settling after %s", settleTimeout)
	}
	logStartupSummary(reg)

	api := webapi.New(cfg.WebAPI, reg, models, dispatcher, collector)
	api.Start()

	cache := statecache.New(statecache.Connect(cfg.Redis), dispatcher)
	cache.Start()

	var bridge *egress.Bridge
	if nc, err := egress.Connect(cfg.Nats); err != nil {
		log.Printf("[WARN] [Main] nats egress disabled: %v", err)
	} else {
		bridge = egress.New(nc, dispatcher)
		bridge.Start()
	}

	watcher := config.NewWatcher(configPath, dispatcher)
	if err := watcher.Start(); err != nil {
		log.Printf("[WARN] [Main] config watcher: %v", err)
	}

	restart := make(chan struct{}, 1)
	dispatcher.Listen(config.EventConfigFileChanged, func(events.Event) {
		select {
		case restart <- struct{}{}:
		default:
		}
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case s := <-sig:
		log.Printf("[Main] received %s, shutting down", s)
	case <-restart:
		log.Printf("[Main] configuration changed, restarting")
		code = exitRestart
	}

	dispatcher.Dispatch(lifecycle.EventShutdown, nil, true)
	watcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	api.Stop(shutdownCtx)
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.TeardownAll()
		mgr.Stop()
	}()
	select {
	case <-done:
	case <-time.After(lifecycle.ProcessStopGrace):
		log.Printf("[ERROR] [Main] teardown exceeded %s", lifecycle.ProcessStopGrace)
		if code == exitOK {
			code = exitError
		}
	}

	if bridge != nil {
		bridge.Stop()
	}
	cache.Stop()

	log.Printf("[Main] shutdown complete (exit %d)", code)
	return code
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func logStartupSummary(reg *registry.Registry) {
	loaded, failed := 0, 0
	for _, e := range reg.All() {
		switch e.State {
		case registry.StateLoaded:
			loaded++
		case registry.StateFailed:
			failed++
			log.Printf("[WARN] [Main] %s failed: %v", e.Key(), e.Err)
		}
	}
	log.Printf("[Main] startup complete: %d domains loaded, %d failed", loaded, failed)
}
