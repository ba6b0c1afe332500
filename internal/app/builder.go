package app

import (
	"fmt"
	"path/filepath"
	"time"

	"vigil/internal/config"
	"vigil/internal/crash"
	"vigil/internal/lifecycle"
	"vigil/internal/lifecycle/archive"
	"vigil/internal/logger"
	"vigil/internal/notifier"
	"vigil/internal/rebuild"
	"vigil/internal/recon"
	"vigil/internal/state"
	"vigil/internal/stops"
	transporthttp "vigil/internal/transport/http"
	"vigil/internal/venue"
	"vigil/internal/venue/binance"
	"vigil/internal/watchdog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Journal file names under the data directory. They mirror the artifacts an
// operator expects to find when debugging an incident.
const (
	reconJournalName     = "reconciliation_log.json"
	lifecycleJournalName = "lifecycle_events.json"
	watchdogJournalName  = "watchdog_issues.json"
	crashJournalName     = "crash_log.json"
	rebuildJournalName   = "rebuild_log.json"
)

// build wires every component from the configuration. Nothing starts here;
// Run owns all goroutines.
func build(cfg *config.Config) (*App, error) {
	store := state.NewStore(cfg.DataDir, cfg.State.KeepBackups)
	mgr := state.NewManager(store)

	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}

	stopSync := stops.NewSync(gw)
	engine := recon.New(gw, stopSync, filepath.Join(cfg.DataDir, reconJournalName))
	rebuilder := rebuild.New(gw, filepath.Join(cfg.DataDir, rebuildJournalName))

	var archiver lifecycle.Archiver
	var archiveStore *archive.Store
	if cfg.Archive.Path != "" {
		archiveStore, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open trade archive: %w", err)
		}
		archiver = archiveStore
	}
	tracker := lifecycle.NewTracker(filepath.Join(cfg.DataDir, lifecycleJournalName), archiver)
	if archiveStore != nil {
		tracker.SetEventSink(archiveStore)
	}

	var notify notifier.TextNotifier = notifier.Noop{}
	if cfg.Telegram.Enabled {
		notify = notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := watchdog.NewMetrics(reg)

	dog := watchdog.New(watchdog.Config{
		Interval:          time.Duration(cfg.Watchdog.IntervalSec) * time.Second,
		CheckpointMaxAge:  time.Duration(cfg.Watchdog.CheckpointMaxAgeMin) * time.Minute,
		EmergencyFlagPath: cfg.Watchdog.EmergencyFlagPath,
	}, mgr, gw, engine, stopSync, tracker, notify, metrics,
		filepath.Join(cfg.DataDir, watchdogJournalName))

	crashHandler := crash.NewHandler(mgr, gw, cfg.Symbols,
		filepath.Join(cfg.DataDir, crashJournalName))

	var httpSrv *transporthttp.Server
	if cfg.HTTP.Enabled {
		httpSrv = transporthttp.New(cfg.HTTP.Listen, mgr, dog, engine, tracker, reg)
	}

	return &App{
		cfg:       cfg,
		mgr:       mgr,
		gw:        gw,
		stops:     stopSync,
		engine:    engine,
		rebuilder: rebuilder,
		tracker:   tracker,
		archive:   archiveStore,
		dog:       dog,
		crash:     crashHandler,
		notify:    notify,
		httpSrv:   httpSrv,
	}, nil
}

func buildGateway(cfg *config.Config) (venue.Gateway, error) {
	switch cfg.Venue.Name {
	case "binance":
		gw, err := binance.New(binance.Config{
			APIKey:      cfg.Venue.APIKey,
			APISecret:   cfg.Venue.APISecret,
			RESTBaseURL: cfg.Venue.RESTBaseURL,
			HTTPTimeout: time.Duration(cfg.Venue.HTTPTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		guarded := venue.NewGuard(gw,
			cfg.Venue.BreakerThreshold,
			time.Duration(cfg.Venue.BreakerCooldownSec)*time.Second)
		logger.Infof("app: venue gateway %s ready (breaker threshold=%d cooldown=%ds)",
			gw.Name(), cfg.Venue.BreakerThreshold, cfg.Venue.BreakerCooldownSec)
		return guarded, nil
	default:
		return nil, fmt.Errorf("app: unsupported venue %q", cfg.Venue.Name)
	}
}
