// Package app wires every component together and owns the startup recovery
// sequence: load state, adopt or rebuild whatever the venue reports, then
// run the watchdog and status surfaces until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
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
	"vigil/internal/watchdog"

	"golang.org/x/sync/errgroup"
)

const startupVenueTimeout = 30 * time.Second

// App holds the wired components.
type App struct {
	cfg       *config.Config
	mgr       *state.Manager
	gw        venue.Gateway
	stops     *stops.Sync
	engine    *recon.Engine
	rebuilder *rebuild.Rebuilder
	tracker   *lifecycle.Tracker
	archive   *archive.Store
	dog       *watchdog.Watchdog
	crash     *crash.Handler
	notify    notifier.TextNotifier
	httpSrv   *transporthttp.Server
}

// New builds the application from its configuration without starting it.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return build(cfg)
}

// Run performs startup recovery, then serves until ctx is cancelled or a
// fatal component error occurs. SIGINT/SIGTERM trigger the emergency
// shutdown path before the context unwinds.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.crash.Install(cancel)

	if err := a.recover(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCancel(a.dog.Run(ctx))
	})
	if a.httpSrv != nil {
		group.Go(func() error {
			if err := ignoreCancel(a.httpSrv.Run(ctx)); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	err := group.Wait()
	if a.archive != nil {
		if cerr := a.archive.Close(); cerr != nil {
			logger.Warnf("app: close archive: %v", cerr)
		}
	}
	return err
}

// recover runs the startup sequence. State was already loaded through the
// fallback chain when the manager was built; what remains is squaring it
// with the venue.
func (a *App) recover(ctx context.Context) error {
	vctx, cancel := context.WithTimeout(ctx, startupVenueTimeout)
	defer cancel()

	st := a.mgr.Snapshot()
	logger.Infof("app: state loaded: in_position=%v symbol=%s peak=%.2f saves=%d",
		st.InPosition(), st.TrackedSymbol(), st.Peak, st.SaveCount)

	positions, err := a.gw.FetchOpenPositions(vctx)
	if err != nil {
		// Starting blind is allowed; the watchdog reconciles as soon as the
		// venue comes back.
		logger.Errorf("app: startup position fetch failed, continuing with local state: %v", err)
		positions = nil
	}

	if !st.InPosition() && len(positions) > 0 {
		if rebuilt := a.rebuilder.RebuildFromVenue(vctx, positions); rebuilt != nil {
			if a.rebuilder.Verify(rebuilt, positions) {
				a.mgr.Replace(*rebuilt)
				a.alert(fmt.Sprintf("🔄 *Position rebuilt from venue*\n%s %s entry=%.6f sl=%.6f",
					rebuilt.TrackedSymbol(), *rebuilt.Direction, *rebuilt.Entry, *rebuilt.StopLoss))
			} else {
				logger.Errorf("app: rebuilt state failed verification, keeping flat state")
			}
		}
	}

	if err == nil {
		a.mgr.Update(func(st *state.TradingState) bool {
			res, changed := a.engine.ReconcileAll(vctx, st)
			if res.IssuesFound > 0 {
				logger.Warnf("app: startup reconciliation found %d issue(s)", res.IssuesFound)
			}
			return changed
		})
	}

	if n := a.stops.SyncWithVenue(vctx, a.cfg.Symbols); n > 0 {
		logger.Infof("app: adopted %d stop order(s) from venue", n)
	}

	a.mgr.Backup()
	logger.Infof("app: startup recovery complete")
	return nil
}

func (a *App) alert(text string) {
	if err := a.notify.SendText(text); err != nil {
		logger.Warnf("app: alert: %v", err)
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
