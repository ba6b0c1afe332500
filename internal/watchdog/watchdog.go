// Package watchdog runs periodic end-to-end verification of the whole
// system: state integrity, venue reconciliation, stop synchronization,
// lifecycle consistency, orphan positions, checkpoint staleness and the
// operator emergency flag. Detected problems are journaled, counted, and
// where safe, fixed automatically.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vigil/internal/journal"
	"vigil/internal/lifecycle"
	"vigil/internal/logger"
	"vigil/internal/notifier"
	"vigil/internal/recon"
	"vigil/internal/state"
	"vigil/internal/stops"
	"vigil/internal/venue"

	"github.com/fsnotify/fsnotify"
)

// Health is the cumulative system health level.
type Health string

const (
	Healthy  Health = "HEALTHY"
	Degraded Health = "DEGRADED"
	Critical Health = "CRITICAL"
)

// Severity of one detected issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Thresholds for the cumulative health classification.
const (
	criticalIssueLimit = 5
	totalIssueLimit    = 10

	summaryEveryTicks = 10
	journalCap        = 1000
)

// Issue is one problem found during a verification cycle.
type Issue struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Report summarises one verification cycle.
type Report struct {
	Timestamp   string  `json:"timestamp"`
	Tick        int     `json:"tick"`
	Health      Health  `json:"health"`
	Issues      []Issue `json:"issues,omitempty"`
	AutoFixes   int     `json:"auto_fixes"`
	OrphanFound bool    `json:"orphan_found"`
}

// Config tunes the watchdog loop.
type Config struct {
	Interval          time.Duration
	CheckpointMaxAge  time.Duration
	EmergencyFlagPath string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CheckpointMaxAge <= 0 {
		c.CheckpointMaxAge = time.Hour
	}
}

// Watchdog wires the verification checks over the live components.
type Watchdog struct {
	cfg Config

	mgr       *state.Manager
	gw        venue.Gateway
	engine    *recon.Engine
	stops     *stops.Sync
	lifecycle *lifecycle.Tracker
	notify    notifier.TextNotifier
	metrics   *Metrics
	journal   *journal.Journal

	mu             sync.Mutex
	ticks          int
	totalIssues    int
	criticalIssues int
	autoFixes      int
	health         Health
}

func New(cfg Config, mgr *state.Manager, gw venue.Gateway, engine *recon.Engine,
	st *stops.Sync, lc *lifecycle.Tracker, notify notifier.TextNotifier,
	metrics *Metrics, journalPath string) *Watchdog {
	cfg.applyDefaults()
	if notify == nil {
		notify = notifier.Noop{}
	}
	return &Watchdog{
		cfg:       cfg,
		mgr:       mgr,
		gw:        gw,
		engine:    engine,
		stops:     st,
		lifecycle: lc,
		notify:    notify,
		metrics:   metrics,
		journal:   journal.New(journalPath, journalCap),
		health:    Healthy,
	}
}

// Run executes verification cycles until ctx is cancelled. A watcher on the
// emergency flag directory makes flag detection immediate rather than
// waiting for the next tick.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	var flagEvents chan fsnotify.Event
	if w.cfg.EmergencyFlagPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warnf("watchdog: fsnotify unavailable, flag polling only: %v", err)
		} else {
			defer watcher.Close()
			dir := filepath.Dir(w.cfg.EmergencyFlagPath)
			if err := watcher.Add(dir); err != nil {
				logger.Warnf("watchdog: watch %s: %v", dir, err)
			} else {
				flagEvents = make(chan fsnotify.Event, 1)
				go func() {
					for {
						select {
						case ev, ok := <-watcher.Events:
							if !ok {
								return
							}
							if ev.Name == w.cfg.EmergencyFlagPath && ev.Op.Has(fsnotify.Create) {
								select {
								case flagEvents <- ev:
								default:
								}
							}
						case <-ctx.Done():
							return
						}
					}
				}()
			}
		}
	}

	logger.Infof("watchdog: running every %s", w.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("watchdog: stopping")
			return ctx.Err()
		case <-flagEvents:
			logger.Warnf("watchdog: emergency flag appeared, verifying immediately")
			w.RunOnce(ctx)
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full verification cycle.
func (w *Watchdog) RunOnce(ctx context.Context) Report {
	started := time.Now()
	w.mu.Lock()
	tick := w.ticks + 1
	w.mu.Unlock()
	rep := Report{
		Timestamp: started.UTC().Format(time.RFC3339),
		Tick:      tick,
	}

	w.checkStateIntegrity(&rep)
	w.checkReconciliation(ctx, &rep)
	w.checkStopSync(ctx, &rep)
	w.checkLifecycle(ctx, &rep)
	rep.OrphanFound = w.detectOrphan(ctx, &rep)
	w.checkStaleCheckpoint(&rep)
	w.checkEmergencyFlag(&rep)

	w.mu.Lock()
	w.ticks++
	w.autoFixes += rep.AutoFixes
	for _, is := range rep.Issues {
		w.totalIssues++
		if is.Severity == SeverityCritical {
			w.criticalIssues++
		}
		w.metrics.issue(is.Check, is.Severity)
	}
	w.health = w.classify()
	rep.Health = w.health
	status := w.statusLocked()
	summarize := w.ticks%summaryEveryTicks == 0
	w.mu.Unlock()

	w.metrics.setHealth(rep.Health)
	w.metrics.tick(time.Since(started).Seconds())

	if len(rep.Issues) > 0 {
		w.journal.Append(rep)
		logger.Warnf("watchdog: tick %d found %d issue(s), health=%s", rep.Tick, len(rep.Issues), rep.Health)
	}
	if summarize {
		logger.Infof("watchdog: %d ticks, %d issues (%d critical), %d auto-fixes, health=%s",
			status.Ticks, status.TotalIssues, status.CriticalIssues, status.AutoFixes, status.Health)
	}
	return rep
}

// Health returns the current cumulative health level.
func (w *Watchdog) Health() Health {
	if w == nil {
		return Healthy
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

// Status is the aggregate view served over the status surface.
type Status struct {
	Health         Health `json:"health"`
	Ticks          int    `json:"ticks"`
	TotalIssues    int    `json:"total_issues"`
	CriticalIssues int    `json:"critical_issues"`
	AutoFixes      int    `json:"auto_fixes"`
}

func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.statusLocked()
}

func (w *Watchdog) statusLocked() Status {
	return Status{
		Health:         w.health,
		Ticks:          w.ticks,
		TotalIssues:    w.totalIssues,
		CriticalIssues: w.criticalIssues,
		AutoFixes:      w.autoFixes,
	}
}

func (w *Watchdog) classify() Health {
	switch {
	case w.criticalIssues > criticalIssueLimit:
		return Critical
	case w.totalIssues > totalIssueLimit:
		return Degraded
	default:
		return Healthy
	}
}

// checkStateIntegrity verifies the persisted record is internally coherent:
// a tracked position must carry its stop and risk distance, and the peak must
// be positive.
func (w *Watchdog) checkStateIntegrity(rep *Report) {
	st := w.mgr.Snapshot()
	if st.Peak <= 0 {
		w.addIssue(rep, "state_integrity", SeverityCritical,
			fmt.Sprintf("non-positive peak %.2f", st.Peak))
	}
	if !st.InPosition() {
		return
	}
	if st.StopLoss == nil {
		w.addIssue(rep, "state_integrity", SeverityCritical,
			fmt.Sprintf("%s tracked without a stop-loss", st.TrackedSymbol()))
	}
	if st.RiskDistance == nil || *st.RiskDistance <= 0 {
		w.addIssue(rep, "state_integrity", SeverityCritical,
			fmt.Sprintf("%s tracked with invalid risk distance", st.TrackedSymbol()))
	}
}

func (w *Watchdog) checkReconciliation(ctx context.Context, rep *Report) {
	if w.engine == nil {
		return
	}
	var res recon.Result
	w.mgr.Update(func(st *state.TradingState) bool {
		var changed bool
		res, changed = w.engine.ReconcileAll(ctx, st)
		return changed
	})
	for _, is := range res.Issues {
		sev := SeverityWarning
		if is.Kind == recon.IssueNotOnVenue {
			sev = SeverityCritical
		}
		w.addIssue(rep, "reconciliation", sev, fmt.Sprintf("%s: %s", is.Kind, is.Detail))
	}
	if res.StateUpdated {
		rep.AutoFixes++
		w.metrics.autoFix("reconciliation")
	}
}

// checkStopSync re-places the venue stop when it drifted from the stored
// stop-loss. A position with no venue stop at all is reported but never
// auto-placed; placing orders blind is worse than telling the operator.
func (w *Watchdog) checkStopSync(ctx context.Context, rep *Report) {
	if w.engine == nil || w.stops == nil {
		return
	}
	st := w.mgr.Snapshot()
	if !st.InPosition() || st.StopLoss == nil {
		return
	}
	if len(w.stops.ActiveStops(st.TrackedSymbol())) == 0 {
		w.addIssue(rep, "stop_sync", SeverityWarning,
			fmt.Sprintf("%s has no tracked stop order", st.TrackedSymbol()))
		return
	}
	if w.engine.VerifyStopsSynchronized(&st) {
		return
	}
	w.addIssue(rep, "stop_sync", SeverityWarning,
		fmt.Sprintf("%s stop drifted from stored sl %.6f, resyncing", st.TrackedSymbol(), *st.StopLoss))
	if err := w.engine.ForceResyncStops(ctx, &st); err != nil {
		w.addIssue(rep, "stop_sync", SeverityCritical, fmt.Sprintf("resync failed: %v", err))
		return
	}
	rep.AutoFixes++
	w.metrics.autoFix("stop_resync")
}

func (w *Watchdog) checkLifecycle(ctx context.Context, rep *Report) {
	if w.lifecycle == nil {
		return
	}
	positions, err := w.gw.FetchOpenPositions(ctx)
	if err != nil {
		// Without venue data a flat result cannot be told from a fetch
		// failure, so skip the check this tick.
		logger.Warnf("watchdog: lifecycle check: %v", err)
		return
	}
	st := w.mgr.Snapshot()
	for _, problem := range w.lifecycle.VerifyConsistency(&st, positions) {
		w.addIssue(rep, "lifecycle", SeverityWarning, problem)
	}
}

// detectOrphan looks for positions open on the venue whose symbol the local
// state does not track, whether or not a position is tracked at all.
// Orphans are never auto-closed; the operator is alerted.
func (w *Watchdog) detectOrphan(ctx context.Context, rep *Report) bool {
	st := w.mgr.Snapshot()
	tracked := st.TrackedSymbol()
	positions, err := w.gw.FetchOpenPositions(ctx)
	if err != nil {
		logger.Warnf("watchdog: orphan check: %v", err)
		return false
	}
	var orphans []string
	for _, p := range positions {
		if p.Contracts != 0 && p.Symbol != tracked {
			orphans = append(orphans, fmt.Sprintf("%s %.6f @ %.6f", p.Symbol, p.Contracts, p.EntryPrice))
		}
	}
	if len(orphans) == 0 {
		return false
	}
	detail := fmt.Sprintf("venue holds untracked position(s): %s", strings.Join(orphans, ", "))
	w.addIssue(rep, "orphan_position", SeverityCritical, detail)
	w.alert("⚠️ *Orphan position detected*\n" + detail)
	return true
}

// checkStaleCheckpoint deletes recovery checkpoints older than the
// configured maximum so a long-dead checkpoint can never resurrect stale
// state on a future start.
func (w *Watchdog) checkStaleCheckpoint(rep *Report) {
	path := w.mgr.Store().CheckpointPath()
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	age := time.Since(info.ModTime())
	if age <= w.cfg.CheckpointMaxAge {
		return
	}
	w.addIssue(rep, "stale_checkpoint", SeverityWarning,
		fmt.Sprintf("checkpoint is %s old, removing", age.Round(time.Second)))
	if err := os.Remove(path); err != nil {
		logger.Warnf("watchdog: remove stale checkpoint: %v", err)
		return
	}
	rep.AutoFixes++
	w.metrics.autoFix("stale_checkpoint")
}

func (w *Watchdog) checkEmergencyFlag(rep *Report) {
	if w.cfg.EmergencyFlagPath == "" {
		return
	}
	if _, err := os.Stat(w.cfg.EmergencyFlagPath); err != nil {
		return
	}
	w.addIssue(rep, "emergency_flag", SeverityCritical,
		fmt.Sprintf("operator emergency flag present at %s", w.cfg.EmergencyFlagPath))
	w.alert(fmt.Sprintf("🚨 *Emergency flag set* at `%s`", w.cfg.EmergencyFlagPath))
}

func (w *Watchdog) addIssue(rep *Report, check string, sev Severity, detail string) {
	rep.Issues = append(rep.Issues, Issue{Check: check, Severity: sev, Detail: detail})
	if sev == SeverityCritical {
		logger.Errorf("watchdog: %s: %s", check, detail)
	} else {
		logger.Warnf("watchdog: %s: %s", check, detail)
	}
}

func (w *Watchdog) alert(text string) {
	if err := w.notify.SendText(text); err != nil {
		logger.Warnf("watchdog: alert: %v", err)
	}
}
