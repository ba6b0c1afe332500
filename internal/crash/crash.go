// Package crash turns process termination, expected or not, into a recovery
// checkpoint plus a diagnostic crash record, so the next start can resume
// instead of guessing.
package crash

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/state"
	"vigil/internal/venue"
)

const (
	journalCap = 100

	// shutdownTimeout bounds the venue survey during emergency shutdown; a
	// hung venue must not block process exit.
	shutdownTimeout = 10 * time.Second

	// orderSurveyLimit caps how many symbols get an open-order snapshot in
	// the crash record.
	orderSurveyLimit = 3
)

// Handler captures state at the moment of death.
type Handler struct {
	mgr     *state.Manager
	gw      venue.Gateway
	symbols []string
	journal *journal.Journal
}

func NewHandler(mgr *state.Manager, gw venue.Gateway, symbols []string, journalPath string) *Handler {
	return &Handler{
		mgr:     mgr,
		gw:      gw,
		symbols: symbols,
		journal: journal.New(journalPath, journalCap),
	}
}

type crashRecord struct {
	Timestamp         string             `json:"timestamp"`
	Reason            string             `json:"reason"`
	State             state.TradingState `json:"state"`
	Traceback         string             `json:"traceback"`
	OpenPositions     []positionSnapshot `json:"open_positions,omitempty"`
	OpenOrders        map[string]int     `json:"open_orders,omitempty"`
	RecoveryAvailable bool               `json:"recovery_available"`
}

type positionSnapshot struct {
	Symbol    string  `json:"symbol"`
	Contracts float64 `json:"contracts"`
	Entry     float64 `json:"entry"`
	Pnl       float64 `json:"unrealized_pnl"`
}

// Install registers signal handling: on SIGINT or SIGTERM the emergency
// shutdown runs, then cancel is invoked so the rest of the process can wind
// down. The returned channel closes once handling is armed.
func (h *Handler) Install(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warnf("crash: received %s, running emergency shutdown", sig)
		h.EmergencyShutdown(sig.String())
		cancel()
		// Second signal forces immediate exit.
		sig = <-sigCh
		logger.Errorf("crash: received %s again, exiting now", sig)
		os.Exit(1)
	}()
}

// EmergencyShutdown checkpoints the live state and writes a crash record
// with whatever venue context it can gather inside the timeout. Every step
// is best-effort; nothing here may panic or block indefinitely.
func (h *Handler) EmergencyShutdown(reason string) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if h.mgr.Checkpoint() {
		logger.Infof("crash: recovery checkpoint written")
	} else {
		logger.Errorf("crash: recovery checkpoint write failed")
	}

	rec := crashRecord{
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		Reason:            reason,
		State:             h.mgr.Snapshot(),
		Traceback:         string(debug.Stack()),
		RecoveryAvailable: true,
	}

	if positions, err := h.gw.FetchOpenPositions(ctx); err == nil {
		for _, p := range positions {
			if p.Contracts == 0 {
				continue
			}
			rec.OpenPositions = append(rec.OpenPositions, positionSnapshot{
				Symbol:    p.Symbol,
				Contracts: p.Contracts,
				Entry:     p.EntryPrice,
				Pnl:       p.UnrealizedPnl,
			})
		}
	} else {
		logger.Warnf("crash: position survey: %v", err)
	}

	surveyed := h.symbols
	if len(surveyed) > orderSurveyLimit {
		surveyed = surveyed[:orderSurveyLimit]
	}
	for _, symbol := range surveyed {
		orders, err := h.gw.FetchOpenOrders(ctx, symbol)
		if err != nil {
			logger.Warnf("crash: order survey %s: %v", symbol, err)
			continue
		}
		if rec.OpenOrders == nil {
			rec.OpenOrders = make(map[string]int)
		}
		rec.OpenOrders[symbol] = len(orders)
	}

	if h.journal.Append(rec) {
		logger.Infof("crash: crash record written (%d open positions)", len(rec.OpenPositions))
	} else {
		logger.Errorf("crash: crash record write failed")
	}
}

// RecordPanic writes a crash record for a recovered panic and re-raises it.
// Meant to be deferred at the top of long-lived goroutines.
func (h *Handler) RecordPanic() {
	r := recover()
	if r == nil {
		return
	}
	logger.Errorf("crash: panic: %v", r)
	h.EmergencyShutdown("panic")
	panic(r)
}
