// Package supervisor wires config, logging, the exchange gateway, funding
// cache, risk guards, OMS, and strategy into one running process: the
// preflight sequence, the concurrent task set, and graceful shutdown.
// Grounded on original_source/bot/app.py's _run(), with the task-spawning
// and shutdown shape adapted from pkg/strategy/xmaker/strategy.go's
// CrossRun/OnShutdown pair.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantedge/bitget-mm/internal/config"
	"github.com/quantedge/bitget-mm/internal/exchange/bitget"
	"github.com/quantedge/bitget-mm/internal/logging"
	"github.com/quantedge/bitget-mm/internal/marketdata"
	"github.com/quantedge/bitget-mm/internal/metrics"
	"github.com/quantedge/bitget-mm/internal/oms"
	"github.com/quantedge/bitget-mm/internal/risk"
	"github.com/quantedge/bitget-mm/internal/strategy"
	"github.com/quantedge/bitget-mm/internal/testfeed"
	"github.com/quantedge/bitget-mm/internal/types"
	"github.com/shopspring/decimal"
)

const (
	startupWarmup           = 5 * time.Second
	fundingPollSec          = 60.0
	constraintsRefreshEvery = 5 * time.Minute
	fillMonitorInterval     = 200 * time.Millisecond
	positionsSyncInterval   = 5 * time.Second
	positionsSyncTimeout    = 2 * time.Second
	loopLagProbeInterval    = 1 * time.Second
	loopLagWarnMs           = 200.0
)

// PreflightError marks a failure during startup preflight, so main can
// distinguish it from a graceful shutdown and set a non-zero exit code.
type PreflightError struct {
	Reason string
	Err    error
}

func (e *PreflightError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("preflight failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("preflight failed: %s", e.Reason)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// Run executes the full preflight-then-serve lifecycle for one bot
// process, returning when ctx is cancelled (graceful) or a preflight step
// fails (*PreflightError).
func Run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &PreflightError{Reason: "config_load", Err: err}
	}
	config.ApplyEnvOverrides(cfg)

	sinks, err := logging.NewSinks(config.LogDir())
	if err != nil {
		return &PreflightError{Reason: "log_open", Err: err}
	}
	defer sinks.Close()

	log := logging.NewLogger(logrus.InfoLevel)
	logStartupFlags(sinks.System, "run_enter", nil, cfg.Strategy.DryRun)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return loopLagProbe(gctx, sinks.System) })

	creds, privateEnabled := config.LoadCredentials("")
	if !privateEnabled {
		if cfg.Strategy.DryRun {
			_ = sinks.System.Log(logging.Record{Event: "private_disabled", Source: "startup", Mode: "INIT", Reason: "missing_api_keys"})
		} else {
			return &PreflightError{Reason: "missing_api_keys"}
		}
	}
	logStartupFlags(sinks.System, "after_private_enabled", &privateEnabled, cfg.Strategy.DryRun)

	gateway := bitget.NewGateway(cfg, creds, log, sinks)
	fundingCache := marketdata.NewFundingCache(gateway, fundingPollSec)
	guards := risk.New(cfg.Risk)
	o := oms.New(gateway, gateway.Store(), cfg, gateway.Constraints, guards, sinks.Orders, sinks.Fills, sinks.System)

	if privateEnabled {
		_ = sinks.System.Log(logging.Record{Event: "startup_cancel_all_begin", Source: "startup", Mode: "INIT", Reason: "startup_cancel_all", Leg: "orders"})
		o.CancelAll(ctx, "startup_cancel_all")
		_ = sinks.System.Log(logging.Record{Event: "startup_cancel_all_done", Source: "startup", Mode: "INIT", Reason: "startup_cancel_all", Leg: "orders"})
		if !sleepCtx(ctx, startupWarmup) {
			return ctx.Err()
		}
	}

	recorder := metrics.NewRecorder(cfg.Symbols.Perp.Symbol)
	strat := strategy.New(cfg, gateway.Store(), fundingCache, guards, o, sinks.Decision, recorder)

	if _, err := gateway.LoadConstraints(ctx); err != nil {
		_ = sinks.System.Log(logging.Record{Event: "preflight_failed", Source: "startup", Mode: "INIT", Reason: "constraints_error", Data: map[string]interface{}{"error": err.Error()}})
		return &PreflightError{Reason: "constraints_error", Err: err}
	}
	if !gateway.Constraints.Ready() {
		_ = sinks.System.Log(logging.Record{Event: "preflight_failed", Source: "startup", Mode: "INIT", Reason: "constraints_not_ready"})
		return &PreflightError{Reason: "constraints_not_ready"}
	}

	if privateEnabled && !cfg.Strategy.DryRun {
		if err := reconcilePosMode(ctx, gateway, sinks.System); err != nil {
			return err
		}
	}

	if err := fundingCache.UpdateOnce(ctx); err != nil {
		_ = sinks.System.Log(logging.Record{Event: "preflight_failed", Source: "startup", Mode: "INIT", Reason: "funding_error", Data: map[string]interface{}{"error": err.Error()}})
		return &PreflightError{Reason: "funding_error", Err: err}
	}
	if _, ok := fundingCache.Last(); !ok && !cfg.Strategy.DryRun {
		_ = sinks.System.Log(logging.Record{Event: "preflight_failed", Source: "startup", Mode: "INIT", Reason: "funding_unavailable"})
		return &PreflightError{Reason: "funding_unavailable"}
	}

	if testFeedEnabled() {
		_ = sinks.System.Log(logging.Record{Event: "test_feed_enabled", Source: "startup", Mode: "INIT", Reason: "env_TEST_FEED"})
		injector := testfeed.New(testFeedScenario(cfg), gateway.Store(), gateway.Store(), 500*time.Millisecond)
		group.Go(func() error { return injector.Run(gctx) })
	} else {
		group.Go(func() error { return gateway.RunPublicWS(gctx) })
	}
	group.Go(func() error { return fundingCache.Run(gctx) })
	group.Go(func() error { return strat.Run(gctx) })
	group.Go(func() error { return monitorDisconnect(gctx, gateway, guards, o, sinks.System) })
	group.Go(func() error { return gateway.RefreshConstraintsLoop(gctx, constraintsRefreshEvery) })
	group.Go(func() error { return serveMetrics(gctx) })

	if privateEnabled {
		if !testFeedEnabled() {
			group.Go(func() error { return gateway.RunPrivateWS(gctx) })
		}
		group.Go(func() error { return monitorFills(gctx, gateway, o) })
		group.Go(func() error { return syncPositionsLoop(gctx, gateway, o) })
	}

	err = group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func logStartupFlags(sink *logging.Sink, stage string, privateEnabled *bool, dryRun bool) {
	data := map[string]interface{}{
		"stage":            stage,
		"env_DRY_RUN":      os.Getenv("DRY_RUN"),
		"private_enabled":  privateEnabled,
		"dry_run":          dryRun,
	}
	_ = sink.Log(logging.Record{Event: "startup_flags", Source: "startup", Mode: "INIT", Reason: "startup_flags", Leg: "system", Data: data})
}

// reconcilePosMode mirrors app.py's pos-mode reconciliation: read current
// mode, set it if auto-set is enabled and it diverges from target, then
// fail preflight if it still diverges.
func reconcilePosMode(ctx context.Context, gateway *bitget.Gateway, sink *logging.Sink) error {
	target := config.TargetPosMode()
	autoSet := config.AutoSetPosMode()

	current, err := gateway.GetPosMode(ctx)
	if err != nil {
		return &PreflightError{Reason: "pos_mode_error", Err: err}
	}
	_ = sink.Log(logging.Record{Event: "pos_mode", Source: "startup", Mode: "INIT", Data: map[string]interface{}{
		"current": current, "target": target, "auto_set": autoSet,
	}})

	if target == "" || current == "" || current == target {
		return nil
	}

	if autoSet {
		res, err := gateway.SetPosMode(ctx, target)
		_ = sink.Log(logging.Record{Event: "pos_mode_set", Source: "startup", Mode: "INIT", Data: map[string]interface{}{"target": target}, Res: res})
		if err != nil {
			return &PreflightError{Reason: "pos_mode_set_error", Err: err}
		}
		current, err = gateway.GetPosMode(ctx)
		if err != nil {
			return &PreflightError{Reason: "pos_mode_error", Err: err}
		}
		_ = sink.Log(logging.Record{Event: "pos_mode", Source: "startup", Mode: "INIT", Data: map[string]interface{}{
			"current": current, "target": target, "auto_set": autoSet,
		}})
	}

	if current != target {
		return &PreflightError{Reason: fmt.Sprintf("pos_mode_mismatch current=%s target=%s", current, target)}
	}
	return nil
}

// monitorDisconnect waits for any uncontrolled WS disconnect signal and
// halts the bot: the only recovery is a process restart.
func monitorDisconnect(ctx context.Context, gateway *bitget.Gateway, guards *risk.Guards, o *oms.OMS, sink *logging.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scope := <-gateway.Disconnect():
			_ = sink.Log(logging.Record{Event: "halted", Source: "runtime", Mode: "RUN", Reason: "ws_disconnect", Data: map[string]interface{}{"scope": scope}})
			guards.Halt("ws_disconnect", time.Now())
			o.CancelAll(ctx, "ws_disconnect")
		}
	}
}

// monitorFills polls the store for newly-pushed fill rows and dispatches
// them through the OMS, mirroring oms.py's monitor_fills poll loop.
func monitorFills(ctx context.Context, gateway *bitget.Gateway, o *oms.OMS) error {
	ticker := time.NewTicker(fillMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.ProcessFillRows(ctx, gateway.Store().FillRows())
		}
	}
}

// syncPositionsLoop periodically reconciles the OMS's position tracker
// against the pushed positions store, bounding each reconciliation to
// positionsSyncTimeout.
func syncPositionsLoop(ctx context.Context, gateway *bitget.Gateway, o *oms.OMS) error {
	ticker := time.NewTicker(positionsSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.SyncPositions(ctx, gateway.Store(), positionsSyncTimeout)
		}
	}
}

// loopLagProbe measures scheduling delay on its own ticker and logs a
// warning whenever the observed lag exceeds loopLagWarnMs.
func loopLagProbe(ctx context.Context, sink *logging.Sink) error {
	last := time.Now()
	ticker := time.NewTicker(loopLagProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			lagMs := now.Sub(last).Seconds()*1000.0 - float64(loopLagProbeInterval.Milliseconds())
			if lagMs < 0 {
				lagMs = 0
			}
			if lagMs >= loopLagWarnMs {
				_ = sink.Log(logging.Record{Event: "loop_lag", Source: "runtime", Mode: "RUN", Reason: "loop_lag", Leg: "system", Data: map[string]interface{}{
					"lag_ms": lagMs, "interval_s": loopLagProbeInterval.Seconds(),
				}})
			}
			last = now
		}
	}
}

// serveMetrics exposes the prometheus gauges on METRICS_ADDR (":9100" by
// default) until ctx is cancelled.
func serveMetrics(ctx context.Context) error {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9100"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// testFeedEnabled reports whether TEST_FEED=1 was set, replacing the
// public and private WS streams with the deterministic testfeed.Injector
// as the source of book and fill rows. Constraints and funding preflight
// still go to the venue's REST API, and injected fills are dispatched to
// the OMS only when private connectivity is enabled.
func testFeedEnabled() bool {
	return os.Getenv("TEST_FEED") == "1"
}

// testFeedScenario builds the default synthetic scenario for the
// configured symbol pair: a flat-spread sinusoidal book walk plus one
// scheduled perp quote fill shortly after start, to exercise the hedge
// ticket lifecycle end to end.
func testFeedScenario(cfg *config.AppConfig) testfeed.Scenario {
	return testfeed.Scenario{
		SpotSymbol:  cfg.Symbols.Spot.Symbol,
		PerpSymbol:  cfg.Symbols.Perp.Symbol,
		BaseMid:     decimal.NewFromFloat(2000.0),
		AmplitudeBp: 10,
		PeriodSec:   120,
		SpreadBp:    2,
		LevelSize:   decimal.NewFromFloat(1.0),
		Fills: []testfeed.ScheduledFill{
			{
				At: 10 * time.Second,
				Row: map[string]interface{}{
					"instType":  string(types.InstUSDTFutures),
					"instId":    cfg.Symbols.Perp.Symbol,
					"side":      "buy",
					"price":     "2000.5",
					"size":      "0.05",
					"tradeId":   "testfeed-perp-fill-1",
					"clientOid": "QUOTE_BID-1-0000000000",
					"orderId":   "testfeed-order-1",
					"ts":        time.Now().UnixMilli(),
				},
			},
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
