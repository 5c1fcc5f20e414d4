// Command orchestrator runs the autonomous trading loop end to end: it wires a market-
// data provider, a platform adapter, the decision aggregator, the risk gatekeeper, the
// trade monitor, and portfolio memory together behind the OODA agent and drives it until
// an OS signal or kill switch stops it. Grounded on the teacher's cmd/risk-demo/main.go
// wiring style (build every collaborator explicitly, no DI container, then Start/Stop).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/agent"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/approval"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/breaker"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/ensemble"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/market"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/memory"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/monitor"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/platform"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/portfolio"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/providers"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/regime"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/risk"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/store"
)

func main() {
	log.SetFlags(0)

	configPath := "config/orchestrator.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	root, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := zerolog.ParseLevel(root.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	observ.Init(os.Stdout, level)

	a, bridge, cleanup, err := buildAgent(root)
	if err != nil {
		log.Fatalf("wire dependencies: %v", err)
	}
	defer cleanup()

	go serveMetrics(bridge)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		observ.Log("shutdown_signal_received", nil)
		a.Stop()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("agent loop exited: %v", err)
	}
	observ.Log("orchestrator_stopped", nil)
}

// buildAgent wires every collaborator the loop agent needs (spec §4) and returns the
// fully assembled Agent plus a cleanup func for background watchers. Market data and
// platform execution use deterministic mocks here: concrete exchange/broker integrations
// are out of scope (spec §1) and are the one seam an operator swaps in for a live run.
func buildAgent(root config.Root) (*agent.Agent, *approval.Bridge, func(), error) {
	live := config.NewStore(root)

	st, err := store.New(root.Store.Directory)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decision store: %w", err)
	}

	providerNames := root.Ensemble.Providers
	if len(providerNames) == 0 {
		providerNames = []string{"primary"}
	}
	provs := make([]providers.Provider, 0, len(providerNames))
	for _, name := range providerNames {
		provs = append(provs, providers.NewMock(name))
	}

	agg, err := ensemble.New(ensemble.Config{
		Strategy:           ensemble.Strategy(root.Ensemble.Strategy),
		DebateRoles:        root.Ensemble.DebateRoles,
		PerProviderTimeout: time.Duration(root.Ensemble.PerProviderTimeoutMs) * time.Millisecond,
		OverallTimeout:     time.Duration(root.Ensemble.OverallTimeoutMs) * time.Millisecond,
		MinQuorum:          root.Ensemble.MinQuorum,
	}, provs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ensemble: %w", err)
	}

	drawdownBreaker := risk.NewDrawdownBreaker(root.DrawdownBreaker)
	gatekeeper := risk.NewGatekeeper(root.Risk, root.Staleness, drawdownBreaker)

	ledger := portfolio.NewManager(root.Store.Directory+"/portfolio_ledger.json", 100000)
	if err := ledger.Load(); err != nil {
		return nil, nil, nil, fmt.Errorf("portfolio ledger: %w", err)
	}
	plat := platform.NewMock("paper", 100000).WithLedger(ledger).WithFillSimulator(5, 150, 1, 8)
	if plat, err = plat.WithOutbox(root.Store.Directory+"/order_outbox.jsonl", 300); err != nil {
		return nil, nil, nil, fmt.Errorf("platform outbox: %w", err)
	}
	br := breaker.New(breaker.Config{
		Name:             "platform",
		FailureThreshold: root.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(root.Breaker.RecoveryTimeoutSeconds) * time.Second,
	})

	mem := memory.New(memory.Config{
		LearningRate:        root.Memory.LearningRate,
		MinSamplesPerRegime: root.Memory.MinSamplesPerRegime,
		StateFilePath:       root.Memory.StateFilePath,
	}, providerNames)

	mkt := market.NewMock("mock", 0)
	seedMockMarket(mkt, plat, root.Agent.AssetPairs)

	deps := agent.Deps{
		Config:     live,
		Aggregator: agg,
		Gatekeeper: gatekeeper,
		Store:      st,
		Memory:     mem,
		Regime:     regime.NewClassifier(),
		Market:     mkt,
		Platform:   plat,
		Breaker:    br,
	}
	var bridge *approval.Bridge
	if root.Agent.ApprovalPolicy == "on_new_asset" && root.Approval.Enabled {
		secret := os.Getenv(root.Approval.SigningSecretEnv)
		bridge = approval.NewBridge(root.Approval, secret, time.Duration(root.Agent.ApprovalTimeoutSeconds)*time.Second)
		deps.Approver = bridge
	}

	// Agent is built before its own monitor because Agent implements monitor.ClosureSink:
	// Monitor needs a sink to construct, and the agent's Deps.Monitor is wired in after.
	a := agent.New(deps)

	mon := monitor.New(monitor.Config{
		MaxConcurrentTrackers:  root.Monitor.MaxConcurrentTrackers,
		PnLCheckInterval:       time.Duration(root.Monitor.PnLCheckIntervalSeconds) * time.Second,
		PortfolioCheckInterval: time.Duration(root.Monitor.PortfolioCheckIntervalSeconds) * time.Second,
		PerTradeStopLossPct:    root.Monitor.PerTradeStopLossPct,
		PerTradeTakeProfitPct:  root.Monitor.PerTradeTakeProfitPct,
		PortfolioStopLossPct:   root.Monitor.PortfolioStopLossPct,
		PortfolioTakeProfitPct: root.Monitor.PortfolioTakeProfitPct,
		MaxPriceFailures:       root.Monitor.MaxPriceFailures,
		MaxCloseRetries:        root.Monitor.MaxCloseRetries,
	}, plat, br, a)
	a.SetMonitor(mon)

	watcher := monitor.NewPortfolioWatcher(monitor.Config{
		PortfolioCheckInterval: time.Duration(root.Monitor.PortfolioCheckIntervalSeconds) * time.Second,
		PortfolioStopLossPct:   root.Monitor.PortfolioStopLossPct,
		PortfolioTakeProfitPct: root.Monitor.PortfolioTakeProfitPct,
	}, mon, plat.Balance)
	watcherCtx, watcherCancel := context.WithCancel(context.Background())
	go watcher.Run(watcherCtx)

	return a, bridge, func() { watcherCancel() }, nil
}

// seedMockMarket gives the mock provider a plausible fixture, and the mock platform a
// matching mark price, for every configured asset pair, so a fresh checkout runs end to
// end without external data.
func seedMockMarket(mkt *market.Mock, plat *platform.Mock, pairs []string) {
	for _, raw := range pairs {
		asset := domain.ParseAssetPair(raw, []string{"USD", "USDT", "EUR"})
		mkt.SetContext(asset, domain.MarketContext{
			LastPrice:  100,
			AssetClass: domain.AssetClassCrypto,
		})
		plat.SetPrice(asset, 100)
	}
}

// serveMetrics exposes Prometheus metrics and health on :9090. When the "on_new_asset"
// approval policy is active, it also carries the signed callback route: the bridge that
// issued the pending approval request lives in this same process, so the callback must
// be served here too, not by a separate binary.
func serveMetrics(bridge *approval.Bridge) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	if bridge != nil {
		mux.HandleFunc("/approval/callback", bridge.HandleCallback)
	}
	addr := ":9090"
	observ.Log("metrics_server_listening", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, mux); err != nil {
		observ.LogError("metrics_server_error", err, nil)
	}
}
