// Package config loads and hot-patches the orchestrator's YAML configuration, following
// the teacher's Load(path)-plus-post-load-defaulting idiom.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent configures the OODA loop cadence and kill switches (spec §4.1, §6).
type Agent struct {
	AnalysisFrequencySeconds int      `yaml:"analysis_frequency_seconds"`
	AssetPairs               []string `yaml:"asset_pairs"`
	MinConfidenceThreshold   float64  `yaml:"min_confidence_threshold"`
	MaxDailyTrades           int      `yaml:"max_daily_trades"`
	KillSwitchLossPct        float64  `yaml:"kill_switch_loss_pct"`
	ApprovalPolicy           string   `yaml:"approval_policy"` // always | never | on_new_asset
	ApprovalTimeoutSeconds   int      `yaml:"approval_timeout_seconds"`
	MaxRetries               int      `yaml:"max_retries"`
}

// Staleness maps an asset class to its maximum allowed market-data age.
type Staleness struct {
	CryptoSeconds  int `yaml:"crypto_seconds"`
	ForexSeconds   int `yaml:"forex_seconds"`
	EquitySeconds  int `yaml:"equity_seconds"`
	DefaultSeconds int `yaml:"default_seconds"`
}

// Ensemble configures the decision aggregator (spec §4.2, §6).
type Ensemble struct {
	Strategy           string             `yaml:"strategy"` // single | weighted | majority | stacking | debate
	Providers          []string           `yaml:"providers"`
	Weights            map[string]float64 `yaml:"weights"`
	DebateRoles        map[string]string  `yaml:"debate_roles"` // bull | bear | judge -> provider name
	PerProviderTimeoutMs int              `yaml:"per_provider_timeout_ms"`
	OverallTimeoutMs     int              `yaml:"overall_timeout_ms"`
	MinQuorum            int              `yaml:"min_quorum"`
}

// Risk configures the gatekeeper's layered thresholds (spec §4.3, §6).
type Risk struct {
	MaxDrawdownPct               float64            `yaml:"max_drawdown_pct"`
	MaxVarPct                    float64            `yaml:"max_var_pct"`
	MaxCorrelatedCount           int                `yaml:"max_correlated_count"`
	IntraPlatformCorrThreshold   float64            `yaml:"intra_platform_correlation_threshold"`
	CrossPlatformCorrThreshold   float64            `yaml:"cross_platform_correlation_threshold"`
	CrossPlatformCorrMode        string             `yaml:"cross_platform_correlation_mode"` // warn | block
	MaxPositionFraction          float64            `yaml:"max_position_fraction"`
	MaxLeverage                  float64            `yaml:"max_leverage"`
	HighVolThreshold             float64            `yaml:"high_vol_threshold_pct"`
	HighVolMinConfidence         float64            `yaml:"high_vol_min_confidence"`
	SectorMap                    map[string]string  `yaml:"sector_map"`
}

// Breaker configures the spec-mandated three-state circuit breaker (spec §4.5, §6).
type Breaker struct {
	FailureThreshold      int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// DrawdownBreaker configures the teacher's richer graduated drawdown control, kept
// alongside the spec-mandated breaker (see SPEC_FULL.md §4.5 expansion).
type DrawdownBreaker struct {
	Enabled            bool                     `yaml:"enabled"`
	Thresholds         map[string]float64       `yaml:"thresholds"`
	EventLogPath       string                   `yaml:"event_log_path"`
}

// Monitor configures the trade monitor (spec §4.4, §6).
type Monitor struct {
	MaxConcurrentTrackers      int `yaml:"max_concurrent_trackers"`
	PnLCheckIntervalSeconds    int `yaml:"pnl_check_interval_seconds"`
	PortfolioCheckIntervalSeconds int `yaml:"portfolio_check_interval_seconds"`
	PerTradeStopLossPct        float64 `yaml:"per_trade_stop_loss_pct"`
	PerTradeTakeProfitPct      float64 `yaml:"per_trade_take_profit_pct"`
	PortfolioStopLossPct       float64 `yaml:"portfolio_stop_loss_pct"`
	PortfolioTakeProfitPct     float64 `yaml:"portfolio_take_profit_pct"`
	MaxPriceFailures           int     `yaml:"max_price_failures"`
	MaxCloseRetries            int     `yaml:"max_close_retries"`
}

// Store configures the decision store's on-disk layout.
type Store struct {
	Directory string `yaml:"directory"`
}

// Memory configures portfolio memory's feedback parameters (spec §4.7).
type Memory struct {
	LearningRate         float64 `yaml:"learning_rate"`
	MinSamplesPerRegime  int     `yaml:"min_samples_per_regime"`
	StateFilePath        string  `yaml:"state_file_path"`
}

// Approval configures the human-approval bridge (spec §6 expansion).
type Approval struct {
	Enabled             bool     `yaml:"enabled"`
	WebhookURL          string   `yaml:"webhook_url"`
	SigningSecretEnv    string   `yaml:"signing_secret_env"`
	AllowedApproverIDs  []string `yaml:"allowed_approver_ids"`
	AuditLogPath        string   `yaml:"audit_log_path"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Root is the top-level configuration document.
type Root struct {
	Agent           Agent           `yaml:"agent"`
	Staleness       Staleness       `yaml:"staleness"`
	Ensemble        Ensemble        `yaml:"ensemble"`
	Risk            Risk            `yaml:"risk"`
	Breaker         Breaker         `yaml:"breaker"`
	DrawdownBreaker DrawdownBreaker `yaml:"drawdown_breaker"`
	Monitor         Monitor         `yaml:"monitor"`
	Store           Store           `yaml:"store"`
	Memory          Memory          `yaml:"memory"`
	Approval        Approval        `yaml:"approval"`
	Logging         Logging         `yaml:"logging"`
}

// MaxStaleness returns the configured staleness budget for an asset class.
func (s Staleness) MaxStaleness(assetClass string) time.Duration {
	switch assetClass {
	case "crypto":
		return secondsOrDefault(s.CryptoSeconds, s.DefaultSeconds)
	case "forex":
		return secondsOrDefault(s.ForexSeconds, s.DefaultSeconds)
	case "equity":
		return secondsOrDefault(s.EquitySeconds, s.DefaultSeconds)
	default:
		return secondsOrDefault(s.DefaultSeconds, 900)
	}
}

func secondsOrDefault(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	if v <= 0 {
		v = 900
	}
	return time.Duration(v) * time.Second
}

func defaults() Root {
	return Root{
		Agent: Agent{
			AnalysisFrequencySeconds: 60,
			MinConfidenceThreshold:   60,
			MaxDailyTrades:           20,
			KillSwitchLossPct:        10,
			ApprovalPolicy:           "never",
			ApprovalTimeoutSeconds:   900,
			MaxRetries:               3,
		},
		Staleness: Staleness{
			CryptoSeconds:  300,
			ForexSeconds:   60,
			EquitySeconds:  900,
			DefaultSeconds: 900,
		},
		Ensemble: Ensemble{
			Strategy:             "single",
			PerProviderTimeoutMs: 8000,
			OverallTimeoutMs:     10000,
			MinQuorum:            2,
		},
		Risk: Risk{
			MaxDrawdownPct:             10,
			MaxVarPct:                  5,
			MaxCorrelatedCount:         3,
			IntraPlatformCorrThreshold: 0.8,
			CrossPlatformCorrThreshold: 0.8,
			CrossPlatformCorrMode:      "warn",
			MaxPositionFraction:        0.2,
			MaxLeverage:                3,
			HighVolThreshold:           5,
			HighVolMinConfidence:       75,
		},
		Breaker: Breaker{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
		},
		DrawdownBreaker: DrawdownBreaker{
			EventLogPath: "data/drawdown_breaker_events.jsonl",
		},
		Monitor: Monitor{
			MaxConcurrentTrackers:         50,
			PnLCheckIntervalSeconds:       10,
			PortfolioCheckIntervalSeconds: 10,
			PerTradeStopLossPct:           3,
			PerTradeTakeProfitPct:         4,
			PortfolioStopLossPct:          5,
			PortfolioTakeProfitPct:        10,
			MaxPriceFailures:              5,
			MaxCloseRetries:               3,
		},
		Store: Store{
			Directory: "data/decisions",
		},
		Memory: Memory{
			LearningRate:        0.1,
			MinSamplesPerRegime: 10,
			StateFilePath:       "data/portfolio_memory.json",
		},
		Approval: Approval{
			SigningSecretEnv: "APPROVAL_SIGNING_SECRET",
			AuditLogPath:     "data/approval_audit.jsonl",
		},
		Logging: Logging{Level: "info"},
	}
}

// Load reads and parses a YAML config file, applying defaults for anything left zero.
func Load(path string) (Root, error) {
	c := defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// Live holds the live configuration behind a mutex so UpdateConfig can merge a patch
// that takes effect on the loop agent's next PERCEPTION entry (spec §4.1).
type Live struct {
	mu  sync.RWMutex
	cur Root
}

// NewStore wraps an initial configuration for safe concurrent reads and patched writes.
func NewStore(initial Root) *Live {
	return &Live{cur: initial}
}

// Get returns an immutable snapshot of the current configuration.
func (s *Live) Get() Root {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Patch applies a mutating function to a copy of the current configuration and swaps it
// in, matching the spec's "merge configuration patch under a mutex" semantics.
func (s *Live) Patch(fn func(*Root)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	fn(&next)
	s.cur = next
}
