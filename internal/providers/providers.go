// Package providers defines the AI decision provider contract the aggregator consumes
// (spec §6): a single Decide operation returning a ProviderDecision or failing. Concrete
// inference backends (local, remote CLI, HTTP API) are out of scope (spec §1); this
// package carries the interface plus a deterministic mock used in tests and the demo
// entry point, grounded on the teacher's internal/adapters/mock.go approach of shipping
// a fully deterministic stand-in for an out-of-scope external collaborator.
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// Provider is the capability set the aggregator depends on. Implementations must be
// side-effect-free from the aggregator's point of view and safe for concurrent use.
type Provider interface {
	Name() string
	Decide(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) (domain.ProviderDecision, error)
}

// PermanentError marks a provider failure that must not be retried (spec §4.1 "Reasoning
// retry policy", §7 "Permanent I/O").
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "provider: permanent error: " + e.Reason }

// IsPermanent reports whether err represents a non-retryable provider failure.
func IsPermanent(err error) bool {
	_, ok := err.(*PermanentError)
	return ok
}

// Mock is a deterministic provider for tests and the runnable demo. Its decision for an
// asset is driven entirely by fixtures set with SetDecision, never by wall-clock or
// randomness, so test outcomes reproduce exactly.
type Mock struct {
	name    string
	mu      sync.Mutex
	fixture map[string]domain.ProviderDecision
	delay   time.Duration
	failing bool
	permanent bool
}

// NewMock creates a named mock provider with no fixtures set; Decide returns HOLD/0 for
// unseen assets until a fixture is added.
func NewMock(name string) *Mock {
	return &Mock{name: name, fixture: map[string]domain.ProviderDecision{}}
}

// SetDecision fixes the decision this mock returns for a given asset.
func (m *Mock) SetDecision(asset domain.AssetPair, action domain.Action, confidence float64, reasoning string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixture[asset.String()] = domain.ProviderDecision{
		ProviderName: m.name,
		Action:       action,
		Confidence:   confidence,
		Reasoning:    reasoning,
	}
}

// SetLatency makes Decide sleep for d before returning, for timeout tests.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetFailing makes Decide return an error; permanent selects a PermanentError.
func (m *Mock) SetFailing(failing, permanent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
	m.permanent = permanent
}

// Name returns the provider's identity used for stable lexicographic ordering.
func (m *Mock) Name() string { return m.name }

// Decide implements Provider.
func (m *Mock) Decide(ctx context.Context, mc domain.MarketContext, ps domain.PortfolioSnapshot) (domain.ProviderDecision, error) {
	m.mu.Lock()
	delay := m.delay
	failing := m.failing
	permanent := m.permanent
	fixed, ok := m.fixture[mc.Asset.String()]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.ProviderDecision{}, ctx.Err()
		}
	}

	if failing {
		if permanent {
			return domain.ProviderDecision{}, &PermanentError{Reason: "bad_request"}
		}
		return domain.ProviderDecision{}, fmt.Errorf("provider %s: transient failure", m.name)
	}

	if !ok {
		return domain.ProviderDecision{ProviderName: m.name, Action: domain.ActionHold, Confidence: 0, Reasoning: "no fixture"}, nil
	}
	return fixed, nil
}
