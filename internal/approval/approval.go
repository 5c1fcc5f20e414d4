// Package approval implements the human-in-the-loop bridge for the "on_new_asset"
// approval_policy gate (spec §4.1 gate 4, SPEC_FULL.md approval expansion): a webhook
// notification out to a human approver plus an HMAC-signed HTTP callback bringing the
// decision back in. Grounded on the teacher's internal/alerts/slack.go (webhook POST,
// bounded retry queue) and internal/alerts/rbac.go (HMAC request signing, allow-listed
// approver ids, JSONL audit trail — adapted in rbac.go), generalized from Slack-specific
// alerting to a provider-agnostic webhook plus signed-callback approval flow.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/config"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// ErrApprovalTimeout is returned by RequestApproval when no callback arrives within the
// configured approval_timeout_seconds.
var ErrApprovalTimeout = errors.New("approval: request timed out waiting for a human decision")

// approvalRequest is the payload posted to the configured webhook.
type approvalRequest struct {
	DecisionID string    `json:"decision_id"`
	Asset      string    `json:"asset"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Timestamp  time.Time `json:"timestamp"`
}

// CallbackPayload is the body an approver's client posts back to Bridge.HandleCallback.
type CallbackPayload struct {
	DecisionID string `json:"decision_id"`
	ApproverID string `json:"approver_id"`
	Approved   bool   `json:"approved"`
}

type pendingApproval struct {
	resultCh chan bool
}

// Bridge implements agent.Approver by notifying a webhook and blocking until a signed
// callback resolves the request or the approval timeout elapses.
type Bridge struct {
	cfg        config.Approval
	timeout    time.Duration
	access     *accessControl
	httpClient *http.Client

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewBridge builds a Bridge. signingSecret is read by the caller from the environment
// variable named in cfg.SigningSecretEnv, never logged or embedded in code. timeout is
// the agent's configured approval_timeout_seconds (spec §4.1 gate 4).
func NewBridge(cfg config.Approval, signingSecret string, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Bridge{
		cfg:        cfg,
		timeout:    timeout,
		access:     newAccessControl(signingSecret, cfg.AllowedApproverIDs, cfg.AuditLogPath),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pending:    map[string]*pendingApproval{},
	}
}

// RequestApproval implements agent.Approver: it posts a notification to the configured
// webhook and waits for HandleCallback to resolve the same decision id, or times out.
func (b *Bridge) RequestApproval(ctx context.Context, d domain.Decision) (bool, error) {
	if !b.cfg.Enabled {
		return false, fmt.Errorf("approval: bridge disabled, cannot approve %s", d.Asset)
	}

	decisionID := d.ID
	if decisionID == "" {
		decisionID = d.Asset.String() + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	resultCh := make(chan bool, 1)
	b.mu.Lock()
	b.pending[decisionID] = &pendingApproval{resultCh: resultCh}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, decisionID)
		b.mu.Unlock()
	}()

	if err := b.notify(ctx, decisionID, d); err != nil {
		observ.LogError("approval_notify_failed", err, map[string]any{"decision": decisionID})
		return false, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-resultCh:
		return approved, nil
	case <-timer.C:
		observ.IncCounter("approval_timeouts_total", nil)
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (b *Bridge) notify(ctx context.Context, decisionID string, d domain.Decision) error {
	req := approvalRequest{
		DecisionID: decisionID,
		Asset:      d.Asset.String(),
		Action:     string(d.Action),
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build approval webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post approval webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("approval webhook returned status %d", resp.StatusCode)
	}
	observ.IncCounter("approval_requests_sent_total", nil)
	return nil
}

// HandleCallback is the HTTP handler an approver's client calls to resolve a pending
// RequestApproval; it is served from the same process and mux as RequestApproval (see
// cmd/orchestrator's serveMetrics), since Bridge.pending is in-memory state.
func (b *Bridge) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Approval-Signature")
	timestamp := r.Header.Get("X-Approval-Timestamp")
	if err := b.access.verifySignature(signature, timestamp, string(body)); err != nil {
		observ.Log("approval_callback_rejected", map[string]any{"reason": err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := b.access.authorize(payload.ApproverID, payload.DecisionID); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	b.mu.Lock()
	pending, ok := b.pending[payload.DecisionID]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "no pending approval for decision id", http.StatusNotFound)
		return
	}

	select {
	case pending.resultCh <- payload.Approved:
	default:
	}
	observ.IncCounter("approval_callbacks_received_total", map[string]string{"approved": strconv.FormatBool(payload.Approved)})
	w.WriteHeader(http.StatusOK)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
