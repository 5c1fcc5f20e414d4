package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/observ"
)

// AuditEntry is one line of the approval audit trail.
type AuditEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ApproverID    string    `json:"approver_id"`
	DecisionID    string    `json:"decision_id"`
	Outcome       string    `json:"outcome"` // success, denied, error
	Reason        string    `json:"reason,omitempty"`
}

// AuditLogger appends AuditEntry records to a JSONL file, mirroring the teacher's
// audit-trail-for-compliance approach but scoped to approval callbacks only.
type AuditLogger struct {
	mu      sync.Mutex
	logPath string
}

func newAuditLogger(logPath string) *AuditLogger {
	return &AuditLogger{logPath: logPath}
}

func (al *AuditLogger) log(entry AuditEntry) {
	if al.logPath == "" {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	file, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		observ.IncCounter("approval_audit_log_errors_total", map[string]string{"error": "open_file"})
		return
	}
	defer file.Close()

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		observ.IncCounter("approval_audit_log_errors_total", map[string]string{"error": "marshal"})
		return
	}
	if _, err := fmt.Fprintf(file, "%s\n", entryJSON); err != nil {
		observ.IncCounter("approval_audit_log_errors_total", map[string]string{"error": "write"})
		return
	}

	observ.IncCounter("approval_audit_entries_total", map[string]string{
		"outcome": entry.Outcome,
	})
}

// accessControl verifies inbound callback signatures and authorizes approver ids against
// the configured allow-list, logging every decision to the audit trail. Adapted from the
// teacher's RBACManager (internal/alerts/rbac.go): the HMAC-over-"v0:timestamp:body"
// signing scheme and JSONL audit log survive unchanged; the Slack-command permission
// matrix and two-person-approval workflow are dropped since a callback here authorizes
// exactly one action (approve or reject a pending decision), not a menu of slash commands.
type accessControl struct {
	signingSecret string
	allowed       map[string]bool // empty means any verified caller is authorized
	audit         *AuditLogger
}

func newAccessControl(signingSecret string, allowedApproverIDs []string, auditLogPath string) *accessControl {
	allowed := make(map[string]bool, len(allowedApproverIDs))
	for _, id := range allowedApproverIDs {
		allowed[id] = true
	}
	return &accessControl{
		signingSecret: signingSecret,
		allowed:       allowed,
		audit:         newAuditLogger(auditLogPath),
	}
}

// verifySignature checks an HMAC-SHA256 signature over "v0:<timestamp>:<body>" and
// rejects requests older than 5 minutes to block replay.
func (ac *accessControl) verifySignature(signature, timestamp, body string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if time.Now().Unix()-ts > 300 {
		return fmt.Errorf("approval callback too old")
	}

	base := fmt.Sprintf("v0:%s:%s", timestamp, body)
	mac := hmac.New(sha256.New, []byte(ac.signingSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		observ.IncCounter("approval_invalid_signature_total", nil)
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// authorize checks approverID against the allow-list and records the outcome to the
// audit trail regardless of verdict.
func (ac *accessControl) authorize(approverID, decisionID string) error {
	if len(ac.allowed) > 0 && !ac.allowed[approverID] {
		ac.audit.log(AuditEntry{ApproverID: approverID, DecisionID: decisionID, Outcome: "denied", Reason: "not in allowed_approver_ids"})
		observ.IncCounter("approval_forbidden_approver_total", map[string]string{"approver": approverID})
		return fmt.Errorf("approver %s is not on the allow-list", approverID)
	}
	ac.audit.log(AuditEntry{ApproverID: approverID, DecisionID: decisionID, Outcome: "success"})
	return nil
}
