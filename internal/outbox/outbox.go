// Package outbox gives a platform adapter a durable, append-only audit trail of every
// order it places and fill it receives, plus an idempotency guard that survives a
// process restart (the in-memory clientOrderID map a platform.Mock keeps does not).
// Adapted from the teacher's internal/outbox/outbox.go: the JSONL append-and-scan design
// is unchanged, generalized from string symbol/intent fields to domain.AssetPair and
// domain.Action.
package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// Order records that an order was submitted, keyed by the idempotency key the caller
// used to dedupe retries.
type Order struct {
	ClientOrderID  string          `json:"client_order_id"`
	Asset          string          `json:"asset"`
	Action         domain.Action   `json:"action"`
	Size           float64         `json:"size"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Fill records the execution that resulted from an order.
type Fill struct {
	ClientOrderID string        `json:"client_order_id"`
	Asset         string        `json:"asset"`
	Action        domain.Action `json:"action"`
	Quantity      float64       `json:"quantity"`
	Price         float64       `json:"price"`
	Timestamp     time.Time     `json:"timestamp"`
	LatencyMs     int           `json:"latency_ms"`
	SlippageBps   int           `json:"slippage_bps"`
}

type entry struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Event time.Time   `json:"event"`
}

// Outbox is a JSONL append log plus a bounded idempotency window: HasRecentOrder only
// considers orders written within dedupeWindow of now, so the log can grow unbounded
// without the dedupe scan itself growing unbounded in relevance.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
}

// New opens (creating if needed) the outbox file at path, with a dedupe window of
// dedupeWindowSecs seconds.
func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
	}, nil
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.appendEntry(entry{Type: "order", Data: order, Event: time.Now().UTC()})
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.appendEntry(entry{Type: "fill", Data: fill, Event: time.Now().UTC()})
}

func (o *Outbox) appendEntry(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(string(data) + "\n")
	return err
}

// HasRecentOrder reports whether idempotencyKey was written within the dedupe window,
// so a platform adapter can refuse a duplicate order resubmitted after a restart wiped
// its in-memory idempotency map.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	if _, err := os.Stat(o.path); os.IsNotExist(err) {
		return false, nil
	}

	data, err := os.ReadFile(o.path)
	if err != nil {
		return false, err
	}

	cutoff := time.Now().UTC().Add(-o.dedupeWindow)
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}

		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Type != "order" || e.Event.Before(cutoff) {
			continue
		}

		orderData, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		var order Order
		if err := json.Unmarshal(orderData, &order); err != nil {
			continue
		}
		if order.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}

	return false, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
