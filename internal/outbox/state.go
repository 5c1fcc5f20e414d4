package outbox

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// GenerateIdempotencyKey derives a stable key for one (asset, action, size) submission
// at a given second, so retried submissions of the same order collapse to one key.
func GenerateIdempotencyKey(asset domain.AssetPair, action domain.Action, size float64, ts time.Time) string {
	data := fmt.Sprintf("%s-%s-%d-%.6f", asset.String(), action, ts.Unix(), size)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
