package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives the content-hash key that makes a retried order
// submission safe: the same (mode, side, symbol, qty, signalID) tuple
// always hashes to the same key, so the order synchronizer's lookup
// recognizes a repeated request before ever calling the broker.
func IdempotencyKey(mode, side, symbol string, qty int, signalID string) string {
	material := fmt.Sprintf("%s|%s|%s|%d|%s", mode, side, symbol, qty, signalID)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
