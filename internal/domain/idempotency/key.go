package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DeriveKey builds a key for callers that did not supply one. Identical
// operands submitted by the same caller inside one time bucket collapse to
// the same key.
func DeriveKey(callerID, operation string, operands interface{}, bucket time.Duration, now time.Time) (string, error) {
	body, err := json.Marshal(operands)
	if err != nil {
		return "", fmt.Errorf("encode operands: %w", err)
	}
	if bucket <= 0 {
		bucket = 10 * time.Second
	}
	slot := now.UnixNano() / int64(bucket)

	h := sha256.New()
	h.Write([]byte(callerID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(body)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(slot, 10)))
	return "drv_" + hex.EncodeToString(h.Sum(nil)), nil
}

// HashRequest fingerprints an operation payload so a key cannot be reused
// for a different request.
func HashRequest(operation string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(append([]byte(operation+"\x00"), body...))
	return hex.EncodeToString(sum[:]), nil
}
