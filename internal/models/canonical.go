package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders payload with sorted keys and no insignificant
// whitespace. encoding/json already sorts map keys at every depth.
func CanonicalJSON(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	return string(b), nil
}

// RequestKey derives the deduplication key for a submission.
func RequestKey(workflowType, actor, canonical string) string {
	h := sha256.New()
	h.Write([]byte(workflowType))
	h.Write([]byte{0x1f})
	h.Write([]byte(actor))
	h.Write([]byte{0x1f})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}
