package orchestrator

import (
	"encoding/json"
	"strings"
)

// SniffSessionID tries to read a session identifier out of a single raw
// output fragment. Fragments are parsed in isolation: a partial or garbled
// fragment is a miss, not an error. Callers keep the first hit.
func SniffSessionID(fragment string) (string, bool) {
	s := strings.TrimSpace(fragment)
	if len(s) < 2 || s[0] != '{' {
		return "", false
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return "", false
	}
	sid, ok := msg["session_id"].(string)
	if !ok || sid == "" {
		return "", false
	}
	return sid, true
}
