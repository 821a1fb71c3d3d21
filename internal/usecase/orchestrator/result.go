package orchestrator

import (
	"encoding/json"
	"strings"

	"taskherd/internal/domain"
)

// ExtractResult derives an AgentResult from a snapshot. It never fails:
// parse anomalies leave the optional fields unset. Exit code and the raw
// concatenated output are always populated straight from the record.
func ExtractResult(snap domain.AgentSnapshot) domain.AgentResult {
	res := domain.AgentResult{
		ID:        snap.ID,
		SessionID: snap.SessionID,
		Output:    strings.Join(snap.Output, "\n"),
		ExitCode:  snap.ExitCode,
	}
	switch snap.Config.OutputFormat {
	case domain.OutputFormatJSON:
		extractDocument(res.Output, &res)
	case domain.OutputFormatStreamJSON:
		extractLastResultLine(res.Output, &res)
	}
	return res
}

// extractDocument parses the full output as one JSON document.
func extractDocument(out string, res *domain.AgentResult) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return
	}
	readResultFields(doc, res)
}

// extractLastResultLine scans non-blank lines in reverse and stops at the
// first line that both parses and carries type "result". The worker may emit
// several result messages; the last one in the stream wins.
func extractLastResultLine(out string, res *domain.AgentResult) {
	lines := strings.Split(out, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if t, _ := msg["type"].(string); t != "result" {
			continue
		}
		readResultFields(msg, res)
		return
	}
}

func readResultFields(msg map[string]any, res *domain.AgentResult) {
	if res.SessionID == "" {
		if sid, ok := msg["session_id"].(string); ok {
			res.SessionID = sid
		}
	}
	if v, ok := msg["cost_usd"].(float64); ok {
		res.CostUSD = &v
	} else if v, ok := msg["total_cost_usd"].(float64); ok {
		res.CostUSD = &v
	}
	if v, ok := msg["duration_ms"].(float64); ok {
		d := int64(v)
		res.DurationMS = &d
	}
	if isErr, _ := msg["is_error"].(bool); isErr {
		switch {
		case stringField(msg, "error") != "":
			res.Error = stringField(msg, "error")
		case stringField(msg, "result") != "":
			res.Error = stringField(msg, "result")
		default:
			res.Error = "agent reported an error"
		}
	}
	if sub, _ := msg["subtype"].(string); sub == "error_max_turns" && res.Error == "" {
		res.Error = "max turns exceeded"
	}
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return s
}
