package classifier

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ParseResponse turns a raw model reply into an AnalysisOutput. It never
// fails: unparseable replies become UNCERTAIN with ParseError set.
func ParseResponse(raw string) AnalysisOutput {
	out := AnalysisOutput{
		ComplianceStatus: StatusUncertain,
		Violations:       []Violation{},
		Raw:              raw,
	}

	body := extractJSON(raw)
	if body == "" {
		out.ParseError = "no JSON object found in classifier response"
		return out
	}

	var resp struct {
		ComplianceStatus        string          `json:"complianceStatus"`
		ComplianceStatusSnake   string          `json:"compliance_status"`
		Violations              json.RawMessage `json:"violations"`
		LanguageDetected        string          `json:"languageDetected"`
		LanguageDetectedSnake   string          `json:"language_detected"`
		LanguageConfidence      *float64        `json:"languageConfidence"`
		LanguageConfidenceSnake *float64        `json:"language_confidence"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		out.ParseError = fmt.Sprintf("invalid classifier JSON: %v", err)
		return out
	}

	status := resp.ComplianceStatus
	if status == "" {
		status = resp.ComplianceStatusSnake
	}
	if parsed, ok := parseStatus(status); ok {
		out.ComplianceStatus = parsed
	} else {
		out.ParseError = fmt.Sprintf("unknown compliance status %q", status)
	}

	out.Violations = parseViolations(resp.Violations)

	out.LanguageDetected = strings.ToLower(strings.TrimSpace(resp.LanguageDetected))
	if out.LanguageDetected == "" {
		out.LanguageDetected = strings.ToLower(strings.TrimSpace(resp.LanguageDetectedSnake))
	}

	confidence := resp.LanguageConfidence
	if confidence == nil {
		confidence = resp.LanguageConfidenceSnake
	}
	if confidence != nil && *confidence >= 0 && *confidence <= 1 {
		out.LanguageConfidence = confidence
	}

	return out
}

// extractJSON prefers a fenced code block and falls back to the outermost
// braces of the reply.
func extractJSON(raw string) string {
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		if candidate := strings.TrimSpace(m[1]); strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func parseStatus(s string) (ComplianceStatus, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)

	switch ComplianceStatus(s) {
	case StatusCompliant, StatusNonCompliant, StatusUncertain:
		return ComplianceStatus(s), true
	}
	return "", false
}

// parseViolations accepts objects or bare strings. Anything else is dropped.
func parseViolations(raw json.RawMessage) []Violation {
	violations := []Violation{}
	if len(raw) == 0 {
		return violations
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return violations
	}

	for _, entry := range entries {
		var v Violation
		if err := json.Unmarshal(entry, &v); err == nil {
			violations = append(violations, v)
			continue
		}
		var s string
		if err := json.Unmarshal(entry, &s); err == nil && s != "" {
			violations = append(violations, Violation{Explanation: s})
		}
	}

	return violations
}
