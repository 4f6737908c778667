// Package results models the appliance's native result document and
// converts it into canonical per-test outcomes that are independent of the
// appliance's schema.
package results

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Status is the canonical status of one test case outcome.
type Status string

// Canonical outcome statuses.
const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Overall result labels. Partial results carry a "(passed/total)" suffix.
const (
	OverallPass    = "Pass"
	OverallFail    = "Fail"
	OverallUnknown = "Unknown"
)

// CaseResult is one failed test case entry in the native document.
type CaseResult struct {
	Service         string `json:"service"`
	Action          string `json:"action"`
	Message         string `json:"message"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Summary is the native document's aggregate section.
type Summary struct {
	TotalTestCases  int      `json:"total_test_cases"`
	Passed          int      `json:"passed"`
	Failed          int      `json:"failed"`
	FailedServices  []string `json:"failed_services"`
	TotalDurationMS int64    `json:"total_duration_ms"`
}

// Document is the appliance's native result document.
type Document struct {
	Summary         *Summary                `json:"summary"`
	FailedByService map[string][]CaseResult `json:"failed_by_service"`
}

// Outcome is the canonical, storage-ready representation of one test case's
// result. Once created it is immutable and persisted verbatim.
type Outcome struct {
	Service       string  `json:"service"`
	Action        string  `json:"action"`
	Status        Status  `json:"status"`
	Details       string  `json:"details"`
	ExecutionTime float64 `json:"execution_time"`
}

// Parse decodes a native result document.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse result document: %w", err)
	}
	return &doc, nil
}

// Overall returns the overall run result derived from the summary:
// Pass when every case passed, Fail when none did, "Partial (p/t)"
// otherwise, and Unknown when the document has no summary.
func (d *Document) Overall() string {
	if d == nil || d.Summary == nil {
		return OverallUnknown
	}
	s := d.Summary
	switch {
	case s.Passed == s.TotalTestCases:
		return OverallPass
	case s.Passed == 0:
		return OverallFail
	default:
		return fmt.Sprintf("Partial (%d/%d)", s.Passed, s.TotalTestCases)
	}
}

// Overall parses raw and returns the overall result label. Malformed input
// yields Unknown.
func Overall(raw []byte) string {
	doc, err := Parse(raw)
	if err != nil {
		return OverallUnknown
	}
	return doc.Overall()
}

// IdentityFromBaseName derives (service, action) from the
// "service_action_timestamp" file name convention. Trailing all-digit
// segments (the timestamp) are trimmed before splitting.
func IdentityFromBaseName(baseName string) (service, action string) {
	parts := strings.Split(baseName, "_")
	for len(parts) > 0 && isDigits(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		return "unknown", ""
	}
	return parts[0], strings.Join(parts[1:], "_")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Normalize converts raw native result bytes into canonical outcomes for the
// run identified by (service, action). It never fails: malformed input
// degrades to a single error outcome, and an empty or ambiguous document
// produces exactly one synthesized outcome.
func Normalize(raw []byte, service, action string) []Outcome {
	doc, err := Parse(raw)
	if err != nil {
		return []Outcome{{
			Service: service,
			Action:  action,
			Status:  StatusError,
			Details: fmt.Sprintf("Error processing result: %v", err),
		}}
	}
	return doc.Normalize(service, action)
}

// Normalize converts the document into canonical outcomes for the run
// identified by (service, action).
func (d *Document) Normalize(service, action string) []Outcome {
	var outcomes []Outcome

	for _, entry := range d.FailedByService[service] {
		svc := entry.Service
		if svc == "" {
			svc = service
		}
		act := entry.Action
		if act == "" {
			act = action
		}
		msg := entry.Message
		if msg == "" {
			msg = fmt.Sprintf("%s %s failed", svc, act)
		}
		outcomes = append(outcomes, Outcome{
			Service:       svc,
			Action:        act,
			Status:        StatusFail,
			Details:       msg,
			ExecutionTime: float64(entry.ExecutionTimeMS) / 1000.0,
		})
	}

	var passed, failed int
	var durationMS int64
	if d.Summary != nil {
		passed = d.Summary.Passed
		failed = d.Summary.Failed
		durationMS = d.Summary.TotalDurationMS
	}

	if passed > 0 && !containsService(d.summaryFailedServices(), service) {
		outcomes = append(outcomes, Outcome{
			Service:       service,
			Action:        action,
			Status:        StatusPass,
			Details:       strings.TrimSpace(fmt.Sprintf("%s %s completed successfully", service, action)),
			ExecutionTime: float64(durationMS) / 1000.0,
		})
	}

	if len(outcomes) == 0 {
		status := StatusPass
		verb := "completed successfully"
		if failed != 0 {
			status = StatusFail
			verb = "failed"
		}
		outcomes = append(outcomes, Outcome{
			Service: service,
			Action:  action,
			Status:  status,
			Details: strings.TrimSpace(fmt.Sprintf("%s %s %s", service, action, verb)),
		})
	}

	return outcomes
}

func (d *Document) summaryFailedServices() []string {
	if d.Summary == nil {
		return nil
	}
	return d.Summary.FailedServices
}

func containsService(services []string, service string) bool {
	for _, s := range services {
		if strings.EqualFold(s, service) {
			return true
		}
	}
	return false
}
