package results_test

import (
	"testing"

	"github.com/juno-kyojin/tcman/pkg/results"
)

func TestOverall(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"all passed", `{"summary": {"total_test_cases": 3, "passed": 3, "failed": 0}}`, "Pass"},
		{"none passed", `{"summary": {"total_test_cases": 3, "passed": 0, "failed": 3}}`, "Fail"},
		{"partial", `{"summary": {"total_test_cases": 3, "passed": 2, "failed": 1}}`, "Partial (2/3)"},
		{"no summary", `{}`, "Unknown"},
		{"malformed", `{nope`, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := results.Overall([]byte(tt.raw)); got != tt.want {
				t.Errorf("Overall: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentityFromBaseName(t *testing.T) {
	tests := []struct {
		base        string
		wantService string
		wantAction  string
	}{
		{"wan_restart_20250603_120000", "wan", "restart"},
		{"wan_restart", "wan", "restart"},
		{"lan_port_disable_20250101_010101", "lan", "port_disable"},
		{"dhcp", "dhcp", ""},
		{"", "unknown", ""},
		{"20250101_010101", "unknown", ""},
	}
	for _, tt := range tests {
		service, action := results.IdentityFromBaseName(tt.base)
		if service != tt.wantService || action != tt.wantAction {
			t.Errorf("IdentityFromBaseName(%q): got (%q, %q), want (%q, %q)",
				tt.base, service, action, tt.wantService, tt.wantAction)
		}
	}
}

func TestNormalizeFailures(t *testing.T) {
	raw := `{
		"summary": {"total_test_cases": 2, "passed": 0, "failed": 2, "failed_services": ["wan"]},
		"failed_by_service": {
			"wan": [
				{"service": "wan", "action": "restart", "message": "interface did not come back", "execution_time_ms": 1500},
				{"service": "wan", "action": "status", "message": "", "execution_time_ms": 200}
			]
		}
	}`
	outcomes := results.Normalize([]byte(raw), "wan", "restart")
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	if outcomes[0].Status != results.StatusFail {
		t.Errorf("first outcome status: got %q, want fail", outcomes[0].Status)
	}
	if outcomes[0].Details != "interface did not come back" {
		t.Errorf("first outcome details: got %q", outcomes[0].Details)
	}
	if outcomes[0].ExecutionTime != 1.5 {
		t.Errorf("execution time: got %f, want 1.5 (ms converted to s)", outcomes[0].ExecutionTime)
	}
	// Blank message is synthesized.
	if outcomes[1].Details != "wan status failed" {
		t.Errorf("second outcome details: got %q", outcomes[1].Details)
	}
}

func TestNormalizeSyntheticPass(t *testing.T) {
	raw := `{"summary": {"total_test_cases": 1, "passed": 1, "failed": 0, "total_duration_ms": 2500}}`
	outcomes := results.Normalize([]byte(raw), "wan", "restart")
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	got := outcomes[0]
	if got.Status != results.StatusPass {
		t.Errorf("status: got %q, want pass", got.Status)
	}
	if got.Service != "wan" || got.Action != "restart" {
		t.Errorf("identity: got (%q, %q)", got.Service, got.Action)
	}
	if got.ExecutionTime != 2.5 {
		t.Errorf("execution time: got %f, want 2.5", got.ExecutionTime)
	}
}

func TestNormalizeNoSyntheticPassWhenServiceFailed(t *testing.T) {
	// passed > 0 but the resolved service is listed among failed_services:
	// no synthetic pass should be emitted alongside the failures.
	raw := `{
		"summary": {"total_test_cases": 2, "passed": 1, "failed": 1, "failed_services": ["wan"]},
		"failed_by_service": {"wan": [{"service": "wan", "action": "restart", "message": "boom"}]}
	}`
	outcomes := results.Normalize([]byte(raw), "wan", "restart")
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].Status != results.StatusFail {
		t.Errorf("status: got %q, want fail", outcomes[0].Status)
	}
}

func TestNormalizeNeverEmpty(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus results.Status
	}{
		{"empty object", `{}`, results.StatusPass},
		{"failed with no detail", `{"summary": {"total_test_cases": 1, "passed": 0, "failed": 1}}`, results.StatusFail},
		{"malformed failed_by_service", `{"failed_by_service": "oops"}`, results.StatusError},
		{"not JSON at all", `<html>`, results.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes := results.Normalize([]byte(tt.raw), "lan", "status")
			if len(outcomes) != 1 {
				t.Fatalf("got %d outcomes, want exactly 1", len(outcomes))
			}
			if outcomes[0].Status != tt.wantStatus {
				t.Errorf("status: got %q, want %q", outcomes[0].Status, tt.wantStatus)
			}
		})
	}
}
