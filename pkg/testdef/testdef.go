// Package testdef loads and screens test definition files before they are
// handed to the runner. A definition is a JSON document with an ordered list
// of test cases, each naming the appliance service it exercises and,
// optionally, the action to perform on it.
package testdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxFileSize is the maximum accepted size of a definition file.
const MaxFileSize = 1 << 20 // 1 MiB

// ErrEmptyFile is returned when the definition file contains no data.
var ErrEmptyFile = errors.New("definition file is empty")

// ErrTooLarge is returned when the definition file exceeds MaxFileSize.
var ErrTooLarge = errors.New("definition file exceeds 1 MiB limit")

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["test_cases"],
	"properties": {
		"test_cases": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["service"],
				"properties": {
					"service": {"type": "string", "minLength": 1},
					"action": {"type": "string"},
					"params": {"type": "object"}
				}
			}
		}
	}
}`

var schema = jsonschema.MustCompileString("testdef.schema.json", schemaJSON)

// TestCase is one unit of work within a definition.
type TestCase struct {
	Service string                 `json:"service"`
	Action  string                 `json:"action,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Definition is a screened, immutable test definition. It is loaded once and
// owned by the runner for the duration of one file's processing.
type Definition struct {
	// Path is the local path the definition was loaded from.
	Path string
	// Size is the file size in bytes.
	Size int64
	// TestCases is the ordered list of test cases.
	TestCases []TestCase
}

type document struct {
	TestCases []TestCase `json:"test_cases"`
}

// Load reads, size-checks and validates the definition file at path.
func Load(path string) (*Definition, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat definition: %w", err)
	}
	if fi.Size() == 0 {
		return nil, ErrEmptyFile
	}
	if fi.Size() > MaxFileSize {
		return nil, ErrTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read definition: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	def.Path = path
	def.Size = fi.Size()
	return def, nil
}

// Parse validates raw definition bytes against the schema and returns the
// decoded definition.
func Parse(data []byte) (*Definition, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode definition: %w", err)
	}
	// The schema cannot reject whitespace-only service names.
	for i, tc := range doc.TestCases {
		if strings.TrimSpace(tc.Service) == "" {
			return nil, fmt.Errorf("test case #%d: service must be a non-empty string", i)
		}
	}
	return &Definition{TestCases: doc.TestCases}, nil
}

// TestCount returns the number of test cases in the definition.
func (d *Definition) TestCount() int {
	return len(d.TestCases)
}

// BaseName returns the definition file's name without extension. It is the
// correlation key used to locate the matching result artifact.
func (d *Definition) BaseName() string {
	name := filepath.Base(d.Path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Summary returns a short per-service breakdown, e.g. "wan(2), lan(1)".
// The order follows the first appearance of each service.
func (d *Definition) Summary() string {
	counts := map[string]int{}
	var order []string
	for _, tc := range d.TestCases {
		if _, seen := counts[tc.Service]; !seen {
			order = append(order, tc.Service)
		}
		counts[tc.Service]++
	}
	parts := make([]string, 0, len(order))
	for _, svc := range order {
		parts = append(parts, fmt.Sprintf("%s(%d)", svc, counts[svc]))
	}
	return strings.Join(parts, ", ")
}

// Impact describes whether a definition is predicted to disrupt the
// appliance's own network stack while running.
type Impact struct {
	AffectsWAN bool
	AffectsLAN bool
}

// NetworkAffecting reports whether either side of the network is affected.
func (i Impact) NetworkAffecting() bool {
	return i.AffectsWAN || i.AffectsLAN
}

// disruptiveActions take the targeted interface down or away; restarting a
// WAN/LAN service is equally disruptive while it bounces.
var disruptiveActions = map[string]bool{
	"delete":  true,
	"remove":  true,
	"disable": true,
	"stop":    true,
	"restart": true,
	"reload":  true,
	"reset":   true,
}

var restartActions = map[string]bool{
	"restart": true,
	"reload":  true,
	"reset":   true,
}

// AnalyzeImpacts derives the network impact flags from the definition's
// (service, action) pairs. The comparison is case-insensitive and the
// result depends on nothing else, so it is computed once at selection time.
func AnalyzeImpacts(d *Definition) Impact {
	var impact Impact
	for _, tc := range d.TestCases {
		service := strings.ToLower(tc.Service)
		action := strings.ToLower(tc.Action)

		switch service {
		case "wan":
			if disruptiveActions[action] {
				impact.AffectsWAN = true
			}
		case "lan":
			if disruptiveActions[action] {
				impact.AffectsLAN = true
			}
		case "network", "networking":
			if restartActions[action] {
				impact.AffectsWAN = true
				impact.AffectsLAN = true
			}
		}
	}
	return impact
}

// networkKeywords are base-name substrings that indicate a test likely
// disrupts the appliance's network stack even when the definition itself is
// not available for impact analysis.
var networkKeywords = []string{"wan", "lan", "network", "wifi", "wireless", "firewall"}

// NameSuggestsNetworkImpact reports whether a base file name alone hints at
// a network-affecting test.
func NameSuggestsNetworkImpact(baseName string) bool {
	lower := strings.ToLower(baseName)
	for _, kw := range networkKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
