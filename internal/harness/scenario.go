package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/eventvault/internal/backend"
)

// Scenario describes devices sharing vaults through one in-process sync
// server, a flow of appends and syncs, and assertions over the resulting
// trace and device state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Definitions is CUE source declaring the event kinds every device
	// understands (see catalog.LoadDefinitions).
	Definitions string `yaml:"definitions"`

	// Limits are the server's tier limits. Zero fields are unlimited.
	Limits backend.Limits `yaml:"limits,omitempty"`

	// Devices are started in order before the flow runs.
	Devices []Device `yaml:"devices"`

	// Flow is executed step by step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Device is one simulated device.
type Device struct {
	Name string `yaml:"name"`

	// Identity is a recovery phrase, or one of the names in Identities.
	// Devices with the same identity share a vault.
	Identity string `yaml:"identity"`

	// ShareWith lists identities whose vaults receive this device's
	// entries in addition to its own.
	ShareWith []string `yaml:"share_with,omitempty"`

	// User is the account the device authenticates as. Devices of
	// different users never share a tenant, even for the same identity.
	User string `yaml:"user,omitempty"`
}

// user returns the device's account, harnessUser when unset.
func (d Device) user() string {
	if d.User == "" {
		return harnessUser
	}
	return d.User
}

// token returns the bearer token the device connects with.
func (d Device) token() string {
	if d.User == "" {
		return harnessToken
	}
	return "token-" + d.User
}

// FlowStep is one action of a device. Exactly one of Append and Sync is set.
type FlowStep struct {
	Device string `yaml:"device"`

	Append *AppendStep `yaml:"append,omitempty"`
	Sync   bool        `yaml:"sync,omitempty"`

	// Expect validates the completion. If nil the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// AppendStep appends one event to the device's journal.
type AppendStep struct {
	Tag     string         `yaml:"tag"`
	Payload map[string]any `yaml:"payload"`
}

// ExpectClause specifies expected completion behavior.
type ExpectClause struct {
	// Case is "ok" or "error".
	Case string `yaml:"case"`

	// Result is a subset match against the completion result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Action is a device action such as "laptop.sync".
	Action string `yaml:"action,omitempty"`

	// Args matches invocation arguments (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Result matches a completion result (trace_contains).
	Result map[string]any `yaml:"result,omitempty"`

	// Count is the expected number of invocations (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected order of invocations (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Device, Table and Key locate one state row (final_state).
	Device string `yaml:"device,omitempty"`
	Table  string `yaml:"table,omitempty"`
	Key    string `yaml:"key,omitempty"`

	// Expect is a subset match against the row's JSON fields (final_state).
	// An empty Expect with Absent set asserts that the row does not exist.
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Completion cases.
const (
	CaseOK    = "ok"
	CaseError = "error"
)

// Identities names the recovery phrases scenarios may refer to.
var Identities = map[string]string{
	"alice": "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	"bob":   "zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo zoo wrong",
	"carol": "legal winner thank year wave sausage worth useful legal winner thank yellow",
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Definitions == "" {
		return fmt.Errorf("definitions are required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		if d.Identity == "" {
			return fmt.Errorf("devices[%d]: identity is required", i)
		}
		devices[d.Name] = true
	}

	for i, step := range s.Flow {
		if !devices[step.Device] {
			return fmt.Errorf("flow[%d]: unknown device %q", i, step.Device)
		}
		if (step.Append != nil) == step.Sync {
			return fmt.Errorf("flow[%d]: exactly one of append or sync is required", i)
		}
		if step.Append != nil && step.Append.Tag == "" {
			return fmt.Errorf("flow[%d].append: tag is required", i)
		}
		if step.Expect != nil && step.Expect.Case != CaseOK && step.Expect.Case != CaseError {
			return fmt.Errorf("flow[%d].expect: case must be %q or %q", i, CaseOK, CaseError)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, devices); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !devices[a.Device] {
			return fmt.Errorf("assertions[%d]: unknown device %q for final_state", index, a.Device)
		}
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for final_state", index)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// phrase resolves an identity name to its recovery phrase.
func phrase(identity string) string {
	if p, ok := Identities[identity]; ok {
		return p
	}
	return identity
}
