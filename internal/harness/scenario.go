package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/testutil"
)

// Scenario is one end-to-end queue test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Settings Settings `yaml:"settings,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Settings tunes the queue under test. Zero values take the defaults noted.
type Settings struct {
	// MaxAttempts is the retry ceiling. Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BaseDelay is the first retry delay. Default: 1s
	BaseDelay string `yaml:"base_delay,omitempty"`

	// MaxDelay caps the retry delay. Default: 1m
	MaxDelay string `yaml:"max_delay,omitempty"`

	// BatchSize bounds records per cycle. Default: 20
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxCyclesPerDrain bounds batches per drain. Default: 10
	MaxCyclesPerDrain int `yaml:"max_cycles_per_drain,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Create  *WriteStep `yaml:"create,omitempty"`
	Update  *WriteStep `yaml:"update,omitempty"`
	Delete  *WriteStep `yaml:"delete,omitempty"`
	Gateway string     `yaml:"gateway,omitempty"`
	Drain   *DrainStep `yaml:"drain,omitempty"`
	Advance string     `yaml:"advance,omitempty"`
	Restart bool       `yaml:"restart,omitempty"`
}

// WriteStep is a local write.
type WriteStep struct {
	// Type is the entity type of a create.
	Type string `yaml:"type,omitempty"`

	// Entity is "Type:localID" for update and delete.
	Entity string `yaml:"entity,omitempty"`

	// Body is the entity snapshot. References use
	// {$ref: {type: T, local_id: N}}.
	Body map[string]any `yaml:"body,omitempty"`

	// DependsOn is "Type:localID" of a parent that must sync first.
	DependsOn string `yaml:"depends_on,omitempty"`
}

// DrainStep runs one drain.
type DrainStep struct {
	// Interrupt stops the worker as soon as the remote hangs, as a crash
	// would. Later drains fail until a restart step.
	Interrupt bool `yaml:"interrupt,omitempty"`

	// Expect is a subset match on the drain report.
	Expect *DrainExpect `yaml:"expect,omitempty"`
}

// DrainExpect lists expected drain report counts. Unset fields are not
// checked.
type DrainExpect struct {
	Submitted     *int  `yaml:"submitted,omitempty"`
	Completed     *int  `yaml:"completed,omitempty"`
	Retried       *int  `yaml:"retried,omitempty"`
	DeadLettered  *int  `yaml:"dead_lettered,omitempty"`
	Blocked       *int  `yaml:"blocked,omitempty"`
	Backpressured *bool `yaml:"backpressured,omitempty"`
}

// Assertion validates the final state or the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Entity is "Type:localID" (mapping, pending_count).
	Entity string `yaml:"entity,omitempty"`

	// RemoteID is the expected remote id (mapping).
	RemoteID string `yaml:"remote_id,omitempty"`

	// Count is the expected number (pending_count, trace_count).
	Count int `yaml:"count,omitempty"`

	// Contains is the trace detail substring (trace_count).
	Contains string `yaml:"contains,omitempty"`

	// Events are trace detail substrings in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Expect holds expected queue counts (queue).
	Expect map[string]int `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertMapping      = "mapping"
	AssertPendingCount = "pending_count"
	AssertQueue        = "queue"
	AssertTraceOrder   = "trace_order"
	AssertTraceCount   = "trace_count"
)

var queueKeys = map[string]bool{"pending": true, "in_flight": true, "dead_lettered": true, "mappings": true}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is invalid.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for _, d := range []string{s.Settings.BaseDelay, s.Settings.MaxDelay} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, on := range []bool{
		step.Create != nil, step.Update != nil, step.Delete != nil,
		step.Gateway != "", step.Drain != nil, step.Advance != "", step.Restart,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}

	switch {
	case step.Create != nil:
		if _, err := mutation.ParseEntityType(step.Create.Type); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		if step.Create.DependsOn != "" {
			if _, err := mutation.ParseEntityRef(step.Create.DependsOn); err != nil {
				return fmt.Errorf("create: depends_on: %w", err)
			}
		}
	case step.Update != nil:
		if _, err := mutation.ParseEntityRef(step.Update.Entity); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		if step.Update.Body == nil {
			return fmt.Errorf("update: body is required")
		}
	case step.Delete != nil:
		if _, err := mutation.ParseEntityRef(step.Delete.Entity); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	case step.Gateway != "":
		if _, err := testutil.ParseGatewayMode(step.Gateway); err != nil {
			return err
		}
	case step.Advance != "":
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertMapping, AssertPendingCount:
		if _, err := mutation.ParseEntityRef(a.Entity); err != nil {
			return fmt.Errorf("%s: %w", a.Type, err)
		}
	case AssertQueue:
		if len(a.Expect) == 0 {
			return fmt.Errorf("queue: expect is required")
		}
		for k := range a.Expect {
			if !queueKeys[k] {
				return fmt.Errorf("queue: unknown key %q", k)
			}
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("trace_order: events is required")
		}
	case AssertTraceCount:
		if a.Contains == "" {
			return fmt.Errorf("trace_count: contains is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
