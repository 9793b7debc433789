package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/gpuchan/internal/message"
)

// Scenario describes a simulation: a set of channels sharing one worker
// and one preemption flag, and a script of steps run against them in
// virtual time.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Channels are created in listed order before the first step.
	Channels []ChannelSpec `yaml:"channels"`

	// Steps run in order. Expect steps check state at that point.
	Steps []Step `yaml:"steps"`
}

// ChannelSpec configures one simulated channel.
type ChannelSpec struct {
	// Name labels the channel in the trace. NFC-normalized on load.
	Name string `yaml:"name"`

	// Trusted channels may insert and retire future sync points.
	Trusted bool `yaml:"trusted,omitempty"`

	// Preempts gives the channel the shared flag to raise.
	Preempts bool `yaml:"preempts,omitempty"`

	// Yields makes the channel's dispatcher back off while the shared flag
	// is raised.
	Yields bool `yaml:"yields,omitempty"`

	// Units lists the routing ids that get a schedulable execution unit.
	Units []int32 `yaml:"units,omitempty"`
}

// Step is one scripted action. Exactly one field must be set.
type Step struct {
	// Send delivers messages to a channel's ingress filter.
	Send *SendStep `yaml:"send,omitempty"`

	// Run executes that many worker tasks.
	Run int `yaml:"run,omitempty"`

	// Drain executes worker tasks until none are left or no channel can
	// make progress.
	Drain bool `yaml:"drain,omitempty"`

	// Advance moves virtual time forward (Go duration syntax).
	Advance string `yaml:"advance,omitempty"`

	// Deschedule and Schedule flip a unit's schedulability and notify the
	// channel.
	Deschedule *UnitRef `yaml:"deschedule,omitempty"`
	Schedule   *UnitRef `yaml:"schedule,omitempty"`

	// Preempt and Release flip a unit's own preemption report.
	Preempt *UnitRef `yaml:"preempt,omitempty"`
	Release *UnitRef `yaml:"release,omitempty"`

	// MoreWork makes a unit ask for Continue messages.
	MoreWork *MoreWorkStep `yaml:"more_work,omitempty"`

	// AddUnit and RemoveUnit change the channel's routing table.
	AddUnit    *UnitRef `yaml:"add_unit,omitempty"`
	RemoveUnit *UnitRef `yaml:"remove_unit,omitempty"`

	// Teardown closes the named channel.
	Teardown string `yaml:"teardown,omitempty"`

	// Expect checks the current state.
	Expect *Expect `yaml:"expect,omitempty"`
}

// SendStep delivers Count copies of one message.
type SendStep struct {
	Channel   string `yaml:"channel"`
	Kind      string `yaml:"kind"`
	Route     int32  `yaml:"route"`
	Sync      bool   `yaml:"sync,omitempty"`
	Retire    bool   `yaml:"retire,omitempty"`
	SyncPoint uint32 `yaml:"sync_point,omitempty"`
	Reply     bool   `yaml:"reply,omitempty"`
	Unblock   bool   `yaml:"unblock,omitempty"`
	Count     int    `yaml:"count,omitempty"`
}

// UnitRef names one execution unit.
type UnitRef struct {
	Channel string `yaml:"channel"`
	Route   int32  `yaml:"route"`
}

// MoreWorkStep scripts HasMoreInternalWork for a unit.
type MoreWorkStep struct {
	Channel string `yaml:"channel"`
	Route   int32  `yaml:"route"`
	Count   int    `yaml:"count"`
}

// Expect checks harness state. Unset fields are not checked.
type Expect struct {
	// Dispatched maps a channel to every message executed so far, rendered
	// as "<kind> <order>".
	Dispatched map[string][]string `yaml:"dispatched,omitempty"`

	// Retired lists retired sync point ids in retirement order.
	Retired []uint32 `yaml:"retired,omitempty"`

	// Flag is the expected state of the shared preemption flag.
	Flag *bool `yaml:"flag,omitempty"`

	// States maps a channel to its preemption state name.
	States map[string]string `yaml:"states,omitempty"`

	// Queued maps a channel to its queue length.
	Queued map[string]int `yaml:"queued,omitempty"`

	// Completed maps a channel to its completed order number.
	Completed map[string]uint32 `yaml:"completed,omitempty"`

	// Replies maps a channel to every reply sent so far, rendered as
	// "<kind> sp=<id>" or "<kind> error=<code>".
	Replies map[string][]string `yaml:"replies,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
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

	normalizeNames(&scenario)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// normalizeNames puts every channel reference in NFC so that visually equal
// names written with different byte sequences refer to the same channel.
func normalizeNames(s *Scenario) {
	for i := range s.Channels {
		s.Channels[i].Name = norm.NFC.String(s.Channels[i].Name)
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		for _, ref := range []*UnitRef{st.Deschedule, st.Schedule, st.Preempt, st.Release, st.AddUnit, st.RemoveUnit} {
			if ref != nil {
				ref.Channel = norm.NFC.String(ref.Channel)
			}
		}
		if st.Send != nil {
			st.Send.Channel = norm.NFC.String(st.Send.Channel)
		}
		if st.MoreWork != nil {
			st.MoreWork.Channel = norm.NFC.String(st.MoreWork.Channel)
		}
		st.Teardown = norm.NFC.String(st.Teardown)
		if st.Expect != nil {
			st.Expect.Dispatched = nfcKeys(st.Expect.Dispatched)
			st.Expect.States = nfcKeys(st.Expect.States)
			st.Expect.Queued = nfcKeys(st.Expect.Queued)
			st.Expect.Completed = nfcKeys(st.Expect.Completed)
			st.Expect.Replies = nfcKeys(st.Expect.Replies)
		}
	}
}

func nfcKeys[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[norm.NFC.String(k)] = v
	}
	return out
}

// validateScenario checks that required fields are present and that every
// step refers to a declared channel.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if len(s.Channels) == 0 {
		return fmt.Errorf("channels list is required and must be non-empty")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Channels))
	preempting := 0
	for i, ch := range s.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[%d]: name is required", i)
		}
		if names[ch.Name] {
			return fmt.Errorf("channels[%d]: duplicate name %q", i, ch.Name)
		}
		names[ch.Name] = true
		if ch.Preempts {
			preempting++
		}
		if ch.Preempts && ch.Yields {
			return fmt.Errorf("channels[%d]: a channel cannot both preempt and yield", i)
		}
	}
	if preempting > 1 {
		return fmt.Errorf("at most one channel may preempt")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], names); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, st *Step, names map[string]bool) error {
	set := 0
	channel := func(name string) error {
		if !names[name] {
			return fmt.Errorf("steps[%d]: unknown channel %q", index, name)
		}
		return nil
	}

	if st.Send != nil {
		set++
		if err := channel(st.Send.Channel); err != nil {
			return err
		}
		if _, err := message.ParseKind(st.Send.Kind); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if st.Send.Count < 0 {
			return fmt.Errorf("steps[%d]: count must be non-negative", index)
		}
	}
	if st.Run != 0 {
		set++
		if st.Run < 0 {
			return fmt.Errorf("steps[%d]: run must be positive", index)
		}
	}
	if st.Drain {
		set++
	}
	if st.Advance != "" {
		set++
		d, err := time.ParseDuration(st.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d < 0 {
			return fmt.Errorf("steps[%d]: advance must be non-negative", index)
		}
	}
	for _, ref := range []*UnitRef{st.Deschedule, st.Schedule, st.Preempt, st.Release, st.AddUnit, st.RemoveUnit} {
		if ref == nil {
			continue
		}
		set++
		if err := channel(ref.Channel); err != nil {
			return err
		}
	}
	if st.MoreWork != nil {
		set++
		if err := channel(st.MoreWork.Channel); err != nil {
			return err
		}
	}
	if st.Teardown != "" {
		set++
		if err := channel(st.Teardown); err != nil {
			return err
		}
	}
	if st.Expect != nil {
		set++
		if err := validateExpect(index, st.Expect, names); err != nil {
			return err
		}
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

func validateExpect(index int, e *Expect, names map[string]bool) error {
	var keys []string
	for k := range e.Dispatched {
		keys = append(keys, k)
	}
	for k := range e.States {
		keys = append(keys, k)
	}
	for k := range e.Queued {
		keys = append(keys, k)
	}
	for k := range e.Completed {
		keys = append(keys, k)
	}
	for k := range e.Replies {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if !names[k] {
			return fmt.Errorf("steps[%d].expect: unknown channel %q", index, k)
		}
	}
	return nil
}
