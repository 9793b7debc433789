package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ExpectError describes one expectation that did not hold.
type ExpectError struct {
	Field    string
	Channel  string
	Expected any
	Actual   any
}

func (e *ExpectError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("%s[%s]: expected %v, got %v", e.Field, e.Channel, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

// check evaluates e against the current harness state. Channels are
// visited in name order so failures are reported deterministically.
func (h *Harness) check(e *Expect) []string {
	var errs []string
	fail := func(err *ExpectError) {
		errs = append(errs, err.Error())
	}

	for _, name := range slices.Sorted(maps.Keys(e.Dispatched)) {
		want := e.Dispatched[name]
		got := h.dispatched(name)
		if !slices.Equal(got, want) {
			fail(&ExpectError{Field: "dispatched", Channel: name, Expected: list(want), Actual: list(got)})
		}
	}

	if e.Retired != nil {
		got := h.coord.Retired()
		if !slices.Equal(got, e.Retired) {
			fail(&ExpectError{Field: "retired", Expected: e.Retired, Actual: got})
		}
	}

	if e.Flag != nil && h.flag.IsSet() != *e.Flag {
		fail(&ExpectError{Field: "flag", Expected: *e.Flag, Actual: h.flag.IsSet()})
	}

	for _, name := range slices.Sorted(maps.Keys(e.States)) {
		want := e.States[name]
		got := h.channels[name].ch.PreemptionState().String()
		if !strings.EqualFold(got, want) {
			fail(&ExpectError{Field: "states", Channel: name, Expected: want, Actual: got})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.Queued)) {
		want := e.Queued[name]
		got := h.channels[name].ch.Queue().Len()
		if got != want {
			fail(&ExpectError{Field: "queued", Channel: name, Expected: want, Actual: got})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.Completed)) {
		want := e.Completed[name]
		got := uint32(h.channels[name].ch.Queue().CompletedOrder())
		if got != want {
			fail(&ExpectError{Field: "completed", Channel: name, Expected: want, Actual: got})
		}
	}

	for _, name := range slices.Sorted(maps.Keys(e.Replies)) {
		want := e.Replies[name]
		var got []string
		for _, r := range h.channels[name].transport.Replies() {
			got = append(got, formatReply(r))
		}
		if !slices.Equal(got, want) {
			fail(&ExpectError{Field: "replies", Channel: name, Expected: list(want), Actual: list(got)})
		}
	}

	return errs
}

// dispatched renders every message executed by the channel's units, in
// execution order across routes.
func (h *Harness) dispatched(name string) []string {
	var out []string
	for _, ev := range h.tracer.snapshot() {
		if ev.Channel == name && ev.Type == EventDispatch {
			out = append(out, ev.Detail)
		}
	}
	return out
}

func list(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}
