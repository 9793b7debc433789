// Package harness runs scripted multi-channel scheduling scenarios.
//
// A scenario declares channels and a list of steps. The harness wires the
// channels onto manual runners, virtual timers and recording fakes, runs
// the steps, and records every scheduling event as a trace.
//
// # Scenario Format
//
//	name: preempt_bounded
//	description: "A backlogged channel preempts for at most one vsync"
//	channels:
//	  - name: gpu
//	    preempts: true
//	    units: [1]
//	  - name: renderer
//	    yields: true
//	    units: [1]
//	steps:
//	  - send: { channel: gpu, kind: command, route: 1 }
//	  - advance: 34ms
//	  - expect:
//	      flag: true
//	      states: { gpu: PREEMPTING }
//
// # Step Types
//
//   - send: deliver messages (kind, route, sync, retire, sync_point, count)
//   - run: execute N worker tasks
//   - drain: execute worker tasks until idle or stalled on preemption
//   - advance: move virtual time (Go duration syntax)
//   - deschedule / schedule: flip a unit's schedulability
//   - preempt / release: flip a unit's own preemption report
//   - more_work: make a unit request Continue messages
//   - add_unit / remove_unit: change a channel's routing table
//   - teardown: close a channel
//   - expect: check dispatched, retired, flag, states, queued, completed, replies
//
// # Deterministic Testing
//
// The harness uses:
//   - testutil.ManualRunner for the shared I/O and worker goroutines
//   - testutil.VirtualTimers, advanced one deadline at a time
//   - testutil.RecordingCoordinator with sync point ids starting at 1
//   - channel ids equal to scenario channel names
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/preempt.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
