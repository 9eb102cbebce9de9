// SPDX-License-Identifier: MPL-2.0

package dispatch

import "time"

// Request states.
const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateBuilding  State = "building"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

type (
	// State is the lifecycle state of a run request.
	State string

	// Transition describes one state change of a request.
	Transition struct {
		RequestID   string
		Environment string
		From, To    State
		At          time.Time
		// ExitCode is set when To is StateCompleted.
		ExitCode int
		// Kind and Err are set when To is StateFailed.
		Kind string
		Err  error
	}

	// Observer receives every transition. It is called synchronously on the
	// goroutine running the request.
	Observer func(Transition)
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// tracker moves one request through its states and reports each move.
type tracker struct {
	d     *Dispatcher
	id    string
	env   string
	state State
}

func (t *tracker) moveTo(to State) {
	t.emit(Transition{To: to})
}

func (t *tracker) complete(exitCode int) {
	t.emit(Transition{To: StateCompleted, ExitCode: exitCode})
}

func (t *tracker) fail(err error) {
	t.emit(Transition{To: StateFailed, Kind: FailureKind(err), Err: err})
}

func (t *tracker) emit(tr Transition) {
	tr.RequestID, tr.Environment = t.id, t.env
	tr.From = t.state
	tr.At = t.d.clock.Now()
	t.state = tr.To

	fields := []any{"run_id", t.id, "env", t.env, "state", tr.To}
	switch tr.To {
	case StateFailed:
		t.d.logger.Debug("run failed", append(fields, "kind", tr.Kind, "error", tr.Err)...)
	case StateCompleted:
		t.d.logger.Debug("run completed", append(fields, "exit_code", tr.ExitCode)...)
	default:
		t.d.logger.Debug("state transition", append(fields, "from", tr.From)...)
	}

	if t.d.observer != nil {
		t.d.observer(tr)
	}
}
