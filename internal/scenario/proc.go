// Package scenario models a scenario as a suspendable procedure: a Go
// function running on its own goroutine that yields Commands through a
// Yield handle and blocks for the engine's reply. Start, resume and
// throw map onto one channel round-trip each, with the driver owning
// the explicit scenario stack rather than relying on Go's call stack
// for sub-scenario composition.
package scenario

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-viper/mapstructure/v2"
)

// Args carries positional and keyword arguments for a Proc, mirroring the
// (args, kwargs) pair the original Python scenarios accept. Positional
// stays string-typed because the test-plan grammar's "int-coercion of
// remaining args" only matters once a scenario actually reads an
// argument as a number — IntAt does that coercion on demand instead of
// forcing every positional arg through an interface{}.
type Args struct {
	Positional []string
	Keyword    map[string]interface{}
}

// StringAt returns the positional argument at idx, or def if absent.
func (a Args) StringAt(idx int, def string) string {
	if idx < 0 || idx >= len(a.Positional) {
		return def
	}
	return a.Positional[idx]
}

// IntAt returns the positional argument at idx parsed as an int, or def
// if absent or not a valid integer.
func (a Args) IntAt(idx int, def int) int {
	s := a.StringAt(idx, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Decode maps the JSON-object-shaped keyword arguments a test-plan entry
// supplied onto out, using mapstructure so scenario authors can declare
// a typed options struct instead of indexing the raw map by hand.
func (a Args) Decode(out interface{}) error {
	return mapstructure.Decode(a.Keyword, out)
}

// Proc is a scenario body. It runs on its own goroutine and communicates
// exclusively through y.Do. A nested scenario is just another Proc passed
// to y.RunNested.
type Proc func(ctx context.Context, y *Yield, args Args) error

// Step is what a running Proc produces at each suspension point, delivered
// to the owning driver over Handle.Steps.
type Step struct {
	// Cmd is set when the proc yielded a command for the driver to
	// execute.
	Cmd interface{}

	// Nested is set when the proc yielded a sub-scenario to run to
	// completion before the parent resumes.
	Nested *NestedCall

	// result channel the driver must eventually write exactly once to,
	// resuming the proc's y.Do call (or its y.RunNested call, for the
	// nested case).
	resultCh chan<- Resume
}

// NestedCall packages a sub-scenario yielded mid-flight.
type NestedCall struct {
	Proc Proc
	Args Args
}

// Resume is the value (or error, to implement "throw") delivered back into
// a suspended Proc.
type Resume struct {
	Value interface{}
	Err   error
}

// Yield is the handle a running Proc uses to suspend itself.
type Yield struct {
	steps chan<- Step
	done  <-chan struct{}
}

// Do yields cmd to the owning driver and blocks until the driver resumes
// this proc with a value or an error (the "throw" case).
func (y *Yield) Do(cmd interface{}) (interface{}, error) {
	resumeCh := make(chan Resume, 1)
	select {
	case y.steps <- Step{Cmd: cmd, resultCh: resumeCh}:
	case <-y.done:
		return nil, context.Canceled
	}
	select {
	case r := <-resumeCh:
		return r.Value, r.Err
	case <-y.done:
		return nil, context.Canceled
	}
}

// RunNested yields a sub-scenario for the driver to push onto its stack
// and run to completion, then blocks for the driver's null resume.
func (y *Yield) RunNested(p Proc, args Args) (interface{}, error) {
	resumeCh := make(chan Resume, 1)
	select {
	case y.steps <- Step{Nested: &NestedCall{Proc: p, Args: args}, resultCh: resumeCh}:
	case <-y.done:
		return nil, context.Canceled
	}
	select {
	case r := <-resumeCh:
		return r.Value, r.Err
	case <-y.done:
		return nil, context.Canceled
	}
}

// Handle is the driver-side control surface for one running Proc
// goroutine. Exactly one Step is ever in flight at a time, which is what
// gives "no pipelining of commands within one driver" for free.
type Handle struct {
	Steps <-chan Step
	Done  <-chan error // receives the Proc's terminal error (nil on success) exactly once

	cancel context.CancelFunc
	inStep Step // the Step currently awaiting a Resume, valid between a Steps-receive and the matching Resume
}

// Start launches p on its own goroutine and returns a Handle for driving
// it. ctx cancellation unblocks any pending Do/RunNested with
// context.Canceled and causes Handle.Done to eventually fire.
func Start(ctx context.Context, p Proc, args Args) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	steps := make(chan Step)
	done := make(chan error, 1)
	y := &Yield{steps: steps, done: ctx.Done()}

	go func() {
		defer close(steps)
		err := runSafely(ctx, p, y, args)
		done <- err
	}()

	return &Handle{Steps: steps, Done: done, cancel: cancel}
}

func runSafely(ctx context.Context, p Proc, y *Yield, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scenario panic: %v", r)
		}
	}()
	return p(ctx, y, args)
}

// Resume delivers a value into the Step most recently received from
// Steps. Calling it without a pending Step is a programmer error.
func (h *Handle) Resume(v interface{}) {
	h.inStep.resultCh <- Resume{Value: v}
}

// Throw delivers an error into the Step most recently received from
// Steps, implementing the "inject error at current suspension point"
// contract.
func (h *Handle) Throw(err error) {
	h.inStep.resultCh <- Resume{Err: err}
}

// Next blocks until the proc yields its next Step or terminates. ok is
// false once the proc has terminated (Done already has its value).
func (h *Handle) Next() (Step, bool) {
	s, ok := <-h.Steps
	if ok {
		h.inStep = s
	}
	return s, ok
}

// Cancel unblocks a Proc waiting on Do/RunNested and lets it exit.
func (h *Handle) Cancel() {
	h.cancel()
}
