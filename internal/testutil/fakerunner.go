// Package testutil provides test doubles and database helpers shared by
// package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one recorded command invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call the way it would appear on a shell command line.
func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// FakeRunner implements runtime.Runner for testing without docker, nginx or
// sudo on the host. Responses are registered per command line; unregistered
// commands succeed with empty output.
type FakeRunner struct {
	mu    sync.Mutex
	calls []Call

	output map[string][]byte
	errs   map[string]error
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		output: make(map[string][]byte),
		errs:   make(map[string]error),
	}
}

// Respond registers the output returned for a command line.
func (r *FakeRunner) Respond(commandLine string, output []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[commandLine] = output
}

// Fail registers a failure for a command line. Output registered with
// Respond is still returned alongside the error, matching CombinedOutput.
func (r *FakeRunner) Fail(commandLine string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[commandLine] = err
}

// Run records the invocation and replays any registered response.
func (r *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	call := Call{Name: name, Args: append([]string(nil), args...)}
	line := call.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.output[line], r.errs[line]
}

// Calls returns a copy of everything run so far.
func (r *FakeRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallLines returns the recorded invocations as shell-style lines.
func (r *FakeRunner) CallLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.String()
	}
	return lines
}

// CountPrefix returns how many recorded invocations start with the prefix.
func (r *FakeRunner) CountPrefix(prefix string) int {
	n := 0
	for _, line := range r.CallLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and registered responses.
func (r *FakeRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.output = make(map[string][]byte)
	r.errs = make(map[string]error)
}

// PortOutput builds runtime port-query output for the given
// internal-to-host TCP mappings, in the runtime's own format.
func PortOutput(mappings map[int]int) []byte {
	var b strings.Builder
	for internal, host := range mappings {
		fmt.Fprintf(&b, "%d/tcp -> 0.0.0.0:%d\n", internal, host)
	}
	return []byte(b.String())
}
