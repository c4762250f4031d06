// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/balaji-balu/lotadeploy/internal/runner"
)

// Response is what the fake returns for a matching command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
	// Block waits for ctx cancellation before returning, simulating a hang.
	Block bool
	// Do runs before the response is returned, e.g. to create build outputs.
	Do func(cmd runner.Command)
}

// Fake matches commands by prefix of their rendered form ("cargo build -p x").
// Unmatched commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	responses []entry
	Calls     []runner.Command
}

type entry struct {
	prefix string
	resp   Response
}

func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, entry{prefix: prefix, resp: resp})
	return f
}

func (f *Fake) Run(ctx context.Context, cmd runner.Command) (runner.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	var resp Response
	line := cmd.String()
	for _, e := range f.responses {
		if strings.HasPrefix(line, e.prefix) {
			resp = e.resp
			break
		}
	}
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd)
	}
	if resp.Block {
		<-ctx.Done()
		return runner.Result{ExitCode: -1}, fmt.Errorf("%s: %w", line, ctx.Err())
	}
	res := runner.Result{ExitCode: resp.ExitCode, Output: []byte(resp.Output)}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, fmt.Errorf("%s: exit status %d", line, resp.ExitCode)
	}
	return res, nil
}

// Lines returns every recorded call in rendered form.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Matching returns the recorded calls whose rendered form has prefix.
func (f *Fake) Matching(prefix string) []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runner.Command
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			out = append(out, c)
		}
	}
	return out
}
