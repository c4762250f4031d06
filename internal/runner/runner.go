// Package runner executes external tools (cargo, nvidia-smi, systemctl) on
// behalf of the orchestrator. Every invocation carries an explicit
// environment; nothing is exported into the orchestrator's own process.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is the complete child environment. Nil means an empty environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

type Result struct {
	ExitCode int
	Output   []byte
}

// Runner runs a command to completion. A non-zero exit is reported as an
// error together with a populated Result.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands with os/exec, capturing combined output. When Stream is
// set, output is also copied there as it is produced.
type Exec struct {
	Stream io.Writer
}

func (e Exec) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	cmd.WaitDelay = time.Second

	var buf bytes.Buffer
	var out io.Writer = &buf
	if e.Stream != nil {
		out = io.MultiWriter(&buf, e.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := Result{Output: buf.Bytes()}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%s: %w", c, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s: exit status %d", c, res.ExitCode)
	}
	res.ExitCode = -1
	return res, fmt.Errorf("%s: %w", c, err)
}
