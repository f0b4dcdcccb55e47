package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"reflect"
	"text/template"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/umputun/jobq/app/store"
)

// Repeater retries failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// ShellRunner processes claimed jobs by running a shell command. The command
// is a text/template over the job, e.g. "process.sh {{.ID}}".
type ShellRunner struct {
	Command         string
	Repeater        Repeater  // optional, defaults to a single attempt
	EnableLogPrefix bool      // prefix each output line with the job id
	MaxLogLines     int       // output tail kept for error reports, 0 disables capture
	Stdout          io.Writer // defaults to os.Stdout
}

// Run renders the command for the job and executes it with sh -c, combined
// output streamed to Stdout. The error of a failed execution carries the
// captured output tail.
func (r *ShellRunner) Run(ctx context.Context, job store.Job) error {
	command, err := r.render(job)
	if err != nil {
		return err
	}

	capture := NewOutputCapture(r.MaxLogLines)
	stdout := r.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	rptr := r.Repeater
	if rptr == nil || reflect.ValueOf(rptr).IsNil() {
		rptr = repeater.New(&strategy.Once{})
	}

	execErr := rptr.Do(ctx, func() error {
		var logWriter io.Writer = stdout
		if r.EnableLogPrefix {
			logWriter = NewLogPrefixer(stdout, fmt.Sprintf("job %d", job.ID))
		}
		out := io.MultiWriter(capture, logWriter)

		cmd := exec.Command("sh", "-c", command) // nolint gosec
		cmd.Stdout = out
		cmd.Stderr = out
		if e := cmd.Run(); e != nil {
			return fmt.Errorf("failed to execute %q: %w", command, e)
		}
		return nil
	})

	if execErr != nil {
		if output := capture.GetOutput(); output != "" {
			return fmt.Errorf("%w\n\n%s", execErr, output)
		}
		return execErr
	}
	return nil
}

// String returns the command template.
func (r *ShellRunner) String() string { return r.Command }

func (r *ShellRunner) render(job store.Job) (string, error) {
	tmpl, err := template.New("command").Parse(r.Command)
	if err != nil {
		return "", fmt.Errorf("can't parse command template %q: %w", r.Command, err)
	}
	buf := bytes.Buffer{}
	if err := tmpl.Execute(&buf, job); err != nil {
		return "", fmt.Errorf("can't render command for job %d: %w", job.ID, err)
	}
	return buf.String(), nil
}
