// Package executor runs task scripts in an interpreter subprocess with a
// wall-clock timeout, capped output buffers, and live stdout streaming.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/common/logger"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

// DefaultTimeout bounds a single script execution.
const DefaultTimeout = 300 * time.Second

const (
	// ProgressRunning is reported with each streamed stdout line.
	ProgressRunning = 50
	// ProgressDone is reported once the process exits.
	ProgressDone = 100
)

// Result is the outcome of one execution.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	StartedAt time.Time
}

// OutputFunc receives each stdout line, terminator included, as it is
// produced, plus the current progress percentage. The final call carries
// an empty chunk. May be nil when no session is connected.
type OutputFunc func(chunk string, progress int)

// Executor runs scripts.
type Executor struct {
	timeout time.Duration
	logger  *logger.Logger
}

// New creates an executor with the default timeout.
func New(log *logger.Logger) *Executor {
	return &Executor{timeout: DefaultTimeout, logger: log}
}

// NewWithTimeout creates an executor with a custom timeout, for tests.
func NewWithTimeout(timeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{timeout: timeout, logger: log}
}

// Run executes the script and returns its result. Spawn failures and
// timeouts are reported in the result (exit code -1), never as an error;
// the server's status rule keys off exit code and the stderr text.
func (e *Executor) Run(ctx context.Context, scriptType v1.ScriptType, body string, onOutput OutputFunc) Result {
	res := Result{StartedAt: time.Now().UTC()}

	name, args, err := interpreter(scriptType, body)
	if err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res
	}

	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		outBuf string
		errBuf string
	)
	// Lines are read with ReadString rather than a Scanner: a single line
	// longer than the cap must be truncated, not dropped, and the pipe has
	// to be drained to EOF either way or the child blocks on write.
	wg.Add(2)
	go func() {
		defer wg.Done()
		r := bufio.NewReader(stdout)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				chunk := CapOutput(line, v1.StdoutCap)
				mu.Lock()
				outBuf = CapOutput(outBuf+chunk, v1.StdoutCap)
				mu.Unlock()
				if onOutput != nil {
					onOutput(chunk, ProgressRunning)
				}
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		r := bufio.NewReader(stderr)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				if !strings.HasSuffix(line, "\n") {
					line += "\n"
				}
				mu.Lock()
				errBuf = CapOutput(errBuf+line, v1.StderrCap)
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	// Kill the whole process group on timeout so shell children do not
	// outlive the script.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killTree(cmd)
		case <-done:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	timedOut := ctx.Err() == context.DeadlineExceeded
	close(done)

	res.Stdout = outBuf
	res.Stderr = errBuf

	if timedOut {
		res.ExitCode = -1
		timeoutMsg := fmt.Sprintf("Task timed out after %ds", int(e.timeout.Seconds()))
		res.Stderr = CapOutput(res.Stderr+timeoutMsg, v1.StderrCap)
		e.logger.Warn("script timed out", zap.Duration("timeout", e.timeout))
		return res
	}

	res.ExitCode = exitCode(waitErr)
	if onOutput != nil {
		onOutput("", ProgressDone)
	}
	return res
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// interpreter maps a script type to the command that runs the body.
func interpreter(t v1.ScriptType, body string) (string, []string, error) {
	switch t {
	case v1.ScriptBash:
		return "bash", []string{"-c", body}, nil
	case v1.ScriptShell:
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/C", body}, nil
		}
		return "sh", []string{"-c", body}, nil
	case v1.ScriptPowershell:
		if runtime.GOOS == "windows" {
			return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", body}, nil
		}
		return "pwsh", []string{"-NoProfile", "-NonInteractive", "-Command", body}, nil
	case v1.ScriptCmd:
		if runtime.GOOS != "windows" {
			return "", nil, fmt.Errorf("cmd scripts require windows, running on %s", runtime.GOOS)
		}
		return "cmd", []string{"/C", body}, nil
	case v1.ScriptPython:
		return "python3", []string{"-c", body}, nil
	case v1.ScriptADB:
		return "adb", []string{"shell", body}, nil
	default:
		return "", nil, fmt.Errorf("unknown script type %q", t)
	}
}

// CapOutput truncates s to at most limit bytes.
func CapOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
