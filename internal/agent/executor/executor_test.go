//go:build !windows

package executor

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/openfleet/internal/common/logger"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestRunSuccess(t *testing.T) {
	e := New(testLogger(t))

	var lines []string
	var progresses []int
	res := e.Run(context.Background(), v1.ScriptShell, "echo one; echo two", func(chunk string, progress int) {
		lines = append(lines, chunk)
		progresses = append(progresses, progress)
	})

	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "one\ntwo\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.False(t, res.StartedAt.IsZero())

	require.Len(t, lines, 3)
	assert.Equal(t, "one\n", lines[0])
	assert.Equal(t, "two\n", lines[1])
	assert.Empty(t, lines[2])
	assert.Equal(t, []int{ProgressRunning, ProgressRunning, ProgressDone}, progresses)
}

func TestRunNonZeroExit(t *testing.T) {
	e := New(testLogger(t))
	res := e.Run(context.Background(), v1.ScriptShell, "echo oops >&2; exit 3", nil)

	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	e := NewWithTimeout(300*time.Millisecond, testLogger(t))
	start := time.Now()
	res := e.Run(context.Background(), v1.ScriptShell, "echo started; sleep 30", nil)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "Task timed out after")
	assert.Contains(t, res.Stdout, "started")
}

func TestRunUnknownScriptType(t *testing.T) {
	e := New(testLogger(t))
	res := e.Run(context.Background(), v1.ScriptType("ruby"), "puts 1", nil)

	assert.Equal(t, -1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestRunCmdRequiresWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cmd is valid on windows")
	}
	e := New(testLogger(t))
	res := e.Run(context.Background(), v1.ScriptCmd, "dir", nil)

	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Stderr, "windows")
}

func TestRunCapsStdout(t *testing.T) {
	e := New(testLogger(t))
	// Emit well over the stdout cap.
	script := "i=0; while [ $i -lt 2000 ]; do printf '%01000d\\n' $i; i=$((i+1)); done"
	res := e.Run(context.Background(), v1.ScriptShell, script, nil)

	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.Stdout, v1.StdoutCap)
}

func TestRunTruncatesOversizedLine(t *testing.T) {
	e := New(testLogger(t))

	// One line well past the stdout cap, no terminating newline.
	script := "head -c 102400 /dev/zero | tr '\\0' 'a'"
	var chunks []string
	res := e.Run(context.Background(), v1.ScriptShell, script, func(chunk string, progress int) {
		if progress == ProgressRunning {
			chunks = append(chunks, chunk)
		}
	})

	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.Stdout, v1.StdoutCap)
	assert.NotContains(t, res.Stderr, "Task timed out")
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], v1.StdoutCap)
}

func TestRunDrainsBeyondCapWithoutStalling(t *testing.T) {
	e := NewWithTimeout(30*time.Second, testLogger(t))

	// A single line several times the cap plus the OS pipe buffer; the
	// reader must keep draining past the cap or the child blocks forever.
	script := "head -c 500000 /dev/zero | tr '\\0' 'b'; echo done >&2"
	start := time.Now()
	res := e.Run(context.Background(), v1.ScriptShell, script, nil)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.Stdout, v1.StdoutCap)
	assert.Equal(t, "done\n", res.Stderr)
}

func TestRunCapsOversizedStderrLine(t *testing.T) {
	e := New(testLogger(t))

	script := "head -c 32768 /dev/zero | tr '\\0' 'c' >&2"
	res := e.Run(context.Background(), v1.ScriptShell, script, nil)

	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.Stderr, v1.StderrCap)
}

func TestCapOutput(t *testing.T) {
	assert.Equal(t, "abc", CapOutput("abc", 10))
	assert.Equal(t, "ab", CapOutput("abcd", 2))
	long := strings.Repeat("x", v1.StderrCap+100)
	assert.Len(t, CapOutput(long, v1.StderrCap), v1.StderrCap)
}
