package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/proxymgr/internal/detector"
	"github.com/loykin/proxymgr/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const launchHelperEnv = "PROXYMGR_LAUNCH_HELPER_LOGDIR"

// TestMain lets the test binary act as a short-lived manager: it launches a
// logging backend, prints its pid and exits.
func TestMain(m *testing.M) {
	if dir := os.Getenv(launchHelperEnv); dir != "" {
		p, err := Launcher{}.Launch(context.Background(), Spec{
			Name:    "ticker",
			Command: []string{"/bin/sh", "-c", "while :; do echo tick; echo tock 1>&2; sleep 0.1; done"},
			Log:     logger.Config{Dir: dir},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(p.PID)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func alive(t *testing.T, pid int) bool {
	t.Helper()
	ok, _ := detector.PIDDetector{PID: pid}.Alive(context.Background())
	return ok
}

func TestLaunch_ReturnsImmediatelyWithPID(t *testing.T) {
	requireUnix(t)
	start := time.Now()
	p, err := Launcher{}.Launch(context.Background(), Spec{Name: "sleeper", Command: []string{"sleep", "5"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Terminator{Wait: time.Second}.Terminate(context.Background(), p.PID, 0) })

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Greater(t, p.PID, 0)
	assert.NotZero(t, p.StartedAt)
	assert.True(t, alive(t, p.PID))
}

func TestLaunch_EnvWorkdirAndLogs(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	logs := filepath.Join(dir, "logs")

	spec := Spec{
		Name:    "echoer",
		Command: []string{"/bin/sh", "-c", `echo "$GREETING"; pwd; echo oops 1>&2`},
		Env:     []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
		WorkDir: work,
		Log:     logger.Config{Dir: logs},
	}
	p, err := Launcher{}.Launch(context.Background(), spec)
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, p.ExitErr())

	out, err := os.ReadFile(filepath.Join(logs, "echoer.stdout.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "/work"))

	errOut, err := os.ReadFile(filepath.Join(logs, "echoer.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(errOut))
}

func TestLaunch_FailureIsLaunchError(t *testing.T) {
	_, err := Launcher{}.Launch(context.Background(), Spec{Name: "missing", Command: []string{"/definitely/not/here"}})
	require.Error(t, err)
	var le *LaunchError
	require.True(t, errors.As(err, &le))
	assert.Contains(t, le.Error(), "/definitely/not/here")
	assert.NotNil(t, errors.Unwrap(le))
}

func TestLaunch_EmptyCommand(t *testing.T) {
	_, err := Launcher{}.Launch(context.Background(), Spec{Name: "empty"})
	var le *LaunchError
	assert.True(t, errors.As(err, &le))
}

func TestLaunch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Launcher{}.Launch(ctx, Spec{Name: "x", Command: []string{"sleep", "1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminate_GracefulStop(t *testing.T) {
	requireUnix(t)
	p, err := Launcher{}.Launch(context.Background(), Spec{Name: "graceful", Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	require.NoError(t, Terminator{Wait: 2 * time.Second}.Terminate(context.Background(), p.PID, p.StartedAt))
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("backend still running after Terminate")
	}
	assert.False(t, alive(t, p.PID))
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	requireUnix(t)
	spec := Spec{Name: "stubborn", Command: []string{"/bin/sh", "-c", `trap "" TERM; while true; do sleep 0.1; done`}}
	p, err := Launcher{}.Launch(context.Background(), spec)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond) // let the trap install

	require.NoError(t, Terminator{Wait: 300 * time.Millisecond}.Terminate(context.Background(), p.PID, p.StartedAt))
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stubborn backend survived escalation")
	}
}

func TestTerminate_GoneOrReusedPIDIsNoop(t *testing.T) {
	requireUnix(t)
	p, err := Launcher{}.Launch(context.Background(), Spec{Name: "short", Command: []string{"true"}})
	require.NoError(t, err)
	<-p.Done()
	assert.NoError(t, Terminator{}.Terminate(context.Background(), p.PID, p.StartedAt))

	// our own pid with a mismatched start time must not be signalled
	self := os.Getpid()
	assert.NoError(t, Terminator{}.Terminate(context.Background(), self, 1))
	assert.True(t, alive(t, self))
}

func TestLaunch_LoggingBackendOutlivesLauncher(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	helper := exec.Command(os.Args[0], "-test.run=^$")
	helper.Env = append(os.Environ(), launchHelperEnv+"="+dir)
	out, err := helper.Output()
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Terminator{Wait: time.Second}.Terminate(context.Background(), pid, 0) })

	logPath := filepath.Join(dir, "ticker.stdout.log")
	size := func() int64 {
		st, err := os.Stat(logPath)
		if err != nil {
			return 0
		}
		return st.Size()
	}
	time.Sleep(time.Second)
	before := size()
	time.Sleep(500 * time.Millisecond)

	assert.True(t, alive(t, pid), "backend must survive its launcher")
	assert.Greater(t, size(), before, "backend keeps writing its log")
	if runtime.GOOS == "linux" {
		stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		require.NoError(t, err)
		assert.NotContains(t, string(stat), ") Z ", "backend is a zombie")
	}
	errLog, err := os.ReadFile(filepath.Join(dir, "ticker.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errLog), "tock")
}
