package procutil

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPIDAlive_Self(t *testing.T) {
	require.True(t, PIDAlive(os.Getpid()))
}

func TestPIDAlive_InvalidPIDs(t *testing.T) {
	require.False(t, PIDAlive(0))
	require.False(t, PIDAlive(-1))
}

func TestReadPIDStartTime_SelfStable(t *testing.T) {
	if !ProcFSAvailable() {
		t.Skip("procfs not available")
	}
	a, err := ReadPIDStartTime(os.Getpid())
	require.NoError(t, err)
	b, err := ReadPIDStartTime(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotZero(t, a)
}

func TestTerminate_MissingPIDCountsAsSuccess(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	require.True(t, Terminate(TerminateTarget{PID: pid}, 200*time.Millisecond))
}

func TestTerminate_KillsProcessGroup(t *testing.T) {
	cmd := exec.Command("bash", "-c", "sleep 60 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer func() { _ = cmd.Wait() }()

	ok := Terminate(TerminateTarget{PID: pid, PGID: pid}, 500*time.Millisecond)
	require.True(t, ok)

	// The leader must be gone (or a reaped zombie) after termination.
	require.Eventually(t, func() bool { return !PIDAlive(pid) }, 3*time.Second, 50*time.Millisecond)
}
