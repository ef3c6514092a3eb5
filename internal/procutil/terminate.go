package procutil

import (
	"errors"
	"syscall"
	"time"
)

// TerminateTarget identifies a subprocess to shut down. PGID is optional;
// when set the whole process group is signalled first so agent children do
// not survive as orphans.
type TerminateTarget struct {
	PID  int
	PGID int
}

// Terminate delivers SIGTERM, waits up to grace, then escalates to SIGKILL.
// The group path and the single-pid path run independently; the target
// counts as terminated when at least one path succeeds. A missing process
// (ESRCH) counts as success.
func Terminate(target TerminateTarget, grace time.Duration) bool {
	groupOK := false
	if target.PGID > 0 {
		groupOK = signalAndWait(-target.PGID, func() bool { return groupAlive(target.PGID) }, grace)
	}
	pidOK := false
	if target.PID > 0 {
		pidOK = signalAndWait(target.PID, func() bool { return PIDAlive(target.PID) }, grace)
	}
	if target.PGID <= 0 {
		return pidOK
	}
	if target.PID <= 0 {
		return groupOK
	}
	return groupOK || pidOK
}

func signalAndWait(signalPID int, alive func() bool, grace time.Duration) bool {
	if !alive() {
		return true
	}
	if err := syscall.Kill(signalPID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return true
		}
	}
	if waitGone(alive, grace) {
		return true
	}
	if err := syscall.Kill(signalPID, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return true
		}
	}
	// SIGKILL is not ignorable; a short bounded wait is enough.
	kill := grace
	if kill < time.Second {
		kill = time.Second
	}
	if kill > 10*time.Second {
		kill = 10 * time.Second
	}
	return waitGone(alive, kill)
}

func waitGone(alive func() bool, grace time.Duration) bool {
	if !alive() {
		return true
	}
	deadline := time.Now().Add(grace)
	poll := grace / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	if poll > 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		time.Sleep(poll)
		if !alive() {
			return true
		}
	}
	return !alive()
}

func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
