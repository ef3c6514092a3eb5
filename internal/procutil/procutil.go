package procutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcFSAvailable reports whether procfs is available for process introspection.
func ProcFSAvailable() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}

// PIDAlive reports whether a process exists and is not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if PIDZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// PIDZombie checks whether a PID is in a zombie/dead state.
func PIDZombie(pid int) bool {
	if !ProcFSAvailable() {
		return pidZombieFromPS(pid)
	}
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return false
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return false
	}
	state := line[closeIdx+2]
	return state == 'Z' || state == 'X'
}

func pidZombieFromPS(pid int) bool {
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	state := strings.TrimSpace(string(out))
	if state == "" {
		return false
	}
	c := state[0]
	return c == 'Z' || c == 'X'
}

// ReadPIDStartTime returns the kernel start time of pid (field 22 of
// /proc/<pid>/stat, in clock ticks since boot). Used to detect PID reuse.
func ReadPIDStartTime(pid int) (uint64, error) {
	statPath := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0, err
	}
	line := string(b)
	closeIdx := strings.LastIndexByte(line, ')')
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		return 0, errors.New("malformed stat line")
	}
	fields := strings.Fields(line[closeIdx+2:])
	// fields[0] is state (field 3); start time is field 22.
	const startIdx = 22 - 3
	if len(fields) <= startIdx {
		return 0, errors.New("stat line too short")
	}
	return strconv.ParseUint(fields[startIdx], 10, 64)
}
