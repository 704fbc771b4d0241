package main

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// schedParam mirrors struct sched_param from <sched.h> (a single int,
// sched_priority) for the raw sched_setscheduler(2) syscall.
type schedParam struct {
	priority int32
}

// Scheduling policy constants from <sched.h>, not exposed by
// golang.org/x/sys/unix as named constants on all platforms.
const (
	schedOther = 0
	schedFIFO  = 1
	schedRR    = 2
)

// requestRTScheduling asks the kernel to move this process into the
// named real-time scheduling class (spec §5: "qdiskd SHOULD run under a
// real-time scheduling policy so cycle timing isn't starved by a
// loaded host"). Best effort: most failures are a missing
// CAP_SYS_NICE, which the caller logs and continues past, grounded on
// the teacher's dropSysAdmin best-effort capability drop in
// cmd/octoreflex/main.go.
func requestRTScheduling(policyName string, priority int) error {
	var policy int
	switch policyName {
	case "FIFO":
		policy = schedFIFO
	case "RR", "":
		policy = schedRR
	case "OTHER", "none":
		return nil
	default:
		return fmt.Errorf("unknown scheduling policy %q", policyName)
	}

	param := schedParam{priority: int32(priority)}
	// pid 0 means "the calling process".
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return fmt.Errorf("sched_setscheduler(%s, %d): %w", policyName, priority, errno)
	}
	return nil
}
