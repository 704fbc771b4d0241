// Package reboot implements the daemon's last-resort self-fencing action:
// issuing an immediate, un-graceful machine reboot.
//
// Three triggers call into this package (spec §4.5, §4.6, §7):
//   - Score collapse: the heuristic scorer gate drops below score_req while
//     this node still holds a quorum vote (§4.5's "Score gate" row).
//   - Cycle overrun: one quorum cycle takes longer than interval*tko and
//     paranoid is configured (§4.6 step 9, §5 "cancellation of last resort").
//   - Self-eviction: this node's own status sector has been written EVICT
//     by another node.
//
// The actual kernel reboot() syscall is hidden behind a Reactor interface
// (grounded on block.Device's interface-over-ioctl pattern in
// internal/block/device.go) so tests can assert a reboot was *requested*
// without a test process ever rebooting the machine it runs on.
package reboot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reactor performs the actual fencing action. Real implementations call
// into the kernel; test implementations just record the call.
type Reactor interface {
	Reboot(reason string) error
}

// LinuxReactor issues a real, immediate reboot via the reboot(2) syscall
// (RB_AUTOBOOT), mirroring how a shared-disk quorum daemon must behave:
// no graceful shutdown sequence, since the whole point is to remove this
// node from the cluster before it can corrupt shared state.
type LinuxReactor struct{}

func (LinuxReactor) Reboot(reason string) error {
	if err := unix.Sync(); err != nil {
		// best-effort: still attempt the reboot even if sync fails.
		_ = err
	}
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

// RecordingReactor is a test/dry-run Reactor that records every requested
// reboot instead of performing one.
type RecordingReactor struct {
	Requests []string
}

func (r *RecordingReactor) Reboot(reason string) error {
	r.Requests = append(r.Requests, reason)
	return nil
}

// Requested reports whether Reboot has been called at least once.
func (r *RecordingReactor) Requested() bool {
	return len(r.Requests) > 0
}
