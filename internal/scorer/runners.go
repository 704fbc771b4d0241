package scorer

import (
	"context"
	"net"
	"os/exec"
	"strings"
	"time"
)

func init() {
	RegisterRunner("exec", newExecRunner)
	RegisterRunner("tcp", newTCPRunner)
}

// execRunner runs an arbitrary shell command; success is exit code 0.
type execRunner struct {
	command string
}

func newExecRunner(command string) (Runner, error) {
	return &execRunner{command: command}, nil
}

func (r *execRunner) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.command)
	return cmd.Run()
}

// tcpRunner probes TCP reachability of "host:port" within a bounded dial
// timeout, for checks like "is the storage network interface up".
type tcpRunner struct {
	addr string
}

func newTCPRunner(command string) (Runner, error) {
	return &tcpRunner{addr: strings.TrimSpace(command)}, nil
}

func (r *tcpRunner) Run(ctx context.Context) error {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
