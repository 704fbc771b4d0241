// Package contrib — probes.go
//
// Plugin interface for custom score probes.
//
// qdiskd's contrib/ directory is the community extension point for the
// heuristic scorer (C3): a probe is anything that can report "healthy" or
// "not healthy" within a bounded time, and the scorer sums the weights of
// the probes currently passing. The built-in kinds are "exec" (run a
// shell command, exit 0 = healthy) and "tcp" (dial a host:port); this
// package adds a couple of reference community probes and shows how to
// register a new kind.
//
// Plugin registration:
//
//	Plugins register themselves in an init() function using
//	scorer.RegisterRunner(kind, factory). A probe entry in config.yaml
//	selects its runner by kind:
//
//	  scorer:
//	    probes:
//	      - kind: http
//	        command: "http://127.0.0.1:9200/_cluster/health"
//	        interval: 5s
//	        tko: 3
//	        weight: 2
//
// Plugin contract:
//   - Run must be goroutine-safe; the scorer invokes one goroutine per
//     configured probe, each calling Run on its own schedule.
//   - Run must respect ctx cancellation and return promptly after it.
//   - Run must not panic; a panicking probe would otherwise take down
//     the whole daemon, since the scorer does not run probes in
//     separate processes.
//   - A nil error means healthy; any non-nil error counts as a miss
//     toward that probe's configured tko.
package contrib

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/clusterquorum/qdiskd/internal/scorer"
)

func init() {
	scorer.RegisterRunner("http", newHTTPRunner)
	scorer.RegisterRunner("diskfree", newDiskFreeRunner)
}

// ─── http: HTTP health-check probe ───────────────────────────────────────────

// httpRunner probes a URL and is healthy when the response status is 2xx,
// for checks like "is the co-located application server still serving".
type httpRunner struct {
	url    string
	client *http.Client
}

func newHTTPRunner(command string) (scorer.Runner, error) {
	url := strings.TrimSpace(command)
	if url == "" {
		return nil, fmt.Errorf("contrib: http probe requires a URL in the command field")
	}
	return &httpRunner{url: url, client: &http.Client{Timeout: 3 * time.Second}}, nil
}

func (r *httpRunner) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("contrib: http probe: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("contrib: http probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("contrib: http probe: %s returned %d", r.url, resp.StatusCode)
	}
	return nil
}

// ─── diskfree: minimum free space probe ──────────────────────────────────────

// diskFreeRunner is healthy when the filesystem backing a path has at
// least the configured amount of free space, for checks like "is the
// local data volume not about to fill up". Command is "path:min_bytes",
// e.g. "/var/lib/qdiskd:1073741824" for a 1 GiB floor.
type diskFreeRunner struct {
	path     string
	minBytes uint64
}

func newDiskFreeRunner(command string) (scorer.Runner, error) {
	path, minStr, ok := strings.Cut(command, ":")
	if !ok {
		return nil, fmt.Errorf("contrib: diskfree probe requires \"path:min_bytes\", got %q", command)
	}
	var minBytes uint64
	if _, err := fmt.Sscanf(minStr, "%d", &minBytes); err != nil {
		return nil, fmt.Errorf("contrib: diskfree probe: invalid min_bytes %q: %w", minStr, err)
	}
	return &diskFreeRunner{path: path, minBytes: minBytes}, nil
}

func (r *diskFreeRunner) Run(ctx context.Context) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(r.path, &stat); err != nil {
		return fmt.Errorf("contrib: diskfree probe: statfs %q: %w", r.path, err)
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < r.minBytes {
		return fmt.Errorf("contrib: diskfree probe: %q has %d bytes free, want >= %d", r.path, free, r.minBytes)
	}
	return nil
}
