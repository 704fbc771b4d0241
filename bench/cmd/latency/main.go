// Package bench — latency/main.go
//
// Quorum device I/O latency measurement tool.
//
// Measures the wall-clock cost of a single status-sector write+read
// round trip against the shared quorum device, since §5's cycle budget
// (interval seconds, tko misses before eviction) assumes this round
// trip is fast and bounded relative to Interval.
//
// Method:
//  1. Opens the device at -device (a real block device or, for a local
//     run, a regular file — block.OpenLinuxDevice falls back to a
//     512-byte sector size when BLKSSZGET isn't available).
//  2. Writes then reads back the node's status sector in a tight loop,
//     using clock measurements taken with runtime.LockOSThread held to
//     minimise scheduling jitter.
//  3. Results are written to a CSV file.
//
// Output CSV columns:
//
//	iteration, write_latency_us, read_latency_us
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/clusterquorum/qdiskd/internal/block"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of write+read round trips to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	devicePath := flag.String("device", "", "Path to the quorum device or backing file (required)")
	nodeID := flag.Uint("node", 1, "Node id whose status sector to exercise")
	flag.Parse()

	if *devicePath == "" {
		fmt.Fprintln(os.Stderr, "FATAL: -device is required")
		os.Exit(2)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := block.OpenLinuxDevice(*devicePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open device: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "write_latency_us", "read_latency_us"})

	buf := make([]byte, dev.SectorSize())
	var writeBucket, readBucket [100002]int // histogram buckets, 0-100000µs; the last one holds every slower sample

	for i := 0; i < *iterations; i++ {
		buf[0] = byte(i)

		wStart := time.Now()
		if err := dev.WriteSector(uint32(*nodeID), buf); err != nil {
			fmt.Fprintf(os.Stderr, "write sector %d: %v\n", i, err)
			os.Exit(1)
		}
		wLatency := time.Since(wStart)

		rStart := time.Now()
		if _, err := dev.ReadSector(uint32(*nodeID)); err != nil {
			fmt.Fprintf(os.Stderr, "read sector %d: %v\n", i, err)
			os.Exit(1)
		}
		rLatency := time.Since(rStart)

		wUs, rUs := int(wLatency.Microseconds()), int(rLatency.Microseconds())
		writeBucket[min(wUs, len(writeBucket)-1)]++
		readBucket[min(rUs, len(readBucket)-1)]++

		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(wUs), strconv.Itoa(rUs)})
	}

	wp50, wp95, wp99 := computePercentiles(writeBucket[:], *iterations)
	rp50, rp95, rp99 := computePercentiles(readBucket[:], *iterations)

	fmt.Printf("Quorum Device Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  write: p50=%dus p95=%dus p99=%dus\n", wp50, wp95, wp99)
	fmt.Printf("  read:  p50=%dus p95=%dus p99=%dus\n", rp50, rp95, rp99)
	fmt.Printf("  Output: %s\n", *outputFile)

	// A write+read round trip that routinely costs more than a tenth of
	// the default 1s cycle interval leaves little margin before tko
	// misses accumulate under load.
	if wp99 > 100000 || rp99 > 100000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 latency exceeds 100ms\n")
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
