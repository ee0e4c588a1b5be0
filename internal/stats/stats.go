// Package stats writes the per-worker latency CSV the output contract
// promises: <pid>.stats.csv under OUTPUT_DIR, one row per recorded sample,
// columns latency_overall, latency_rewind, latency_pkt, latency_kerneldrop.
package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var header = []string{"latency_overall", "latency_rewind", "latency_pkt", "latency_kerneldrop"}

// Sample is one row of latency measurements taken around a single
// connection-tuple's exploration.
type Sample struct {
	Overall    time.Duration
	Rewind     time.Duration
	Pkt        time.Duration
	KernelDrop time.Duration
}

// Writer appends Samples to <pid>.stats.csv, flushing after every row so a
// killed worker's file is readable up to its last completed sample.
type Writer struct {
	f *os.File
	w *csv.Writer
}

// Open creates (or truncates) outputDir/<pid>.stats.csv and writes its
// header row.
func Open(outputDir string, pid int) (*Writer, error) {
	path := filepath.Join(outputDir, fmt.Sprintf("%d.stats.csv", pid))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stats: create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("stats: write header: %w", err)
	}
	w.Flush()
	return &Writer{f: f, w: w}, nil
}

// Record appends one sample row.
func (wr *Writer) Record(s Sample) error {
	row := []string{
		formatMicros(s.Overall),
		formatMicros(s.Rewind),
		formatMicros(s.Pkt),
		formatMicros(s.KernelDrop),
	}
	if err := wr.w.Write(row); err != nil {
		return fmt.Errorf("stats: write row: %w", err)
	}
	wr.w.Flush()
	return wr.w.Error()
}

// Close flushes and closes the underlying file.
func (wr *Writer) Close() error {
	wr.w.Flush()
	if err := wr.w.Error(); err != nil {
		wr.f.Close()
		return err
	}
	return wr.f.Close()
}

func formatMicros(d time.Duration) string {
	return fmt.Sprintf("%d", d.Microseconds())
}
