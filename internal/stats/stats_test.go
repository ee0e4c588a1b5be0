package stats_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/newtron-network/netverify/internal/stats"
)

func TestWriterWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	w, err := stats.Open(dir, 4242)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Record(stats.Sample{Overall: 2 * time.Millisecond, Rewind: time.Millisecond, Pkt: 500 * time.Microsecond, KernelDrop: 0}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "4242.stats.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "latency_overall,latency_rewind,latency_pkt,latency_kerneldrop" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if lines[1] != "2000,1000,500,0" {
		t.Fatalf("unexpected row: %q", lines[1])
	}
}
