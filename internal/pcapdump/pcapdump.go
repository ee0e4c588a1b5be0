// Package pcapdump writes the per-interface pcap files the output contract
// promises: <pid>.<node>-<intf>.pcap under OUTPUT_DIR, one file per
// middlebox interface, populated with the exact Ethernet frames the
// middlebox injection layer already serializes.
//
// Grounded on pkg/emulation/docker.go's own use of gopacket/gopacket for
// wire (de)serialization: this package reuses the same library's
// gopacket/pcapgo writer rather than hand-rolling the pcap file format.
package pcapdump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"
)

// Writer appends frames to one open pcap file.
type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func newWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcapdump: create %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, gopacket.LayerTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcapdump: write header %s: %w", path, err)
	}
	return &Writer{f: f, w: w}, nil
}

// WriteFrame appends one raw Ethernet frame, timestamped now. A nil
// receiver (capture disabled) is a no-op, so call sites need no separate
// "is capture enabled" branch.
func (w *Writer) WriteFrame(frame []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	return w.w.WritePacket(ci, frame)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Manager lazily opens one Writer per (node, interface) pair under
// outputDir, named "<pid>.<node>-<intf>.pcap", and tears every open
// Writer down together on Close.
type Manager struct {
	mu        sync.Mutex
	outputDir string
	pid       int
	writers   map[string]*Writer
}

// NewManager returns a Manager rooted at outputDir for the current worker's
// pid. A nil *Manager is a valid no-op sink (see ForInterface).
func NewManager(outputDir string, pid int) *Manager {
	return &Manager{outputDir: outputDir, pid: pid, writers: make(map[string]*Writer)}
}

// ForInterface returns the Writer for node/intf, opening its file on first
// use. Calling ForInterface on a nil *Manager returns a nil *Writer, whose
// WriteFrame is a no-op — callers need no separate "is capture enabled"
// check.
func (m *Manager) ForInterface(node, intf string) (*Writer, error) {
	if m == nil {
		return nil, nil
	}
	key := node + "/" + intf
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.writers[key]; ok {
		return w, nil
	}
	path := filepath.Join(m.outputDir, fmt.Sprintf("%d.%s-%s.pcap", m.pid, node, intf))
	w, err := newWriter(path)
	if err != nil {
		return nil, err
	}
	m.writers[key] = w
	return w, nil
}

// Close closes every Writer opened so far.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
