// Package netcapture writes a pcap file of one machine's guest network
// traffic, filtering out the ip:port pairs the caller marks as noise (e.g.
// the result server's own listen address). It is the gopacket-based
// implementation a Machinery Backend uses to satisfy StartNetCapture /
// StopNetCapture.
package netcapture

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	"github.com/cert-ee/cuckoonode/pkg/machinery"
)

// Capture is one running capture session for a single machine/interface.
type Capture struct {
	handle *pcap.Handle
	writer *pcapgo.Writer
	file   *os.File
	stopCh chan struct{}
	doneCh chan struct{}
}

// Manager starts and stops captures, one per machine, keyed by machine
// name.
type Manager struct {
	mu       sync.Mutex
	captures map[string]*Capture
}

// New returns an empty capture manager.
func New() *Manager {
	return &Manager{captures: make(map[string]*Capture)}
}

// Start begins capturing iface's traffic to pcapPath, excluding the given
// ignore routes from the capture via a BPF filter. Starting a capture that
// is already running for machine is a no-op.
func (m *Manager) Start(machine, iface, pcapPath string, ignore []machinery.IgnoreRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.captures[machine]; ok {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(pcapPath), 0o755); err != nil {
		return fmt.Errorf("netcapture: create pcap dir: %w", err)
	}

	handle, err := pcap.OpenLive(iface, 65535, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("netcapture: open %s: %w", iface, err)
	}

	if filter := buildFilter(ignore); filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return fmt.Errorf("netcapture: set filter: %w", err)
		}
	}

	f, err := os.Create(pcapPath)
	if err != nil {
		handle.Close()
		return fmt.Errorf("netcapture: create %s: %w", pcapPath, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, handle.LinkType()); err != nil {
		f.Close()
		handle.Close()
		return fmt.Errorf("netcapture: write pcap header: %w", err)
	}

	cap := &Capture{
		handle: handle,
		writer: w,
		file:   f,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.captures[machine] = cap

	go cap.run()
	return nil
}

// Stop halts the capture for machine and closes its file. Stopping a
// machine with no running capture is a no-op, matching the cooperative
// "never fail the enclosing action" policy for netcapture.
func (m *Manager) Stop(machine string) error {
	m.mu.Lock()
	cap, ok := m.captures[machine]
	if ok {
		delete(m.captures, machine)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	close(cap.stopCh)
	<-cap.doneCh
	cap.handle.Close()
	return cap.file.Close()
}

func (c *Capture) run() {
	defer close(c.doneCh)
	src := gopacket.NewPacketSource(c.handle, c.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-c.stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			_ = c.writer.WritePacket(pkt.Metadata().CaptureInfo, pkt.Data())
		}
	}
}

// buildFilter turns a list of ignore routes into a BPF expression excluding
// them, e.g. "not (host 10.0.0.1 and port 8080)".
func buildFilter(ignore []machinery.IgnoreRoute) string {
	filter := ""
	for _, r := range ignore {
		if net.ParseIP(r.IP) == nil {
			continue
		}
		clause := fmt.Sprintf("not (host %s and port %d)", r.IP, r.Port)
		if filter == "" {
			filter = clause
		} else {
			filter += " and " + clause
		}
	}
	return filter
}
