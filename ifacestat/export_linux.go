//go:build linux

package ifacestat

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
)

// Exporter publishes one device's counters into a BPF array map indexed by
// Counter, so they can be read with bpftool or by other BPF programs.
type Exporter struct {
	m *ebpf.Map
}

// NewExporter creates the map. If pinPath is not empty the map is pinned
// by name below it (usually a directory on /sys/fs/bpf) and an existing
// pinned map with the same name is reused.
func NewExporter(name, pinPath string) (*Exporter, error) {
	spec := &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(NumCounters),
	}
	var opts ebpf.MapOptions
	if pinPath != "" {
		spec.Pinning = ebpf.PinByName
		opts.PinPath = pinPath
	}
	m, err := ebpf.NewMapWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("creating stats map: %w", err)
	}
	return &Exporter{m: m}, nil
}

// Publish writes every counter of s into the map.
func (e *Exporter) Publish(s DevStats) error {
	var errs []error
	for ctr := range NumCounters {
		if err := e.m.Update(uint32(ctr), s[ctr], ebpf.UpdateAny); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ctr, err))
		}
	}
	return errors.Join(errs...)
}

// Read returns the counters currently stored in the map.
func (e *Exporter) Read() (DevStats, error) {
	s := make(DevStats, NumCounters)
	for ctr := range NumCounters {
		var v uint64
		if err := e.m.Lookup(uint32(ctr), &v); err != nil {
			return nil, fmt.Errorf("%s: %w", ctr, err)
		}
		s[ctr] = v
	}
	return s, nil
}

// Close releases the map. A pinned map stays in the BPF filesystem.
func (e *Exporter) Close() error { return e.m.Close() }
