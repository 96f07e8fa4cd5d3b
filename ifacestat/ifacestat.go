// Package ifacestat snapshots, diffs, prints and persists transport counters.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/kelindar/binary"

	"github.com/romshark/iwatrans/trans"
)

type Counter int

const (
	CmdsPosted Counter = iota
	CmdsCompleted
	CmdsTimedOut
	CmdsCancelled
	CmdsAbandoned
	RingFull
	Spurious
	RxFrames
	RxBytes
	RxErrors
	RxStalls
	Notifications
	Interrupts
	ICTInterrupts
	Reinits
	DMAInUse

	NumCounters
)

func (c Counter) String() string {
	switch c {
	case CmdsPosted:
		return "cmds_posted"
	case CmdsCompleted:
		return "cmds_completed"
	case CmdsTimedOut:
		return "cmds_timed_out"
	case CmdsCancelled:
		return "cmds_cancelled"
	case CmdsAbandoned:
		return "cmds_abandoned"
	case RingFull:
		return "ring_full"
	case Spurious:
		return "spurious"
	case RxFrames:
		return "rx_frames"
	case RxBytes:
		return "rx_bytes"
	case RxErrors:
		return "rx_errors"
	case RxStalls:
		return "rx_stalls"
	case Notifications:
		return "notifications"
	case Interrupts:
		return "interrupts"
	case ICTInterrupts:
		return "ict_interrupts"
	case Reinits:
		return "reinits"
	case DMAInUse:
		return "dma_in_use"
	}
	return ""
}

// Gauge reports whether c is a level rather than a monotonic counter.
// Since keeps gauges at their current value.
func (c Counter) Gauge() bool { return c == DMAInUse }

// Per-device values.
type DevStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]DevStats

// Source is anything reporting transport counters, usually *trans.Transport.
type Source interface {
	Stats() trans.Stats
}

// FromTransport converts transport counters.
func FromTransport(s trans.Stats) DevStats {
	return DevStats{
		CmdsPosted:    s.CmdsPosted,
		CmdsCompleted: s.CmdsCompleted,
		CmdsTimedOut:  s.CmdsTimedOut,
		CmdsCancelled: s.CmdsCancelled,
		CmdsAbandoned: s.CmdsAbandoned,
		RingFull:      s.RingFull,
		Spurious:      s.Spurious,
		RxFrames:      s.RxFrames,
		RxBytes:       s.RxBytes,
		RxErrors:      s.RxErrors,
		RxStalls:      s.RxStalls,
		Notifications: s.Notifications,
		Interrupts:    s.Interrupts,
		ICTInterrupts: s.ICTInterrupts,
		Reinits:       s.Reinits,
		DMAInUse:      s.DMAInUse,
	}
}

// Snapshot reads the counters of all devices.
func Snapshot(devs map[string]Source) Stats {
	s := make(Stats, len(devs))
	for name, src := range devs {
		s[name] = FromTransport(src.Stats())
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for dev, now := range s {
		prev := old[dev]
		diff := make(DevStats, len(now))
		for ctr, v := range now {
			if ctr.Gauge() {
				diff[ctr] = v
				continue
			}
			diff[ctr] = v - prev[ctr]
		}
		out[dev] = diff
	}
	return out
}

func (s Stats) devices() []string {
	devs := make([]string, 0, len(s))
	for dev := range s {
		devs = append(devs, dev)
	}
	slices.Sort(devs)
	return devs
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	for _, dev := range s.devices() {
		stats := s[dev]

		if alias, ok := aliases[dev]; ok {
			fmt.Fprintf(w, "%s (%s):\n", dev, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", dev)
		}

		fmt.Fprintf(w, "  CMD  posted %-10d completed %-10d timed out %-6d cancelled %-6d abandoned %d\n",
			stats[CmdsPosted], stats[CmdsCompleted], stats[CmdsTimedOut],
			stats[CmdsCancelled], stats[CmdsAbandoned],
		)
		rxBytes := stats[RxBytes]
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s) errors %d stalls %d\n",
			stats[RxFrames], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			stats[RxErrors], stats[RxStalls],
		)
		fmt.Fprintf(w, "  IRQ  %-12d  ict %d  notifications %d  spurious %d  ring full %d  reinits %d\n",
			stats[Interrupts], stats[ICTInterrupts], stats[Notifications],
			stats[Spurious], stats[RingFull], stats[Reinits],
		)
		_, err := fmt.Fprintf(w, "  DMA  %s\n", humanize.IBytes(stats[DMAInUse]))
		if err != nil {
			return err
		}
	}
	return nil
}

// record is the persisted form of one device's counters.
type record struct {
	Device string
	Values []uint64 // Indexed by Counter.
}

// Encode serializes s.
func Encode(s Stats) ([]byte, error) {
	recs := make([]record, 0, len(s))
	for _, dev := range s.devices() {
		vals := make([]uint64, NumCounters)
		for ctr, v := range s[dev] {
			if ctr >= 0 && ctr < NumCounters {
				vals[ctr] = v
			}
		}
		recs = append(recs, record{Device: dev, Values: vals})
	}
	return binary.Marshal(recs)
}

// Decode parses data produced by Encode. Counters missing from data,
// for example because it was written by an older build, are zero.
func Decode(data []byte) (Stats, error) {
	var recs []record
	if err := binary.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	s := make(Stats, len(recs))
	for _, r := range recs {
		ds := make(DevStats, NumCounters)
		for ctr := range NumCounters {
			var v uint64
			if int(ctr) < len(r.Values) {
				v = r.Values[ctr]
			}
			ds[ctr] = v
		}
		s[r.Device] = ds
	}
	return s, nil
}

// Save writes s to path.
func Save(path string, s Stats) error {
	b, err := Encode(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Load reads stats written by Save.
func Load(path string) (Stats, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
