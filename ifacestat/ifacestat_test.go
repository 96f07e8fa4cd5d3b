package ifacestat_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/kelindar/binary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/iwatrans/ifacestat"
	"github.com/romshark/iwatrans/trans"
)

type fixedSource trans.Stats

func (s fixedSource) Stats() trans.Stats { return trans.Stats(s) }

func TestSnapshotSince(t *testing.T) {
	old := ifacestat.Snapshot(map[string]ifacestat.Source{
		"iwa0": fixedSource{CmdsPosted: 10, RxBytes: 1000, DMAInUse: 4096},
	})
	now := ifacestat.Snapshot(map[string]ifacestat.Source{
		"iwa0": fixedSource{CmdsPosted: 25, RxBytes: 5000, DMAInUse: 8192},
		"iwa1": fixedSource{Interrupts: 3},
	})

	d := now.Since(old)
	assert.Equal(t, uint64(15), d["iwa0"][ifacestat.CmdsPosted])
	assert.Equal(t, uint64(4000), d["iwa0"][ifacestat.RxBytes])
	assert.Equal(t, uint64(8192), d["iwa0"][ifacestat.DMAInUse], "gauges are not diffed")
	assert.Equal(t, uint64(3), d["iwa1"][ifacestat.Interrupts])
	assert.Len(t, d["iwa0"], int(ifacestat.NumCounters))
}

func TestCounterNames(t *testing.T) {
	seen := make(map[string]bool)
	for c := range ifacestat.NumCounters {
		name := c.String()
		require.NotEmpty(t, name, "counter %d", int(c))
		require.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
	assert.Empty(t, ifacestat.NumCounters.String())
}

func TestPrint(t *testing.T) {
	s := ifacestat.Stats{
		"iwa0": ifacestat.FromTransport(trans.Stats{
			CmdsPosted: 1234, RxFrames: 7, RxBytes: 2_500_000, DMAInUse: 3 << 20,
		}),
		"iwa1": ifacestat.DevStats{},
	}
	var buf bytes.Buffer
	require.NoError(t, ifacestat.Print(&buf, s, map[string]string{"iwa0": "sim"}))
	out := buf.String()
	assert.Contains(t, out, "iwa0 (sim):")
	assert.Contains(t, out, "iwa1 :")
	assert.Contains(t, out, "posted 1234")
	assert.Contains(t, out, "2.5 MB")
	assert.Contains(t, out, "2,500,000")
	assert.Contains(t, out, "3.0 MiB")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("iwa0")), bytes.Index(buf.Bytes(), []byte("iwa1")))
}

func TestSaveLoad(t *testing.T) {
	s := ifacestat.Stats{
		"iwa0": ifacestat.FromTransport(trans.Stats{CmdsCompleted: 99, Reinits: 2}),
	}
	p := filepath.Join(t.TempDir(), "baseline.bin")
	require.NoError(t, ifacestat.Save(p, s))

	got, err := ifacestat.Load(p)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

// Records written with fewer counters decode with the rest zeroed.
func TestDecodeShortRecord(t *testing.T) {
	type record struct {
		Device string
		Values []uint64
	}
	b, err := binary.Marshal([]record{{Device: "iwa0", Values: []uint64{5, 4}}})
	require.NoError(t, err)

	s, err := ifacestat.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s["iwa0"][ifacestat.CmdsPosted])
	assert.Equal(t, uint64(4), s["iwa0"][ifacestat.CmdsCompleted])
	assert.Zero(t, s["iwa0"][ifacestat.DMAInUse])
	assert.Len(t, s["iwa0"], int(ifacestat.NumCounters))
}

func TestLoadMissing(t *testing.T) {
	_, err := ifacestat.Load(filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
}
