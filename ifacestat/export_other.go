//go:build !linux

package ifacestat

import "errors"

var errUnsupported = errors.New("ifacestat: bpf export requires linux")

type Exporter struct{}

func NewExporter(name, pinPath string) (*Exporter, error) { return nil, errUnsupported }

func (e *Exporter) Publish(s DevStats) error { return errUnsupported }

func (e *Exporter) Read() (DevStats, error) { return nil, errUnsupported }

func (e *Exporter) Close() error { return nil }
