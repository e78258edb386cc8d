// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// Summary names, also used as MQTT topic segments.
const (
	HomeConsumption = "home-consumption"
	Production      = "production"
	Net             = "net"
)

// Sink record measurement names.
const (
	MeasurementCT         = "raw_cts"
	MeasurementHomeLoad   = "home_load"
	MeasurementProduction = "production"
	MeasurementNet        = "net"
	MeasurementVoltage    = "voltages"
)

const (
	StatusProducing = "Producing"
	StatusConsuming = "Consuming"
)

type Config struct {
	Window             int     // SMA capacity
	WriteThreshold     int     // cycles between sink writes
	ProductionMinWatts float64 // production below this is reported as 0
}

func DefaultConfig() Config {
	return Config{Window: 2, WriteThreshold: 2, ProductionMinWatts: 20}
}

func (c Config) Validate() error {
	if c.Window < 1 {
		return fmt.Errorf("aggregation window must be >= 1, got %d", c.Window)
	}
	if c.WriteThreshold < 1 {
		return fmt.Errorf("write threshold must be >= 1, got %d", c.WriteThreshold)
	}
	if c.ProductionMinWatts < 0 {
		return errors.New("production_min_watts must not be negative")
	}
	return nil
}

// Record is one opaque measurement handed to the sink.
type Record struct {
	Measurement string             `json:"measurement"`
	Tags        map[string]string  `json:"tags,omitempty"`
	Fields      map[string]float64 `json:"fields"`
	Time        time.Time          `json:"time"`
}

// Snapshot is the smoothed state published after a write cycle. Its maps are
// freshly allocated and never mutated after publication.
type Snapshot struct {
	Time      time.Time                    `json:"time"`
	Cycle     uint64                       `json:"cycle"`
	Channels  map[int]power.Measurement    `json:"channels"`
	Names     map[int]string               `json:"names"`
	Summaries map[string]power.Measurement `json:"summaries"`
	Voltage   float64                      `json:"voltage"`
	Status    string                       `json:"status"`
}

// ChannelIDs returns the snapshot's channel ids in ascending order.
func (s Snapshot) ChannelIDs() []int {
	ids := make([]int, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Flush is produced once every WriteThreshold cycles.
type Flush struct {
	Records  []Record
	Snapshot Snapshot
}

type windows struct {
	power, current, pf, voltage *RollingWindow
}

func newWindows(capacity int) *windows {
	return &windows{
		power:   NewRollingWindow(capacity),
		current: NewRollingWindow(capacity),
		pf:      NewRollingWindow(capacity),
		voltage: NewRollingWindow(capacity),
	}
}

func (w *windows) push(m power.Measurement) power.Measurement {
	return power.Measurement{
		Power:   w.power.Push(m.Power),
		Current: w.current.Push(m.Current),
		PF:      w.pf.Push(m.PF),
		Voltage: w.voltage.Push(m.Voltage),
	}
}

// Aggregator smooths per-channel and summary metrics and decides when the
// sink is written. It is owned by the sampling goroutine.
type Aggregator struct {
	cfg       Config
	channels  []power.ChannelConfig
	perCT     map[int]*windows
	summaries map[string]*windows
	voltage   *RollingWindow
	cycles    int
	flushes   uint64
}

func New(channels []power.ChannelConfig, cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, errors.New("aggregator needs at least one channel")
	}
	sorted := append([]power.ChannelConfig(nil), channels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	a := &Aggregator{
		cfg:       cfg,
		channels:  sorted,
		perCT:     make(map[int]*windows, len(sorted)),
		summaries: make(map[string]*windows, 3),
		voltage:   NewRollingWindow(cfg.Window),
	}
	for _, c := range sorted {
		a.perCT[c.ID] = newWindows(cfg.Window)
	}
	for _, name := range []string{HomeConsumption, Production, Net} {
		a.summaries[name] = newWindows(cfg.Window)
	}
	return a, nil
}

// Summarize derives production, net and home consumption from one cycle's
// channel readings.
func Summarize(channels []power.ChannelConfig, readings map[int]power.Measurement, productionMin float64) map[string]power.Measurement {
	var prod, mains, cons power.Measurement
	var prodCount, prodPF float64
	hasMains := false

	for _, c := range channels {
		r, ok := readings[c.ID]
		if !ok {
			continue
		}
		switch c.Type {
		case power.Production:
			prod.Power += r.Power
			prod.Current += math.Abs(r.Current)
			prodPF += r.PF
			prodCount++
		case power.Mains:
			hasMains = true
			mains.Power += r.Power
			mains.Current += r.Current
		default:
			cons.Power += r.Power
			cons.Current += r.Current
		}
	}

	if prodCount > 0 {
		prod.PF = prodPF / prodCount
	}
	if prod.Power < productionMin {
		prod = power.Measurement{}
	}
	// Current flows out of the home while producing.
	prod.Current = -prod.Current

	var home, net power.Measurement
	if hasMains {
		net = mains
		home.Power = net.Power + prod.Power
		home.Current = net.Current - prod.Current
	} else {
		home = cons
		net.Power = home.Power - prod.Power
		net.Current = home.Current + prod.Current
	}

	return map[string]power.Measurement{
		HomeConsumption: home,
		Production:      prod,
		Net:             net,
	}
}

// Add pushes one cycle of readings. Every WriteThreshold cycles it returns the
// smoothed records and a new snapshot.
func (a *Aggregator) Add(ts time.Time, readings map[int]power.Measurement) (Flush, bool) {
	smoothed := make(map[int]power.Measurement, len(a.channels))
	var voltage float64
	voltageSet := false
	for _, c := range a.channels {
		r, ok := readings[c.ID]
		if !ok {
			continue
		}
		smoothed[c.ID] = a.perCT[c.ID].push(r)
		if !voltageSet {
			voltage = a.voltage.Push(r.Voltage)
			voltageSet = true
		}
	}
	if !voltageSet {
		voltage = a.voltage.Mean()
	}

	sums := Summarize(a.channels, readings, a.cfg.ProductionMinWatts)
	smoothedSums := make(map[string]power.Measurement, len(sums))
	for name, m := range sums {
		s := a.summaries[name].push(m)
		s.Voltage = voltage
		smoothedSums[name] = s
	}

	a.cycles++
	if a.cycles < a.cfg.WriteThreshold {
		return Flush{}, false
	}
	a.cycles = 0
	a.flushes++

	status := StatusConsuming
	if smoothedSums[Net].Power < 0 {
		status = StatusProducing
	}

	names := make(map[int]string, len(a.channels))
	for _, c := range a.channels {
		names[c.ID] = c.Name
	}

	snap := Snapshot{
		Time:      ts,
		Cycle:     a.flushes,
		Channels:  smoothed,
		Names:     names,
		Summaries: smoothedSums,
		Voltage:   voltage,
		Status:    status,
	}
	return Flush{Records: a.records(snap), Snapshot: snap}, true
}

func (a *Aggregator) records(s Snapshot) []Record {
	out := make([]Record, 0, len(s.Channels)+4)
	for _, id := range s.ChannelIDs() {
		m := s.Channels[id]
		out = append(out, Record{
			Measurement: MeasurementCT,
			Tags:        map[string]string{"ct": strconv.Itoa(id), "name": s.Names[id]},
			Fields:      map[string]float64{"power": m.Power, "current": m.Current, "pf": m.PF},
			Time:        s.Time,
		})
	}

	home := s.Summaries[HomeConsumption]
	prod := s.Summaries[Production]
	net := s.Summaries[Net]
	out = append(out,
		Record{
			Measurement: MeasurementHomeLoad,
			Fields:      map[string]float64{"power": home.Power, "current": home.Current},
			Time:        s.Time,
		},
		Record{
			Measurement: MeasurementProduction,
			Fields:      map[string]float64{"power": prod.Power, "current": prod.Current, "pf": prod.PF},
			Time:        s.Time,
		},
		Record{
			Measurement: MeasurementNet,
			Tags:        map[string]string{"status": s.Status},
			Fields:      map[string]float64{"power": net.Power, "current": net.Current},
			Time:        s.Time,
		},
		Record{
			Measurement: MeasurementVoltage,
			Fields:      map[string]float64{"voltage": s.Voltage},
			Time:        s.Time,
		},
	)
	return out
}
