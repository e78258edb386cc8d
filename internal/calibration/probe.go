package calibration

import (
	"context"
	"fmt"

	"github.com/relabs-tech/power_monitor/internal/power"
)

// Collector supplies fresh sample batches for the channels asked for.
type Collector interface {
	Collect(ctx context.Context, samples int, channels []power.ChannelConfig) (*power.SampleBatch, error)
}

// LiveProbe measures the power factor of one channel on a new batch for
// every candidate. If Initial is set it is consumed by the first call.
type LiveProbe struct {
	Source  Collector
	Channel power.ChannelConfig
	Samples int
	Initial *power.SampleBatch
}

func (p *LiveProbe) PowerFactor(ctx context.Context, phasecal float64) (float64, error) {
	batch := p.Initial
	p.Initial = nil
	if batch == nil {
		var err error
		batch, err = p.Source.Collect(ctx, p.Samples, []power.ChannelConfig{p.Channel})
		if err != nil {
			return 0, err
		}
	}
	return BatchPowerFactor(batch, p.Channel, phasecal)
}

// BatchPowerFactor reconstructs the channel's voltage with phasecal and
// returns the signed power factor of the batch. The sign follows the
// channel's Reversed setting the same way power.Measure does.
func BatchPowerFactor(batch *power.SampleBatch, ch power.ChannelConfig, phasecal float64) (float64, error) {
	s, ok := batch.Channels[ch.ID]
	if !ok {
		return 0, fmt.Errorf("%w: ct%d not in batch", power.ErrInvalidBatch, ch.ID)
	}
	m, err := power.Accumulate(s.Current, power.Reconstruct(s.Voltage, phasecal))
	if err != nil {
		return 0, err
	}
	pf := m.PowerFactor()
	if ch.Reversed {
		pf = -pf
	}
	return pf, nil
}
