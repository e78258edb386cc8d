package app

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/relabs-tech/power_monitor/internal/phase"
	"github.com/relabs-tech/power_monitor/internal/power"
)

// PhaseAngle is the measured lag of one channel.
type PhaseAngle struct {
	Channel int     `json:"channel"`
	Name    string  `json:"name"`
	Degrees float64 `json:"degrees"`
	Radians float64 `json:"radians"`
	Windows int     `json:"windows"`
}

// PhaseAngles measures every configured channel present in the batch.
func PhaseAngles(batch *power.SampleBatch, channels []power.ChannelConfig, frequency float64) ([]PhaseAngle, error) {
	ids := make([]int, 0, len(channels))
	names := make(map[int]string, len(channels))
	for _, c := range channels {
		if _, ok := batch.Channels[c.ID]; ok {
			ids = append(ids, c.ID)
			names[c.ID] = c.Name
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no configured channel in batch", power.ErrInvalidBatch)
	}

	results, err := phase.Measure(batch, ids, frequency)
	if err != nil {
		return nil, err
	}
	out := make([]PhaseAngle, 0, len(results))
	for id, r := range results {
		out = append(out, PhaseAngle{
			Channel: id,
			Name:    names[id],
			Degrees: r.Deg,
			Radians: r.Rad,
			Windows: len(r.CurrentPeaks),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func WritePhaseAngles(w io.Writer, angles []PhaseAngle) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CT\tName\tDegrees\tRadians\tWindows")
	for _, a := range angles {
		fmt.Fprintf(tw, "ct%d\t%s\t%.2f\t%.4f\t%d\n", a.Channel, a.Name, a.Degrees, a.Radians, a.Windows)
	}
	return tw.Flush()
}
