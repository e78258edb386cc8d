package app

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

// WriteTable prints one snapshot as a Watts/Current/P.F./Voltage grid with a
// column per channel, followed by the summaries.
func WriteTable(w io.Writer, s aggregate.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	ids := s.ChannelIDs()

	fmt.Fprintf(tw, "%s\t", s.Time.Format("15:04:05"))
	for _, id := range ids {
		fmt.Fprintf(tw, "ct%d\t", id)
	}
	fmt.Fprintln(tw, "home\tproduction\tnet\t")

	home := s.Summaries[aggregate.HomeConsumption]
	prod := s.Summaries[aggregate.Production]
	net := s.Summaries[aggregate.Net]

	fmt.Fprint(tw, "Watts\t")
	for _, id := range ids {
		fmt.Fprintf(tw, "%.3f\t", s.Channels[id].Power)
	}
	fmt.Fprintf(tw, "%.3f\t%.3f\t%.3f\t\n", home.Power, prod.Power, net.Power)

	fmt.Fprint(tw, "Current\t")
	for _, id := range ids {
		fmt.Fprintf(tw, "%.3f\t", s.Channels[id].Current)
	}
	fmt.Fprintf(tw, "%.3f\t%.3f\t%.3f\t\n", home.Current, prod.Current, net.Current)

	fmt.Fprint(tw, "P.F.\t")
	for _, id := range ids {
		fmt.Fprintf(tw, "%.3f\t", s.Channels[id].PF)
	}
	fmt.Fprintf(tw, "\t%.3f\t\t\n", prod.PF)

	fmt.Fprintf(tw, "Voltage\t%.3f\t\n", s.Voltage)
	fmt.Fprintf(tw, "Status\t%s\t\n", s.Status)
	return tw.Flush()
}
