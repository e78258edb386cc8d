package sensors

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/power_monitor/internal/power"
)

const dumpMetaPrefix = "# "

// WriteDump writes a batch as CSV: a metadata comment line, a header of
// sample,ct<N>,v<N>,... columns, and one row per sample.
func WriteDump(w io.Writer, batch *power.SampleBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	ids := make([]int, 0, len(batch.Channels))
	for id := range batch.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	meta := fmt.Sprintf("%sduration_ns=%d timestamp=%s\n", dumpMetaPrefix,
		batch.Duration.Nanoseconds(), batch.Timestamp.UTC().Format(time.RFC3339Nano))
	if _, err := io.WriteString(w, meta); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"sample"}
	for _, id := range ids {
		header = append(header, fmt.Sprintf("ct%d", id), fmt.Sprintf("v%d", id))
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	n := batch.Channels[ids[0]].Len()
	row := make([]string, len(header))
	for i := 0; i < n; i++ {
		row[0] = strconv.Itoa(i)
		for k, id := range ids {
			s := batch.Channels[id]
			if i >= s.Len() {
				return fmt.Errorf("%w: ct%d has %d samples, expected %d", power.ErrInvalidBatch, id, s.Len(), n)
			}
			row[1+2*k] = strconv.Itoa(s.Current[i])
			row[2+2*k] = strconv.Itoa(s.Voltage[i])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDump parses a file written by WriteDump back into a batch.
func ReadDump(r io.Reader) (*power.SampleBatch, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("dump metadata: %w", err)
	}
	batch := &power.SampleBatch{Channels: map[int]power.ChannelSamples{}}
	if err := parseMeta(strings.TrimSpace(line), batch); err != nil {
		return nil, err
	}

	cr := csv.NewReader(br)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("dump header: %w", err)
	}
	if len(header) < 3 || (len(header)-1)%2 != 0 {
		return nil, fmt.Errorf("dump header: unexpected columns %v", header)
	}
	ids := make([]int, 0, (len(header)-1)/2)
	for k := 1; k < len(header); k += 2 {
		id, err := strconv.Atoi(strings.TrimPrefix(header[k], "ct"))
		if err != nil || header[k+1] != "v"+strconv.Itoa(id) {
			return nil, fmt.Errorf("dump header: bad column pair %q,%q", header[k], header[k+1])
		}
		ids = append(ids, id)
	}

	series := make([]power.ChannelSamples, len(ids))
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dump row: %w", err)
		}
		for k := range ids {
			c, err := strconv.Atoi(rec[1+2*k])
			if err != nil {
				return nil, fmt.Errorf("dump row %s: %w", rec[0], err)
			}
			v, err := strconv.Atoi(rec[2+2*k])
			if err != nil {
				return nil, fmt.Errorf("dump row %s: %w", rec[0], err)
			}
			series[k].Current = append(series[k].Current, c)
			series[k].Voltage = append(series[k].Voltage, v)
		}
	}
	for k, id := range ids {
		batch.Channels[id] = series[k]
	}
	return batch, batch.Validate()
}

func parseMeta(line string, batch *power.SampleBatch) error {
	if !strings.HasPrefix(line, strings.TrimSpace(dumpMetaPrefix)) {
		return fmt.Errorf("dump metadata: missing %q line", dumpMetaPrefix)
	}
	for _, field := range strings.Fields(strings.TrimPrefix(line, "#")) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "duration_ns":
			ns, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("dump metadata duration: %w", err)
			}
			batch.Duration = time.Duration(ns)
		case "timestamp":
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return fmt.Errorf("dump metadata timestamp: %w", err)
			}
			batch.Timestamp = ts
		}
	}
	return nil
}
