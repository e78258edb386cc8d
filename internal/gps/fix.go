package gps

import (
	"errors"
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

var (
	ErrNotRMC  = errors.New("not an RMC sentence")
	ErrNoFix   = errors.New("receiver has no valid fix")
	ErrNoClock = errors.New("sentence carries no date or time")
)

// Fix is the part of an RMC sentence the clock needs.
type Fix struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
}

// ParseRMC parses one NMEA line. Only valid RMC fixes with both date and
// time are accepted.
func ParseRMC(line string) (Fix, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, ErrNotRMC
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, fmt.Errorf("parse nmea: %w", err)
	}
	if sentence.DataType() != nmea.TypeRMC {
		return Fix{}, ErrNotRMC
	}
	m := sentence.(nmea.RMC)
	if m.Validity != nmea.ValidRMC {
		return Fix{}, ErrNoFix
	}
	if !m.Date.Valid || !m.Time.Valid {
		return Fix{}, ErrNoClock
	}
	return Fix{
		Time:      utc(m.Date, m.Time),
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
	}, nil
}

// RMC carries a two-digit year; 70-99 map to the 1900s.
func utc(d nmea.Date, t nmea.Time) time.Time {
	year := 2000 + d.YY
	if d.YY >= 70 {
		year = 1900 + d.YY
	}
	return time.Date(year, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
