// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// Step multipliers applied to the candidate phasecal.
const (
	Increment    = 1.005
	Decrement    = 0.995
	BigIncrement = 1.01
	BigDecrement = 0.98
)

// ErrReversedCT means the CT produced a negative power factor under a
// resistive load and has to be physically reversed before calibrating.
var ErrReversedCT = errors.New("negative power factor, CT appears to be installed backwards")

// Probe measures the signed power factor of one channel for a candidate phasecal.
type Probe interface {
	PowerFactor(ctx context.Context, phasecal float64) (float64, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, phasecal float64) (float64, error)

func (f ProbeFunc) PowerFactor(ctx context.Context, phasecal float64) (float64, error) {
	return f(ctx, phasecal)
}

// Iteration is reported to the Observer after every probe inside a trial.
type Iteration struct {
	Trial    int     `json:"trial"`
	Step     int     `json:"step"`
	Phasecal float64 `json:"phasecal"`
	PF       float64 `json:"pf"`
	BestPF   float64 `json:"best_pf"`
}

type Options struct {
	AccuracyDigits int     // PF digits that must round to 1.0, default 4
	Start          float64 // initial phasecal, default 1.0
	Trials         int     // default 3
	MaxIterations  int     // per trial, default 75
	Observer       func(Iteration)
}

func (o Options) withDefaults() Options {
	if o.AccuracyDigits <= 0 {
		o.AccuracyDigits = 4
	}
	if o.Start <= 0 {
		o.Start = 1.0
	}
	if o.Trials <= 0 {
		o.Trials = 3
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 75
	}
	return o
}

// Result is the best candidate seen in one trial. Best means the largest PF,
// which can be an overshoot past 1.0.
type Result struct {
	PF         float64 `json:"pf"`
	Phasecal   float64 `json:"phasecal"`
	Iterations int     `json:"iterations"`
	Converged  bool    `json:"converged"`
}

// Outcome holds every trial and the recommended phasecal, their mean.
type Outcome struct {
	Trials   []Result `json:"trials"`
	Phasecal float64  `json:"phasecal"`
}

// Searcher runs the adaptive phasecal hill-climb for one channel.
type Searcher struct {
	probe  Probe
	opts   Options
	logger *zap.Logger
}

func NewSearcher(probe Probe, opts Options, logger *zap.Logger) *Searcher {
	return &Searcher{
		probe:  probe,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// climb is the mutable state of the search, carried across trials.
type climb struct {
	inc, dec    float64
	cal, pf     float64
	prevCal     float64
	prevPF      float64
	trends      []float64
	direction   int
	pendingUndo bool
}

// Search drives the probe until the power factor rounds to 1.0 at the
// configured accuracy, or each trial runs out of iterations. Every probe
// after the first is expected to use a fresh sample batch.
func (s *Searcher) Search(ctx context.Context) (Outcome, error) {
	pf, err := s.probe.PowerFactor(ctx, s.opts.Start)
	if err != nil {
		return Outcome{}, fmt.Errorf("initial power factor: %w", err)
	}
	if pf < 0 {
		return Outcome{}, fmt.Errorf("%w (pf %.4f)", ErrReversedCT, pf)
	}

	st := &climb{
		inc:       Increment,
		dec:       Decrement,
		cal:       s.opts.Start,
		pf:        pf,
		prevCal:   s.opts.Start,
		prevPF:    pf,
		direction: 1,
	}
	if pf >= 1 {
		st.direction = -1
	}

	out := Outcome{Trials: make([]Result, 0, s.opts.Trials)}
	for trial := 1; trial <= s.opts.Trials; trial++ {
		res, err := s.trial(ctx, trial, st)
		if err != nil {
			return out, err
		}
		s.logger.Debug("calibration trial finished",
			zap.Int("trial", trial),
			zap.Float64("best_pf", res.PF),
			zap.Float64("phasecal", res.Phasecal),
			zap.Int("iterations", res.Iterations),
			zap.Bool("converged", res.Converged),
		)
		out.Trials = append(out.Trials, res)
	}

	var sum float64
	for _, r := range out.Trials {
		sum += r.Phasecal
	}
	out.Phasecal = sum / float64(len(out.Trials))
	return out, nil
}

func (s *Searcher) trial(ctx context.Context, trial int, st *climb) (Result, error) {
	best := Result{PF: st.pf, Phasecal: st.cal}

	for step := 0; step < s.opts.MaxIterations; step++ {
		if roundTo(st.pf, s.opts.AccuracyDigits) == 1.0 {
			best.PF, best.Phasecal, best.Converged = st.pf, st.cal, true
			break
		}

		if !st.pendingUndo {
			if st.pf > 1 {
				st.direction = -1
			}
			st.cal = st.prevCal * s.stepFactor(st)
		}
		st.pendingUndo = false

		if err := ctx.Err(); err != nil {
			return best, err
		}
		pf, err := s.probe.PowerFactor(ctx, st.cal)
		if err != nil {
			return best, fmt.Errorf("trial %d step %d: %w", trial, step, err)
		}
		st.pf = pf
		best.Iterations++

		if pf > best.PF {
			best.PF, best.Phasecal = pf, st.cal
		}
		if s.opts.Observer != nil {
			s.opts.Observer(Iteration{Trial: trial, Step: step, Phasecal: st.cal, PF: pf, BestPF: best.PF})
		}

		st.trends = append(st.trends, pf-st.prevPF)
		if len(st.trends) == 2 {
			worse := st.trends[0] < 0 && st.trends[1] < 0
			st.trends = st.trends[:0]
			if worse {
				// Gentler steps, opposite direction, applied to the last
				// candidate. The reversal is judged on its own next round.
				st.inc = 1 + math.Abs(1-st.inc)/2
				st.dec = st.dec + (1-st.dec)/2
				st.direction = -st.direction
				if st.direction > 0 {
					st.cal *= st.inc
				} else {
					st.cal *= st.dec
				}
				st.pendingUndo = true
				continue
			}
		}
		st.prevCal, st.prevPF = st.cal, pf
	}
	return best, nil
}

// stepFactor picks the multiplier for the next candidate. Far from 1.0 the
// coarse steps are used.
func (s *Searcher) stepFactor(st *climb) float64 {
	coarse := roundTo(st.pf, 2) != 1.0
	switch {
	case st.direction > 0 && coarse:
		return BigIncrement
	case st.direction > 0:
		return st.inc
	case coarse:
		return BigDecrement
	default:
		return st.dec
	}
}

// CheckOrientation probes once at phasecal and reports ErrReversedCT when the
// power factor is negative.
func CheckOrientation(ctx context.Context, probe Probe, phasecal float64) (float64, error) {
	pf, err := probe.PowerFactor(ctx, phasecal)
	if err != nil {
		return 0, err
	}
	if pf < 0 {
		return pf, ErrReversedCT
	}
	return pf, nil
}

func roundTo(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}
