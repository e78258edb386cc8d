// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/calibration"
	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocket message types
type WSMessage struct {
	Action  string `json:"action"` // init, next, cancel
	Channel int    `json:"channel,omitempty"`
}

type WSResponse struct {
	Type      string                 `json:"type"` // session, phase, action, iteration, complete, error
	Session   string                 `json:"session,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	PF        float64                `json:"pf,omitempty"`
	Iteration *calibration.Iteration `json:"iteration,omitempty"`
	Results   *CalibrationResult     `json:"results,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateReversed
	stateSearching
)

// CalibrationHandler runs phasecal searches over a websocket connection.
// A session holds the acquisition guard from init until its search
// finishes, so regular sampling pauses only meanwhile.
type CalibrationHandler struct {
	source     sensors.Source
	guard      *sensors.Guard
	channels   []power.ChannelConfig
	samples    int
	resultsDir string // "" keeps results in memory only
	logger     *zap.Logger
}

func NewCalibrationHandler(src sensors.Source, guard *sensors.Guard, channels []power.ChannelConfig, samples int, resultsDir string, logger *zap.Logger) *CalibrationHandler {
	return &CalibrationHandler{
		source:     src,
		guard:      guard,
		channels:   channels,
		samples:    samples,
		resultsDir: resultsDir,
		logger:     logger,
	}
}

type calibrationSession struct {
	id      string
	h       *CalibrationHandler
	conn    *websocket.Conn
	writeMu sync.Mutex
	channel power.ChannelConfig
	mu      sync.Mutex // guards state and held
	state   sessionState
	held    bool
	logger  *zap.Logger
}

func (h *CalibrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("calibration: websocket upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	s := &calibrationSession{
		id:     id,
		h:      h,
		conn:   conn,
		logger: h.logger.With(zap.String("session", id)),
	}
	s.run(r.Context())
}

func (s *calibrationSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.release()
		s.conn.Close()
	}()

	s.send(WSResponse{Type: "session", Session: s.id})

	// Main message loop
	for {
		var msg WSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("calibration: websocket read", zap.Error(err))
			return
		}

		switch msg.Action {
		case "init":
			if s.currentState() != stateIdle {
				s.sendError("session already initialized")
				continue
			}
			ch, ok := s.h.find(msg.Channel)
			if !ok {
				s.sendError("unknown or disabled channel")
				continue
			}
			s.channel = ch
			if err := s.h.guard.Acquire(ctx); err != nil {
				return
			}
			s.mu.Lock()
			s.held = true
			s.mu.Unlock()
			s.logger.Info("calibration: initialized", zap.Int("ct", ch.ID))
			if !s.checkOrientation(ctx, &wg, false) {
				return
			}

		case "next":
			if s.currentState() != stateReversed {
				s.sendError("nothing to continue")
				continue
			}
			if !s.checkOrientation(ctx, &wg, true) {
				return
			}

		case "cancel":
			s.logger.Info("calibration: cancelled by user")
			return

		default:
			s.sendError("unknown action " + msg.Action)
		}
	}
}

// checkOrientation starts the search when the CT reads the right way
// round. A first negative reading asks the operator to reverse the CT; a
// second one ends the session. It returns false when the session must end.
func (s *calibrationSession) checkOrientation(ctx context.Context, wg *sync.WaitGroup, retry bool) bool {
	s.send(WSResponse{Type: "phase", Phase: "orientation"})
	pf, err := Orientation(ctx, s.h.source, s.channel, s.h.samples)
	switch {
	case errors.Is(err, calibration.ErrReversedCT) && !retry:
		s.setState(stateReversed)
		s.send(WSResponse{Type: "action", PF: pf, Message: "power factor is negative, reverse the CT and send next"})
		return true
	case err != nil:
		s.sendError(err.Error())
		return false
	}

	s.setState(stateSearching)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.search(ctx)
	}()
	return true
}

func (s *calibrationSession) search(ctx context.Context) {
	s.send(WSResponse{Type: "phase", Phase: "search"})
	res, err := Calibrate(ctx, s.h.source, s.channel, s.h.samples, func(it calibration.Iteration) {
		s.send(WSResponse{Type: "iteration", Iteration: &it})
	}, s.logger)
	s.release()
	s.setState(stateIdle)
	if err != nil {
		if ctx.Err() == nil {
			s.sendError(err.Error())
		}
		return
	}

	if s.h.resultsDir != "" {
		path, err := SaveResult(s.h.resultsDir, res)
		if err != nil {
			s.logger.Error("calibration: save result", zap.Error(err))
		} else {
			s.logger.Info("calibration: result saved", zap.String("path", path))
		}
	}
	s.send(WSResponse{Type: "complete", Results: &res})
}

// release hands the acquisition guard back to the sampler if the session
// holds it.
func (s *calibrationSession) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		s.h.guard.Release()
		s.held = false
	}
}

func (s *calibrationSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *calibrationSession) setState(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *calibrationSession) send(resp WSResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(resp); err != nil {
		s.logger.Debug("calibration: websocket write", zap.Error(err))
	}
}

func (s *calibrationSession) sendError(message string) {
	s.send(WSResponse{Type: "error", Message: message})
}

func (h *CalibrationHandler) find(id int) (power.ChannelConfig, bool) {
	for _, c := range h.channels {
		if c.ID == id {
			return c, true
		}
	}
	return power.ChannelConfig{}, false
}
