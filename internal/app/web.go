package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/monitor"
	"github.com/relabs-tech/power_monitor/internal/power"
	"github.com/relabs-tech/power_monitor/internal/sensors"
)

// SnapshotSource is the read side of the monitor engine.
type SnapshotSource interface {
	Latest() *aggregate.Snapshot
	Stats() monitor.Stats
}

// API serves the JSON endpoints and the websocket sessions.
type API struct {
	Snapshots   SnapshotSource
	Channels    []power.ChannelConfig
	Grid        power.Grid
	Samples     int
	Source      sensors.Source
	Guard       *sensors.Guard
	Live        http.Handler // nil when the live plugin is disabled
	Calibration http.Handler
	Logger      *zap.Logger
}

// NewRouter wires the routes, request logging and panic recovery.
func NewRouter(api *API) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/snapshot", api.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", api.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/channels", api.handleChannels).Methods(http.MethodGet)
	r.HandleFunc("/api/phase-angle", api.handlePhaseAngle).Methods(http.MethodPost)
	if api.Live != nil {
		r.Handle("/ws/live", api.Live)
	}
	if api.Calibration != nil {
		r.Handle("/ws/calibration", api.Calibration)
	}

	stdLog := zap.NewStdLog(api.Logger)
	logged := handlers.LoggingHandler(stdLog.Writer(), r)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(stdLog),
		handlers.PrintRecoveryStack(true),
	)(logged)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s := a.Snapshots.Latest()
	if s == nil {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Snapshots.Stats())
}

func (a *API) handleChannels(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Channels)
}

type phaseAngleRequest struct {
	Channels []int `json:"channels,omitempty"` // empty measures every channel
}

// handlePhaseAngle pauses sampling for one batch and measures the phase
// angle of the requested channels.
func (a *API) handlePhaseAngle(w http.ResponseWriter, r *http.Request) {
	var req phaseAngleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	channels, err := selectChannels(a.Channels, req.Channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch, err := CollectBatch(r.Context(), a.Source, a.Guard, channels, a.Samples)
	if err != nil {
		a.Logger.Error("phase angle collect", zap.Error(err))
		http.Error(w, "acquisition failed", http.StatusServiceUnavailable)
		return
	}
	angles, err := PhaseAngles(batch, channels, a.Grid.Frequency)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	a.writeJSON(w, http.StatusOK, angles)
}

func selectChannels(all []power.ChannelConfig, ids []int) ([]power.ChannelConfig, error) {
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[int]power.ChannelConfig, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	out := make([]power.ChannelConfig, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, errors.New("unknown or disabled channel")
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Warn("json encode error", zap.Error(err))
	}
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
