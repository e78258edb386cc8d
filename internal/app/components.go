package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/config"
	"github.com/relabs-tech/power_monitor/internal/plugin"
	"github.com/relabs-tech/power_monitor/internal/sensors"
	"github.com/relabs-tech/power_monitor/internal/sink"
)

// OpenSource returns the acquisition source wrapped with timeouts and
// retries, and a closer for the underlying device.
func OpenSource(cfg *config.Config, clock func() time.Time, logger *zap.Logger) (sensors.Source, func() error, error) {
	a := cfg.Acquisition
	if clock == nil {
		clock = time.Now
	}

	var (
		src    sensors.Source
		closer = func() error { return nil }
	)
	if a.Mock {
		loads := make(map[int]sensors.Load)
		for i, ch := range cfg.Channels() {
			loads[ch.ID] = sensors.Load{Amplitude: 150 - 20*float64(i%5), Shift: 0.1 * float64(i)}
		}
		syn := sensors.NewSynthetic(loads)
		syn.Clock = clock
		syn.Realtime = true
		src = syn
		logger.Warn("using the synthetic source, readings are simulated")
	} else {
		adc, err := sensors.OpenMCP3008(a.SPIPort, a.SpeedHz)
		if err != nil {
			return nil, nil, err
		}
		src = sensors.NewADCSource(adc, sensors.ADCSourceConfig{
			VoltageChannel:      a.VoltageChannel,
			BoardVoltageChannel: a.BoardVoltageChannel,
			BoardReference:      a.BoardReference,
			Clock:               clock,
		}, logger.Named("adc"))
		closer = adc.Close
		logger.Info("MCP3008 opened", zap.String("port", a.SPIPort), zap.Int64("speed_hz", a.SpeedHz))
	}

	retrying := sensors.NewRetrying(src, sensors.RetryConfig{
		Timeout:    a.Timeout,
		MaxRetries: uint64(a.Retries),
	}, logger.Named("acquisition"))
	return retrying, closer, nil
}

// BuildSink returns the configured sink behind a retrying writer.
func BuildSink(cfg config.DatabaseConfig, logger *zap.Logger) (sink.Sink, error) {
	retry := sink.RetryConfig{Timeout: cfg.Timeout, MaxRetries: uint64(cfg.Retries)}
	switch cfg.Sink {
	case "", "none":
		return sink.Nop{}, nil
	case "prometheus":
		p := sink.NewPrometheus(sink.PrometheusConfig{
			URL:      cfg.Prometheus.URL,
			Username: cfg.Prometheus.Username,
			Password: cfg.Prometheus.Password,
			Timeout:  cfg.Timeout,
		})
		return sink.NewRetrying("prometheus", p, retry, logger.Named("prometheus")), nil
	case "kafka":
		k := sink.NewKafka(sink.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		return sink.NewRetrying("kafka", k, retry, logger.Named("kafka")), nil
	}
	return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
}

// BuildPlugins returns the enabled plugins. The live plugin is also
// returned on its own so the HTTP server can mount it.
func BuildPlugins(cfg config.PluginsConfig, logger *zap.Logger) ([]plugin.Plugin, *plugin.Live) {
	var plugins []plugin.Plugin
	if m := cfg.MQTT; m.Enabled {
		plugins = append(plugins, plugin.NewMQTT(plugin.MQTTConfig{
			Host:               m.Host,
			Port:               m.Port,
			Username:           m.Username,
			Password:           m.Password,
			ClientID:           m.ClientID,
			Prefix:             m.Prefix,
			RefreshRate:        seconds(m.RefreshRate),
			PowerChange:        m.PowerChange,
			CurrentChange:      m.CurrentChange,
			PFChange:           m.PFChange,
			VoltageChange:      m.VoltageChange,
			MaxPublishInterval: seconds(m.MaxPublishInterval),
		}, logger.Named("mqtt")))
	}
	if d := cfg.Display; d.Enabled {
		plugins = append(plugins, plugin.NewDisplay(plugin.DisplayConfig{
			Bus:     d.Bus,
			Address: d.Address,
			Refresh: d.Refresh,
		}, logger.Named("display")))
	}
	var live *plugin.Live
	if cfg.Live.Enabled {
		live = plugin.NewLive(logger.Named("live"))
		plugins = append(plugins, live)
	}
	return plugins, live
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
