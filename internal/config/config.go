// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
	"github.com/relabs-tech/power_monitor/internal/power"
)

// MaxChannels is the number of CT inputs on the board.
const MaxChannels = 6

// defaultADC maps CT inputs 1-6 to MCP3008 channels; 4 and 5 carry the
// board reference and the AC voltage.
var defaultADC = [MaxChannels]int{0, 1, 2, 3, 6, 7}

// Config is the whole config.toml. Components receive the derived values
// (Channels, Grid, the per-section structs) rather than Config itself.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Acquisition AcquisitionConfig `toml:"acquisition"`
	GridVoltage GridConfig        `toml:"grid_voltage"`
	CTs         CTsConfig         `toml:"current_transformers"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Database    DatabaseConfig    `toml:"database"`
	Plugins     PluginsConfig     `toml:"plugins"`
	Web         WebConfig         `toml:"web"`
	Backups     BackupsConfig     `toml:"backups"`
	GPS         GPSConfig         `toml:"gps"`

	path string
}

type AcquisitionConfig struct {
	SPIPort             string        `toml:"spi_port" env:"PM_SPI_PORT" env-description:"SPI port, empty for the first one"`
	SpeedHz             int64         `toml:"speed_hz" env:"PM_SPI_SPEED_HZ" env-default:"1750000"`
	Samples             int           `toml:"samples" env:"PM_SAMPLES" env-default:"2000"`
	BoardVoltageChannel int           `toml:"board_voltage_channel" env-default:"4"`
	VoltageChannel      int           `toml:"voltage_channel" env-default:"5"`
	BoardReference      float64       `toml:"board_reference" env-default:"3.31"`
	Timeout             time.Duration `toml:"timeout" env-default:"5s"`
	Retries             int           `toml:"retries" env-default:"3"`
	PauseOnError        time.Duration `toml:"pause_on_error" env-default:"5s"`
	Mock                bool          `toml:"mock" env:"PM_MOCK" env-description:"use the synthetic source instead of the ADC"`
}

type GridConfig struct {
	Voltage                    float64 `toml:"grid_voltage" env:"PM_GRID_VOLTAGE" env-default:"124.2"`
	ACTransformerOutputVoltage float64 `toml:"ac_transformer_output_voltage" env-default:"10.2"`
	VoltageCalibration         float64 `toml:"voltage_calibration" env-default:"1.0"`
	Frequency                  float64 `toml:"frequency" env:"PM_GRID_FREQUENCY" env-default:"60"`
}

type ChannelSection struct {
	Name        string  `toml:"name"`
	Type        string  `toml:"type" env-default:"consumption"`
	Rating      float64 `toml:"rating" env-default:"100"`
	Calibration float64 `toml:"calibration" env-default:"1.0"`
	Phasecal    float64 `toml:"phasecal" env-default:"1.0"`
	TwoPole     bool    `toml:"two_pole"`
	Reversed    bool    `toml:"reversed"`
	Enabled     bool    `toml:"enabled" env:"ENABLED"`
	Cutoff      float64 `toml:"amps_cutoff_threshold"`
	ADCChannel  int     `toml:"adc_channel"` // 0 selects the board default for this input
}

type CTsConfig struct {
	Channel1 ChannelSection `toml:"channel_1" env-prefix:"PM_CT1_"`
	Channel2 ChannelSection `toml:"channel_2" env-prefix:"PM_CT2_"`
	Channel3 ChannelSection `toml:"channel_3" env-prefix:"PM_CT3_"`
	Channel4 ChannelSection `toml:"channel_4" env-prefix:"PM_CT4_"`
	Channel5 ChannelSection `toml:"channel_5" env-prefix:"PM_CT5_"`
	Channel6 ChannelSection `toml:"channel_6" env-prefix:"PM_CT6_"`
}

func (c *CTsConfig) sections() [MaxChannels]*ChannelSection {
	return [MaxChannels]*ChannelSection{&c.Channel1, &c.Channel2, &c.Channel3, &c.Channel4, &c.Channel5, &c.Channel6}
}

type AggregationConfig struct {
	Window             int     `toml:"window" env-default:"2"`
	WriteThreshold     int     `toml:"write_threshold" env-default:"2"`
	ProductionMinWatts float64 `toml:"production_min_watts" env-default:"20"`
}

type DatabaseConfig struct {
	Sink        string           `toml:"sink" env:"PM_SINK" env-default:"none" env-description:"prometheus, kafka or none"`
	Timeout     time.Duration    `toml:"timeout" env-default:"10s"`
	Retries     int              `toml:"retries" env-default:"3"`
	BufferSize  int              `toml:"buffer_size" env-default:"10000"`
	MaxFailures int              `toml:"max_failures"`
	Prometheus  PrometheusConfig `toml:"prometheus"`
	Kafka       KafkaConfig      `toml:"kafka"`
}

type PrometheusConfig struct {
	URL      string `toml:"url" env:"PM_PROMETHEUS_URL"`
	Username string `toml:"username" env:"PM_PROMETHEUS_USERNAME"`
	Password string `toml:"password" env:"PM_PROMETHEUS_PASSWORD"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers" env:"PM_KAFKA_BROKERS" env-separator:","`
	Topic   string   `toml:"topic" env:"PM_KAFKA_TOPIC" env-default:"power_monitor"`
}

type PluginsConfig struct {
	MQTT    MQTTPluginConfig    `toml:"mqtt"`
	Display DisplayPluginConfig `toml:"display"`
	Live    LivePluginConfig    `toml:"live"`
}

type MQTTPluginConfig struct {
	Enabled            bool    `toml:"enabled" env:"PM_MQTT_ENABLED"`
	Host               string  `toml:"host" env:"PM_MQTT_HOST" env-default:"localhost"`
	Port               int     `toml:"port" env:"PM_MQTT_PORT" env-default:"1883"`
	Username           string  `toml:"username" env:"PM_MQTT_USERNAME"`
	Password           string  `toml:"password" env:"PM_MQTT_PASSWORD"`
	ClientID           string  `toml:"client_id" env-default:"power-monitor"`
	Prefix             string  `toml:"prefix" env-default:"rpi_power_monitor"`
	RefreshRate        float64 `toml:"refresh_rate" env-default:"2"`
	PowerChange        float64 `toml:"power_change" env-default:"10"`
	CurrentChange      float64 `toml:"current_change" env-default:"0.1"`
	PFChange           float64 `toml:"pf_change" env-default:"0.05"`
	VoltageChange      float64 `toml:"voltage_change" env-default:"1"`
	MaxPublishInterval float64 `toml:"max_publish_seconds" env-default:"60"`
}

type DisplayPluginConfig struct {
	Enabled bool          `toml:"enabled"`
	Bus     string        `toml:"bus"`
	Address uint16        `toml:"address" env-default:"60"`
	Refresh time.Duration `toml:"refresh" env-default:"1s"`
}

type LivePluginConfig struct {
	Enabled bool `toml:"enabled"`
}

type WebConfig struct {
	Enabled bool   `toml:"enabled" env:"PM_WEB_ENABLED"`
	Listen  string `toml:"listen" env:"PM_WEB_LISTEN" env-default:":8080"`
}

type BackupsConfig struct {
	Enabled     bool   `toml:"enabled"`
	Schedule    string `toml:"schedule" env-default:"@daily"`
	Folder      string `toml:"folder" env-default:"backups"`
	BackupCount int    `toml:"backup_count" env-default:"7"`
}

type GPSConfig struct {
	Enabled    bool   `toml:"enabled" env:"PM_GPS_ENABLED"`
	SerialPort string `toml:"serial_port" env:"PM_GPS_PORT" env-default:"/dev/serial0"`
	BaudRate   uint   `toml:"baud_rate" env-default:"9600"`
}

// Load reads a TOML file and applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}

	a := c.Acquisition
	if a.Samples < 2 {
		return fmt.Errorf("acquisition.samples must be at least 2, got %d", a.Samples)
	}
	if a.BoardReference <= 0 {
		return fmt.Errorf("acquisition.board_reference must be positive, got %g", a.BoardReference)
	}
	if !validADC(a.BoardVoltageChannel) || !validADC(a.VoltageChannel) {
		return fmt.Errorf("acquisition channels must be between 0 and 7")
	}

	if c.GridVoltage.ACTransformerOutputVoltage <= 0 {
		return errors.New("grid_voltage.ac_transformer_output_voltage must be positive")
	}
	if c.GridVoltage.Frequency <= 0 {
		return errors.New("grid_voltage.frequency must be positive")
	}

	enabled := 0
	for i, s := range c.CTs.sections() {
		if !s.Enabled {
			continue
		}
		enabled++
		if !power.ChannelType(strings.ToLower(s.Type)).Valid() {
			return fmt.Errorf("channel_%d: unknown type %q", i+1, s.Type)
		}
		if s.Rating <= 0 {
			return fmt.Errorf("channel_%d: rating must be positive, got %g", i+1, s.Rating)
		}
		if s.Phasecal <= 0 {
			return fmt.Errorf("channel_%d: phasecal must be positive, got %g", i+1, s.Phasecal)
		}
		if s.Calibration <= 0 {
			return fmt.Errorf("channel_%d: calibration must be positive, got %g", i+1, s.Calibration)
		}
		if !validADC(s.ADCChannel) {
			return fmt.Errorf("channel_%d: adc_channel must be between 0 and 7, got %d", i+1, s.ADCChannel)
		}
		switch adc := adcFor(i, s); adc {
		case a.VoltageChannel:
			return fmt.Errorf("channel_%d: adc_channel %d is the AC voltage channel", i+1, adc)
		case a.BoardVoltageChannel:
			return fmt.Errorf("channel_%d: adc_channel %d is the board voltage channel", i+1, adc)
		}
	}
	if enabled == 0 {
		return errors.New("no current transformer channel is enabled")
	}

	if err := c.AggregateConfig().Validate(); err != nil {
		return fmt.Errorf("aggregation: %w", err)
	}

	switch c.Database.Sink {
	case "none":
	case "prometheus":
		if c.Database.Prometheus.URL == "" {
			return errors.New("database.prometheus.url is required")
		}
	case "kafka":
		if len(c.Database.Kafka.Brokers) == 0 {
			return errors.New("database.kafka.brokers is required")
		}
	default:
		return fmt.Errorf("database.sink must be 'prometheus', 'kafka' or 'none', got '%s'", c.Database.Sink)
	}
	if c.Database.MaxFailures < 0 {
		return errors.New("database.max_failures must not be negative")
	}

	if c.Backups.Enabled && c.Backups.BackupCount < 1 {
		return errors.New("backups.backup_count must be at least 1")
	}
	return nil
}

func validADC(ch int) bool { return ch >= 0 && ch <= 7 }

// adcFor resolves the ADC input of CT i+1, falling back to the board default.
func adcFor(i int, s *ChannelSection) int {
	if s.ADCChannel == 0 {
		return defaultADC[i]
	}
	return s.ADCChannel
}

// Channels returns the enabled channels ordered by id.
func (c *Config) Channels() []power.ChannelConfig {
	var out []power.ChannelConfig
	for i, s := range c.CTs.sections() {
		if !s.Enabled {
			continue
		}
		id := i + 1
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("ct%d", id)
		}
		out = append(out, power.ChannelConfig{
			ID:          id,
			Name:        name,
			Type:        power.ChannelType(strings.ToLower(s.Type)),
			Rating:      s.Rating,
			Calibration: s.Calibration,
			Phasecal:    s.Phasecal,
			TwoPole:     s.TwoPole,
			Reversed:    s.Reversed,
			Cutoff:      s.Cutoff,
			ADCChannel:  adcFor(i, s),
		})
	}
	return out
}

func (c *Config) Grid() power.Grid {
	return power.Grid{
		Voltage:                  c.GridVoltage.Voltage,
		TransformerOutputVoltage: c.GridVoltage.ACTransformerOutputVoltage,
		VoltageCalibration:       c.GridVoltage.VoltageCalibration,
		Frequency:                c.GridVoltage.Frequency,
	}
}

// AggregateConfig returns the smoothing and write-cycle settings.
func (c *Config) AggregateConfig() aggregate.Config {
	return aggregate.Config{
		Window:             c.Aggregation.Window,
		WriteThreshold:     c.Aggregation.WriteThreshold,
		ProductionMinWatts: c.Aggregation.ProductionMinWatts,
	}
}

// Print logs the effective configuration with secrets masked.
func (c *Config) Print(logger *zap.Logger) {
	channels := c.Channels()
	info := make([]string, len(channels))
	for i, ch := range channels {
		info[i] = fmt.Sprintf("ct%d %s (%s, %gA, phasecal %g, adc %d)", ch.ID, ch.Name, ch.Type, ch.Rating, ch.Phasecal, ch.ADCChannel)
	}

	logger.Info("configuration loaded",
		zap.String("path", c.path),
		zap.Strings("channels", info),
		zap.Int("samples", c.Acquisition.Samples),
		zap.Bool("mock", c.Acquisition.Mock),
		zap.Float64("grid_voltage", c.GridVoltage.Voltage),
		zap.Float64("frequency", c.GridVoltage.Frequency),
		zap.Int("window", c.Aggregation.Window),
		zap.Int("write_threshold", c.Aggregation.WriteThreshold),
		zap.String("sink", c.Database.Sink),
		zap.String("prometheus_url", c.Database.Prometheus.URL),
		zap.Bool("prometheus_password_set", c.Database.Prometheus.Password != ""),
		zap.Strings("kafka_brokers", c.Database.Kafka.Brokers),
		zap.Bool("mqtt", c.Plugins.MQTT.Enabled),
		zap.String("mqtt_host", c.Plugins.MQTT.Host),
		zap.Bool("mqtt_password_set", c.Plugins.MQTT.Password != ""),
		zap.Bool("display", c.Plugins.Display.Enabled),
		zap.Bool("web", c.Web.Enabled),
		zap.Bool("backups", c.Backups.Enabled),
		zap.Bool("gps", c.GPS.Enabled),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
	)
}
