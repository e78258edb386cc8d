package plugin

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/aggregate"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

type MQTTConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	ClientID           string
	Prefix             string
	RefreshRate        time.Duration
	PowerChange        float64
	CurrentChange      float64
	PFChange           float64
	VoltageChange      float64
	MaxPublishInterval time.Duration
}

// publisher is the part of mqtt.Client the plugin uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes smoothed readings under <prefix>/ct<N>/<key>,
// <prefix>/<summary>/<key> and <prefix>/voltage. A value is only sent when
// it moved by at least its configured minimum or the last send is older
// than MaxPublishInterval.
type MQTT struct {
	cfg     MQTTConfig
	connect func(MQTTConfig) (publisher, error)
	client  publisher
	filter  *changeFilter
	logger  *zap.Logger
}

func NewMQTT(cfg MQTTConfig, logger *zap.Logger) *MQTT {
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 2 * time.Second
	}
	if cfg.MaxPublishInterval <= 0 {
		cfg.MaxPublishInterval = 60 * time.Second
	}
	return &MQTT{
		cfg:     cfg,
		connect: dialMQTT,
		filter:  newChangeFilter(cfg.MaxPublishInterval),
		logger:  logger,
	}
}

func dialMQTT(cfg MQTTConfig) (publisher, error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetWill(cfg.Prefix+"/status", statusOffline, 0, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		c.Publish(cfg.Prefix+"/status", 0, true, statusOnline)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Start(ctx context.Context, snapshots <-chan aggregate.Snapshot) error {
	client, err := m.connect(m.cfg)
	if err != nil {
		return err
	}
	m.client = client
	m.logger.Info("connected to MQTT broker",
		zap.String("host", m.cfg.Host),
		zap.Int("port", m.cfg.Port),
		zap.String("prefix", m.cfg.Prefix),
	)

	ticker := time.NewTicker(m.cfg.RefreshRate)
	defer ticker.Stop()

	var latest *aggregate.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snapshots:
			if !ok {
				return nil
			}
			latest = &s
		case now := <-ticker.C:
			if latest != nil {
				m.publish(*latest, now)
			}
		}
	}
}

func (m *MQTT) Stop() error {
	if m.client == nil {
		return nil
	}
	token := m.client.Publish(m.cfg.Prefix+"/status", 0, true, statusOffline)
	token.WaitTimeout(time.Second)
	m.client.Disconnect(250)
	m.client = nil
	return nil
}

type message struct {
	topic     string
	value     float64
	minChange float64
}

func (m *MQTT) messages(s aggregate.Snapshot) []message {
	p := m.cfg.Prefix
	var out []message
	for _, id := range s.ChannelIDs() {
		r := s.Channels[id]
		base := fmt.Sprintf("%s/ct%d/", p, id)
		out = append(out,
			message{base + "power", r.Power, m.cfg.PowerChange},
			message{base + "current", r.Current, m.cfg.CurrentChange},
			message{base + "pf", r.PF, m.cfg.PFChange},
		)
	}
	for _, name := range []string{aggregate.Production, aggregate.HomeConsumption, aggregate.Net} {
		r, ok := s.Summaries[name]
		if !ok {
			continue
		}
		base := p + "/" + name + "/"
		out = append(out,
			message{base + "power", r.Power, m.cfg.PowerChange},
			message{base + "current", r.Current, m.cfg.CurrentChange},
		)
		if name == aggregate.Production {
			out = append(out, message{base + "pf", r.PF, m.cfg.PFChange})
		}
	}
	return append(out, message{p + "/voltage", s.Voltage, m.cfg.VoltageChange})
}

func (m *MQTT) publish(s aggregate.Snapshot, now time.Time) {
	sent := 0
	for _, msg := range m.messages(s) {
		if !m.filter.allow(msg.topic, msg.value, msg.minChange, now) {
			continue
		}
		m.client.Publish(msg.topic, 0, false, formatValue(msg.value))
		sent++
	}
	m.logger.Debug("mqtt publish", zap.Int("messages", sent), zap.Uint64("cycle", s.Cycle))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

type lastSent struct {
	value float64
	at    time.Time
}

// changeFilter remembers the last value sent per topic.
type changeFilter struct {
	maxInterval time.Duration
	last        map[string]lastSent
}

func newChangeFilter(maxInterval time.Duration) *changeFilter {
	return &changeFilter{maxInterval: maxInterval, last: make(map[string]lastSent)}
}

func (f *changeFilter) allow(topic string, value, minChange float64, now time.Time) bool {
	prev, seen := f.last[topic]
	if seen && math.Abs(value-prev.value) < minChange && now.Sub(prev.at) < f.maxInterval {
		return false
	}
	f.last[topic] = lastSent{value: value, at: now}
	return true
}
