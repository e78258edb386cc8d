package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/relabs-tech/power_monitor/internal/config"
)

// subscriber is the part of mqtt.Client the console uses.
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// RunConsoleMQTT subscribes to everything the MQTT plugin publishes under
// the configured prefix and prints each message until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg config.MQTTPluginConfig, w io.Writer, logger *zap.Logger) error {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID + "-console").
		SetUsername(cfg.Username).
		SetPassword(cfg.Password)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	logger.Info("console: connected to MQTT broker", zap.String("broker", broker))

	return watchTopics(ctx, client, cfg.Prefix, w, logger)
}

func watchTopics(ctx context.Context, client subscriber, prefix string, w io.Writer, logger *zap.Logger) error {
	defer client.Disconnect(250)

	var mu sync.Mutex
	topic := prefix + "/#"
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		name := strings.TrimPrefix(msg.Topic(), prefix+"/")
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[%-24s] %s\n", name, msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	logger.Info("console: subscribed", zap.String("topic", topic))

	<-ctx.Done()
	logger.Info("console: shutting down")
	return nil
}
