package mqtt

import (
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Publisher is the part of paho.Client used to announce device state.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Subscriber is the part of paho.Client used to receive commands.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// This is the default message handler, it just logs the topic and message
var defaultHandler paho.MessageHandler = func(client paho.Client, msg paho.Message) {
	log.Debug().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("Unhandled MQTT message")
}

// Client is the part of paho.Client the integration needs.
type Client interface {
	Publisher
	Subscriber
}

// onConnect announces the hub and runs handlers, the broker forgets
// subscriptions when the session is not resumed.
func onConnect(config Config, handlers []func(Client)) func(c Client) {
	return func(c Client) {
		log.Info().Str("host", config.Host).Msg("Connected to MQTT broker")
		c.Publish(fmt.Sprintf("%s/status", config.Prefix), 1, true, []byte("online"))

		for _, handler := range handlers {
			handler(c)
		}
	}
}

// New connects to the broker. The connect handlers run again after every
// reconnect.
func New(config Config, handlers ...func(Client)) (paho.Client, error) {
	connected := onConnect(config, handlers)

	opts := paho.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%s", config.Host, config.Port))
	opts.SetClientID(config.ClientID)
	opts.SetDefaultPublishHandler(defaultHandler)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)

	// Brokers see the hub go away without a clean disconnect
	opts.SetWill(fmt.Sprintf("%s/status", config.Prefix), "offline", 1, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		connected(c)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}

	return client, nil
}

func Delete(m paho.Client, prefix string) {
	if token := m.Unsubscribe(commandTopic(prefix)); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Msg("Failed to unsubscribe")
	}

	if token := m.Publish(fmt.Sprintf("%s/status", prefix), 1, true, "offline"); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Msg("Failed to publish status")
	}

	m.Disconnect(250)
}
