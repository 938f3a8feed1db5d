package mqtt

import (
	"encoding/json"
	"fmt"

	"henrycloud/device"

	"github.com/rs/zerolog/log"
)

// Message is the retained online state of a device.
type Message struct {
	State   bool  `json:"state"`
	Updated int64 `json:"updated"`
}

// Observer mirrors hub events onto the broker.
type Observer struct {
	client Publisher
	prefix string
}

func NewObserver(client Publisher, prefix string) *Observer {
	return &Observer{client: client, prefix: prefix}
}

func (o *Observer) topic(ip string, name string) string {
	return fmt.Sprintf("%s/devices/%s/%s", o.prefix, ip, name)
}

func (o *Observer) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to encode MQTT message")
		return
	}

	token := o.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to publish")
	}
}

func (o *Observer) Notify(event device.Event) {
	switch event.Kind {
	case device.EventConnected, device.EventDisconnected:
		o.publish(o.topic(event.IP, "online"), true, Message{
			State:   event.Online(),
			Updated: event.Time.UnixMilli(),
		})

	case device.EventMessage:
		if event.Message == nil {
			return
		}
		o.publish(o.topic(event.IP, "message"), false, event.Message)
	}
}
