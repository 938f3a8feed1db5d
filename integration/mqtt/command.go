package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"henrycloud/command"
	"henrycloud/device"
	"henrycloud/henry"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

type Runner interface {
	Resolve(ctx context.Context, userID string, ip string) (device.Serial, error)
	Run(ctx context.Context, userID string, serial device.Serial, req henry.Request) (henry.Message, error)
}

// Command is the payload accepted on <prefix>/devices/+/command.
type Command struct {
	UserID  string `json:"user_id"`
	NS      string `json:"ns"`
	Comando string `json:"comando"`
	Dados   string `json:"dados"`
}

func commandTopic(prefix string) string {
	return fmt.Sprintf("%s/devices/+/command", prefix)
}

// topicIP extracts the device ip from <prefix>/devices/<ip>/command.
func topicIP(prefix string, topic string) string {
	ip := strings.TrimPrefix(topic, prefix+"/devices/")
	return strings.TrimSuffix(ip, "/command")
}

func on[M any](client Subscriber, topic string, onMessage func(topic string, message M)) error {
	var handler paho.MessageHandler = func(c paho.Client, m paho.Message) {
		if len(m.Payload()) == 0 {
			// In this case we clear the persistent message
			return
		}

		var message M
		err := json.Unmarshal(m.Payload(), &message)
		if err != nil {
			log.Warn().Err(err).Str("topic", m.Topic()).Msg("Invalid MQTT payload")
			return
		}

		if onMessage != nil {
			onMessage(m.Topic(), message)
		}
	}

	if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	return nil
}

// HandleCommands runs commands received over MQTT and publishes the outcome
// next to the command topic.
func HandleCommands(client Client, prefix string, runner Runner) error {
	return on(client, commandTopic(prefix), func(topic string, message Command) {
		if message.UserID == "" {
			log.Warn().Str("topic", topic).Msg("Command without user_id")
			return
		}

		req := henry.Request{Command: message.Comando, Data: message.Dados}
		if req.Command == "" {
			req.Command = henry.CommandReadCounts
		}

		ctx := context.Background()

		// Without ns the device is the one named in the topic
		var err error
		serial := device.ParseSerial(message.NS)
		if serial == "" {
			serial, err = runner.Resolve(ctx, message.UserID, topicIP(prefix, topic))
		}

		var reply henry.Message
		if err == nil {
			reply, err = runner.Run(ctx, message.UserID, serial, req)
		}
		response := command.Respond(serial, reply, err)

		payload, err := json.Marshal(response)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode command response")
			return
		}

		replyTopic := strings.TrimSuffix(topic, "/command") + "/reply"
		if token := client.Publish(replyTopic, 1, false, payload); token.Wait() && token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", replyTopic).Msg("Failed to publish")
		}
	})
}
