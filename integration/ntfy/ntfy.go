package ntfy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"henrycloud/device"

	"github.com/rs/zerolog/log"
)

const DefaultURL = "https://ntfy.sh"

type Config struct {
	Topic string `yaml:"topic" envconfig:"NTFY_TOPIC"`
	URL   string `yaml:"url" envconfig:"NTFY_URL"`
}

type Notify struct {
	url    string
	client *http.Client
}

func New(config Config) *Notify {
	base := config.URL
	if base == "" {
		base = DefaultURL
	}

	return &Notify{
		url:    fmt.Sprintf("%s/%s", strings.TrimSuffix(base, "/"), config.Topic),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notify) send(title, description, tags, priority string) {
	req, err := http.NewRequest("POST", n.url, strings.NewReader(description))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create notification")
		return
	}

	req.Header.Set("Title", title)
	req.Header.Set("Tags", tags)
	req.Header.Set("Priority", priority)

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to send notification")
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("Notification rejected")
	}
}

// Notify only reports connection changes, pushes are too frequent.
func (n *Notify) Notify(event device.Event) {
	var description, tags, priority string
	switch event.Kind {
	case device.EventConnected:
		description = fmt.Sprintf("Relógio %s conectado", event.IP)
		tags = "white_check_mark"
		priority = "2"
	case device.EventDisconnected:
		description = fmt.Sprintf("Relógio %s desconectado", event.IP)
		tags = "warning"
		priority = "3"
	default:
		return
	}

	go n.send("Relógio de ponto", description, tags, priority)
}
