package sse

import (
	"context"
	"encoding/json"
	"net/http"

	"henrycloud/device"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"
)

const (
	streamName = "devices"
	userPrefix = "user-"
)

// Audience looks up the users bound to a device.
type Audience interface {
	Users(ctx context.Context, ip string) ([]string, error)
}

// Stream forwards hub events to dashboard browsers. Every event goes to the
// shared stream and, when an audience is set, to the stream of each user
// bound to the device.
type Stream struct {
	server   *sse.Server
	audience Audience
}

func New(audience Audience) *Stream {
	server := sse.New()
	// Replay would keep every event in memory
	server.AutoReplay = false
	// User streams exist while someone listens
	server.AutoStream = true
	server.CreateStream(streamName)

	return &Stream{server: server, audience: audience}
}

func (s *Stream) Notify(event device.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
		return
	}

	publish := func(stream string) {
		s.server.Publish(stream, &sse.Event{
			ID:    []byte(event.ID),
			Event: []byte(event.Kind),
			Data:  data,
		})
	}

	publish(streamName)

	if s.audience == nil {
		return
	}

	users, err := s.audience.Users(context.Background(), event.IP)
	if err != nil {
		log.Warn().Err(err).Str("ip", event.IP).Msg("Failed to look up event audience")
		return
	}

	for _, id := range users {
		publish(userPrefix + id)
	}
}

func (s *Stream) serve(w http.ResponseWriter, r *http.Request, stream string) {
	q := r.URL.Query()
	q.Set("stream", stream)
	r.URL.RawQuery = q.Encode()

	s.server.ServeHTTP(w, r)
}

// ServeHTTP streams the events of every device.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, streamName)
}

// ServeUser streams only the events of devices bound to userID.
func (s *Stream) ServeUser(w http.ResponseWriter, r *http.Request, userID string) {
	s.serve(w, r, userPrefix+userID)
}

func (s *Stream) Close() {
	s.server.Close()
}
