package command

import (
	"context"
	"errors"
	"fmt"

	"henrycloud/device"
	"henrycloud/henry"
	"henrycloud/hub"
	"henrycloud/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrForbidden means the device is not bound to the requesting user.
var ErrForbidden = errors.New("device not bound to user")

type Bindings interface {
	Get(ctx context.Context, userID string, serial device.Serial) (device.Binding, error)
	List(ctx context.Context, userID string) ([]device.Binding, error)
}

type Devices interface {
	Online(ip string) bool
	Execute(ctx context.Context, ip string, credentials device.Credentials, req henry.Request) (henry.Message, error)
}

// Service runs commands on behalf of dashboard users.
type Service struct {
	bindings Bindings
	devices  Devices
	defaults device.Credentials
}

func NewService(bindings Bindings, devices Devices, defaults device.Credentials) *Service {
	return &Service{bindings: bindings, devices: devices, defaults: defaults}
}

// Resolve finds the serial the user bound to ip, for callers that address
// devices by connection.
func (s *Service) Resolve(ctx context.Context, userID string, ip string) (device.Serial, error) {
	if ip == "" {
		return "", ErrForbidden
	}

	bindings, err := s.bindings.List(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("listing bindings: %w", err)
	}

	for _, b := range bindings {
		if b.IP == ip {
			return b.Serial, nil
		}
	}

	log.Warn().Str("user", userID).Str("ip", ip).Msg("Command refused, no binding for ip")
	return "", ErrForbidden
}

func (s *Service) Run(ctx context.Context, userID string, serial device.Serial, req henry.Request) (henry.Message, error) {
	id := uuid.NewString()
	logger := log.With().Str("id", id).Str("user", userID).Str("ns", serial.String()).Str("command", req.Command).Logger()

	binding, err := s.bindings.Get(ctx, userID, serial)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn().Msg("Command refused, device not bound to user")
		return henry.Message{}, ErrForbidden
	}
	if err != nil {
		return henry.Message{}, fmt.Errorf("looking up binding: %w", err)
	}

	if !s.devices.Online(binding.IP) {
		return henry.Message{}, fmt.Errorf("%w: %s", hub.ErrOffline, serial)
	}

	reply, err := s.devices.Execute(ctx, binding.IP, binding.Credentials.Or(s.defaults), req)
	if err != nil {
		logger.Error().Err(err).Str("ip", binding.IP).Msg("Command failed")
		return henry.Message{}, err
	}

	logger.Info().Str("ip", binding.IP).Str("status", reply.Status).Msg("Command executed")

	return reply, nil
}

const (
	StatusOK    = "00"
	StatusError = "99"
)

// Response is the envelope returned to dashboard and MQTT callers.
type Response struct {
	Status   string `json:"status"`
	Resposta any    `json:"resposta"`
}

// Respond maps the outcome of Run to the envelope the dashboard understands.
func Respond(serial device.Serial, reply henry.Message, err error) Response {
	switch {
	case err == nil:
		return Response{Status: StatusOK, Resposta: reply}
	case errors.Is(err, ErrForbidden):
		return Response{Status: StatusError, Resposta: "Acesso negado: Este NS não está vinculado à sua conta."}
	case errors.Is(err, hub.ErrOffline):
		return Response{Status: StatusError, Resposta: fmt.Sprintf("Relógio NS %s não está conectado na porta %s.", serial, henry.DefaultPort)}
	case errors.Is(err, hub.ErrAuthFailed):
		return Response{Status: StatusError, Resposta: "Falha de autenticação interna com o Relógio."}
	default:
		return Response{Status: StatusError, Resposta: err.Error()}
	}
}
