package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"henrycloud/command"
	"henrycloud/device"
	"henrycloud/henry"
	"henrycloud/store"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	statusOK    = command.StatusOK
	statusError = command.StatusError
)

const msgBoundWithoutIP = "Relógio vinculado sem IP: ele aparecerá offline até que o IP seja informado."

type response struct {
	Status   string `json:"status"`
	Resposta any    `json:"resposta,omitempty"`
	Mensagem string `json:"mensagem,omitempty"`
}

type bindRequest struct {
	UserID string `json:"user_id"`
	NS     string `json:"ns"`
	IP     string `json:"ip"`
	device.Credentials
}

type registerRequest struct {
	UserID string `json:"userId"`
	NS     string `json:"ns"`
	IP     string `json:"ip"`
}

type commandRequest struct {
	UserID string `json:"user_id"`
	NS     string `json:"ns"`

	// Older dashboards address the device by its connection instead of NS
	IP      string `json:"ip"`
	Comando string `json:"comando"`
	Dados   string `json:"dados"`
}

type statusResponse struct {
	Online []string `json:"online"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Resposta: "userId é obrigatório."})
		return
	}

	bindings, err := s.bindings.List(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to list bindings")
		writeJSON(w, http.StatusInternalServerError, response{Status: statusError, Resposta: err.Error()})
		return
	}

	statuses := make([]device.Status, 0, len(bindings))
	for _, b := range bindings {
		statuses = append(statuses, device.Status{NS: b.Serial, IP: b.IP, Online: s.devices.Online(b.IP)})
	}

	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Resposta: "Requisição inválida."})
		return
	}

	userID, ok := s.user(w, r, req.UserID)
	if !ok {
		return
	}

	serial := device.ParseSerial(req.NS)
	if userID == "" || !serial.Valid() {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Resposta: "user_id e ns são obrigatórios."})
		return
	}

	ip := strings.TrimSpace(req.IP)
	err := s.bindings.Bind(r.Context(), device.Binding{UserID: userID, Serial: serial, IP: ip, Credentials: req.Credentials})
	if err != nil {
		log.Error().Err(err).Str("user", userID).Str("ns", serial.String()).Msg("Failed to bind device")
		writeJSON(w, http.StatusInternalServerError, response{Status: statusError, Resposta: err.Error()})
		return
	}

	log.Info().Str("user", userID).Str("ns", serial.String()).Str("ip", ip).Msg("Device bound")

	// Connections are matched by ip, without one the device never shows online
	if ip == "" {
		log.Warn().Str("user", userID).Str("ns", serial.String()).Msg("Device bound without an ip")
		writeJSON(w, http.StatusOK, response{Status: statusOK, Mensagem: msgBoundWithoutIP})
		return
	}

	writeJSON(w, http.StatusOK, response{Status: statusOK})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Mensagem: "Requisição inválida."})
		return
	}

	userID, ok := s.user(w, r, req.UserID)
	if !ok {
		return
	}

	serial := device.ParseSerial(req.NS)
	if userID == "" || !serial.Valid() {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Mensagem: "userId e ns são obrigatórios."})
		return
	}

	err := s.bindings.Register(r.Context(), device.Binding{UserID: userID, Serial: serial, IP: req.IP})
	if err != nil {
		writeJSON(w, http.StatusOK, response{Status: statusError, Mensagem: err.Error()})
		return
	}

	log.Info().Str("user", userID).Str("ns", serial.String()).Str("ip", req.IP).Msg("Device registered")
	writeJSON(w, http.StatusOK, response{Status: statusOK, Mensagem: "Relógio vinculado com sucesso!"})
}

func (s *Server) unbind(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r, r.URL.Query().Get("userId"))
	if !ok {
		return
	}

	serial := device.ParseSerial(mux.Vars(r)["ns"])
	if userID == "" || !serial.Valid() {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Resposta: "userId e ns são obrigatórios."})
		return
	}

	err := s.bindings.Unbind(r.Context(), userID, serial)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, response{Status: statusError, Resposta: "Vínculo não encontrado."})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to unbind device")
		writeJSON(w, http.StatusInternalServerError, response{Status: statusError, Resposta: err.Error()})
		return
	}

	log.Info().Str("user", userID).Str("ns", serial.String()).Msg("Device unbound")
	writeJSON(w, http.StatusOK, response{Status: statusOK})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: statusError, Resposta: "Requisição inválida."})
		return
	}

	userID, ok := s.user(w, r, req.UserID)
	if !ok {
		return
	}

	cmd := req.Comando
	if cmd == "" {
		cmd = henry.CommandReadCounts
	}

	var reply henry.Message
	serial := device.ParseSerial(req.NS)
	if serial == "" && req.IP != "" {
		serial, err = s.runner.Resolve(r.Context(), userID, req.IP)
	}
	if err == nil {
		reply, err = s.runner.Run(r.Context(), userID, serial, henry.Request{Command: cmd, Data: req.Dados})
	}

	status := http.StatusOK
	if errors.Is(err, command.ErrForbidden) {
		status = http.StatusForbidden
	}

	writeJSON(w, status, command.Respond(serial, reply, err))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if !s.config.RequireLogin {
		writeJSON(w, http.StatusOK, statusResponse{Online: s.devices.Connected()})
		return
	}

	userID, ok := s.user(w, r, "")
	if !ok {
		return
	}

	bindings, err := s.bindings.List(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Status: statusError, Resposta: err.Error()})
		return
	}

	// Only the devices of the logged in user
	online := make([]string, 0, len(bindings))
	for _, ip := range s.devices.Connected() {
		if slices.ContainsFunc(bindings, func(b device.Binding) bool { return b.IP == ip }) {
			online = append(online, ip)
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{Online: online})
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	if !s.config.RequireLogin {
		s.events.ServeHTTP(w, r)
		return
	}

	userID, ok := s.user(w, r, "")
	if !ok {
		return
	}

	s.events.ServeUser(w, r, userID)
}
