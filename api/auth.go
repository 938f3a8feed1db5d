package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const sessionUserKey = "user_id"

type loginRequest struct {
	Usuario string `json:"usuario"`
	Senha   string `json:"senha"`
}

type loginResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type errorResponse struct {
	Erro string `json:"erro"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Rate limit exceeded for login attempts")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{"Muitas tentativas. Tente novamente mais tarde."})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"Requisição inválida."})
		return
	}

	user, ok := s.config.Users[req.Usuario]
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Senha)) != nil {
		log.Warn().Str("usuario", req.Usuario).Msg("Failed login attempt")
		writeJSON(w, http.StatusUnauthorized, errorResponse{"Credenciais inválidas!"})
		return
	}

	sess, _ := s.sessions.Get(r, sessionName)
	sess.Values[sessionUserKey] = user.ID
	if err := sess.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Error saving session")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"Erro interno."})
		return
	}

	log.Info().Str("user", user.ID).Msg("User logged in")
	writeJSON(w, http.StatusOK, loginResponse{ID: user.ID, Name: user.Name})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.sessions.Get(r, sessionName)
	sess.Options.MaxAge = -1
	delete(sess.Values, sessionUserKey)
	if err := sess.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Error clearing session")
	}

	writeJSON(w, http.StatusOK, response{Status: statusOK})
}

func (s *Server) sessionUser(r *http.Request) string {
	sess, err := s.sessions.Get(r, sessionName)
	if err != nil {
		return ""
	}

	id, _ := sess.Values[sessionUserKey].(string)
	return id
}

// user resolves who a request acts for. Without required logins the id sent
// by the dashboard is trusted, otherwise it must match the session.
func (s *Server) user(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	if !s.config.RequireLogin {
		return requested, true
	}

	id := s.sessionUser(r)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{"Não autenticado."})
		return "", false
	}

	if requested != "" && requested != id {
		writeJSON(w, http.StatusForbidden, response{Status: statusError, Resposta: "Acesso negado."})
		return "", false
	}

	return id, true
}
