package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"echochan/internal/config"
	"echochan/internal/event"
	myMiddleware "echochan/internal/middleware"
	"echochan/internal/p2p"
)

// Handler exposes a Client over a local HTTP control API.
type Handler struct {
	client *Client
}

func NewHandler(c *Client) *Handler {
	return &Handler{client: c}
}

// Routes mounts every endpoint. All but /metrics require a bearer token.
func (h *Handler) Routes(auth *myMiddleware.AuthMiddleware) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)

		r.Get("/status", h.GetState)
		r.Put("/settings", h.SaveSettings)
		r.Get("/notices", h.GetNotices)

		r.Post("/rooms", h.AddRoom)
		r.Delete("/rooms/{room}", h.RemoveRoom)
		r.Post("/rooms/{room}/select", h.SelectRoom)
		r.Get("/rooms/{room}/messages", h.GetRoomMessages)

		r.Post("/messages", h.SendMessage)
		r.Post("/command", h.Command)

		r.Get("/prompts", h.GetPrompts)
		r.Post("/prompts/{id}", h.AnswerPrompt)

		r.Post("/transfers", h.SendFile)
		r.Delete("/transfers/{sid}", h.CancelTransfer)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownRoom), errors.Is(err, ErrUnknownPrompt), errors.Is(err, p2p.ErrUnknown):
		status = http.StatusNotFound
	case errors.Is(err, ErrLastRoom):
		status = http.StatusConflict
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, p2p.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, p2p.ErrSessionLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrP2PUnavailable), errors.Is(err, ErrNoRelay):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrTooManyAttachments), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrEmptyRoom), errors.Is(err, ErrInvalidMessage),
		errors.Is(err, config.ErrInvalidSettings):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.GetState())
}

func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var req config.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := h.client.SaveSettings(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	saved.IdentitySeed = ""
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) GetNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Notices())
}

func (h *Handler) AddRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s, err := h.client.AddRoom(req.Room)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Rooms)
}

func (h *Handler) RemoveRoom(w http.ResponseWriter, r *http.Request) {
	s, err := h.client.RemoveRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Rooms)
}

func (h *Handler) SelectRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.client.SelectRoom(r.Context(), chi.URLParam(r, "room")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.RoomMessages(chi.URLParam(r, "room")))
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := h.client.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Line        string             `json:"line"`
		Room        string             `json:"room"`
		Attachments []event.Attachment `json:"attachments"`
		ReplyTo     string             `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.client.Execute(r.Context(), req.Line, SendRequest{
		Room:        req.Room,
		Attachments: req.Attachments,
		ReplyTo:     req.ReplyTo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetPrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.Prompts().Pending())
}

func (h *Handler) AnswerPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Accept bool `json:"accept"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.client.Prompts().Answer(chi.URLParam(r, "id"), req.Accept); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SendFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Peer string `json:"peer"`
		Name string `json:"name"`
		Mime string `json:"mime"`
		Data []byte `json:"data"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sid, err := h.client.SendFile(r.Context(), req.Peer, req.Name, req.Mime, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sid": sid})
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := h.client.CancelTransfer(chi.URLParam(r, "sid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
