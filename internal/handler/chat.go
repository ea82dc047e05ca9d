package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// SendChatMessage relays a chat message to the instance's agent.
func (h *Handler) SendChatMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	reply, err := h.chat.SendMessage(r.Context(), userID, chi.URLParam(r, "instanceID"), req.Message)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, reply)
}

// ChatHistory returns the caller's chat history for the instance.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.chat.History(r.Context(), userID, chi.URLParam(r, "instanceID"), limit)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// UploadFile receives a multipart upload and forwards it into the instance
// workspace.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadBytes+1))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "reading file")
		return
	}

	contentType := header.Header.Get("Content-Type")
	msg, err := h.chat.UploadFile(r.Context(), userID, chi.URLParam(r, "instanceID"), header.Filename, contentType, data)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, msg)
}
