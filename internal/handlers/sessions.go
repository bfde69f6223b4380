package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/perchterm/perch/internal/session"
)

// CreateSession starts a new durable session. The response carries the
// session metadata including the generated id when none was supplied.
func CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s, err := Coordinator.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			writeError(w, http.StatusConflict, "Session already active")
		case errors.Is(err, session.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, "Session creation timed out")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, s.Metadata())
}

// ListSessions returns metadata for every live session.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": Coordinator.List(),
	})
}

// GetSession returns one session's metadata.
func GetSession(w http.ResponseWriter, r *http.Request) {
	s := Coordinator.Get(chi.URLParam(r, "id"))
	if s == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Metadata())
}

// DestroySession terminates a session. All attached viewers receive a
// session:destroyed message.
func DestroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Coordinator.Destroy(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to destroy session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// GetSessionRecording exports a session's recording as JSON. 404 when
// recording is disabled or the session is gone.
func GetSessionRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := Coordinator.Mux().Recording(id)
	if rec == nil {
		writeError(w, http.StatusNotFound, "No recording for session")
		return
	}
	data, err := rec.ExportJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export recording")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// ListAttachments returns the viewers currently attached to a session.
func ListAttachments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if Coordinator.Get(id) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	atts := Coordinator.Mux().Attachments(id)
	if atts == nil {
		atts = []session.Attachment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": atts})
}
