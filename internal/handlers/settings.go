package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/perchterm/perch/internal/database"
)

func GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.ListSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	result := make(map[string]string, len(settings))
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	writeJSON(w, http.StatusOK, result)
}

func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	for key, value := range updates {
		if err := database.SetSetting(key, value); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to save setting "+key)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
