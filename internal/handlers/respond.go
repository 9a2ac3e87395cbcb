package handlers

import (
	"encoding/json"
	"net/http"
)

// quotaExceededMessage is the literal marker the frontend routes on to show
// the upgrade prompt instead of an error toast. Do not reword it.
const quotaExceededMessage = "Usage limit reached"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
