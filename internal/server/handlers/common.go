// internal/server/handlers/common.go

package handlers

import (
	"encoding/json"
	"net/http"
)

// respondWithJSON writes payload as a JSON response.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Failed to marshal response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError writes a JSON error envelope. err is accepted for
// callers that want to log it; it is never included in the response body.
func respondWithError(w http.ResponseWriter, code int, message string, err error) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
