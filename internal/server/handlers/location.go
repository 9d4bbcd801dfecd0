// internal/server/handlers/location.go

package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/radiusmatch/rendezvous/internal/location"
)

// LocationHandler handles location ingestion HTTP requests.
type LocationHandler struct {
	service *location.Service
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(service *location.Service) *LocationHandler {
	return &LocationHandler{service: service}
}

type updateLocationRequest struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdateLocation handles POST /api/v1/locations.
func (h *LocationHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req updateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		respondWithError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	result := h.service.UpdateUserLocation(r.Context(), req.UserID, req.Latitude, req.Longitude, req.Accuracy, req.Timestamp)
	if result.Error != "" {
		respondWithError(w, http.StatusInternalServerError, "failed to process location update", nil)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"skipped":             result.Skipped,
		"collisions_detected": result.CollisionsDetected,
	})
}
