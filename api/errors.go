package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"scrape_runs/queue"
	"scrape_runs/services"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRejected           = "URL_REJECTED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrAdmissionRejected):
		return http.StatusBadRequest, ErrCodeRejected, err.Error()
	case errors.Is(err, queue.ErrQueueStopped):
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "The job queue is shutting down"
	case errors.Is(err, services.ErrStoreUnavailable):
		return http.StatusInternalServerError, ErrCodeInternalError, "Run storage is unavailable"
	}
	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}
