package models

import "errors"

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbiddenRoom    = errors.New("room not allowed for role")
	ErrQueueClosed      = errors.New("event queue closed")
)

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
