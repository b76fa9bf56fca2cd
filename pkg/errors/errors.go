package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeMediaAcquisition    ErrorCode = "MEDIA_ACQUISITION"
	ErrCodeNegotiationProtocol ErrorCode = "NEGOTIATION_PROTOCOL"
	ErrCodeTransportDelivery   ErrorCode = "TRANSPORT_DELIVERY"
	ErrCodePeerNotFound        ErrorCode = "PEER_NOT_FOUND"
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// NewMediaAcquisitionError reports a failed camera, microphone or screen capture.
func NewMediaAcquisitionError(source string, cause error) *AppError {
	return WrapError(cause, ErrCodeMediaAcquisition, fmt.Sprintf("%s capture failed", source)).
		WithContext("source", source)
}

// NewNegotiationProtocolError reports a description or candidate that does
// not fit the connection's current state.
func NewNegotiationProtocolError(peerID, step string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiationProtocol, fmt.Sprintf("%s rejected", step)).
		WithContext("peer_id", peerID).
		WithContext("step", step)
}

// NewTransportDeliveryError reports a signal that could not be handed to the relay.
func NewTransportDeliveryError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransportDelivery, "signal not delivered").
		WithContext("peer_id", peerID)
}

// NewPeerNotFoundError reports a peer unknown to the connection registry.
func NewPeerNotFoundError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodePeerNotFound, fmt.Sprintf("peer %s not registered", peerID)).
		WithContext("peer_id", peerID)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode reports whether any AppError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
