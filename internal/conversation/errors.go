package conversation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrMissingCredential means no API key is configured; no request is built.
	ErrMissingCredential = errors.New("api key not configured")
	// ErrEmptyMessage rejects blank input before anything is sent.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// TransportError means the request could not complete.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError carries a structured error returned by the provider.
type APIError struct {
	StatusCode int
	Code       int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// ProtocolError means the provider answered with something we cannot read.
type ProtocolError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransportFailure reports whether err means the request never completed:
// a network failure or an expired or cancelled context. Configuration and
// client set-up failures are not transport failures.
func IsTransportFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Kind names the error class for API payloads and logs.
func Kind(err error) string {
	var (
		apiErr       *APIError
		transportErr *TransportError
		protocolErr  *ProtocolError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.As(err, &protocolErr):
		return "protocol_error"
	default:
		return "internal_error"
	}
}

// UserMessage turns any send failure into the single line shown in the conversation.
func UserMessage(err error) string {
	var apiErr *APIError
	switch Kind(err) {
	case "":
		return ""
	case "missing_credential":
		return "Please set your Gemini API Key in the settings."
	case "empty_message":
		return "Please type a message first."
	case "api_error":
		errors.As(err, &apiErr)
		return "Error: " + apiErr.Message
	case "transport_error":
		return "Network Error."
	case "protocol_error":
		return "Error: the assistant sent a reply that could not be read. Please try again."
	default:
		return "Error: " + err.Error()
	}
}
