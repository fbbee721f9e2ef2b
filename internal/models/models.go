// Package models defines the core data structures for DuetPipe.
//
// It includes the elicitation phases, conversation sessions, scenarios, transcript records and
// the transport-neutral inbound/outbound message types shared across modules.
package models

// APIStatus is the status field of every API response.
type APIStatus string

const (
	APIStatusOK       APIStatus = "ok"
	APIStatusError    APIStatus = "error"
	APIStatusAccepted APIStatus = "accepted" // queued, not yet processed
)

// APIResponse is the JSON envelope returned by the operator API.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage is Success with a human readable message.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// Accepted reports a request that was queued for asynchronous handling.
func Accepted(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusAccepted, Message: message, Result: result}
}

// Error reports a failed request.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
