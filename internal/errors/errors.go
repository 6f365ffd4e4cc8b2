// Package errors defines the typed error surface shared across the grid.
package errors

import (
	"fmt"
)

// ErrorCode identifies a class of failure surfaced by the core.
type ErrorCode string

const (
	// Classification errors: the message is not a client-to-server operation.
	CodeServerToClient    ErrorCode = "SERVER_TO_CLIENT"
	CodeTransportEnvelope ErrorCode = "TRANSPORT_ENVELOPE"
	CodeAuthMessage       ErrorCode = "AUTH_MESSAGE"

	// Routing and backpressure.
	CodeUnknownService ErrorCode = "UNKNOWN_SERVICE"
	CodeOverloaded     ErrorCode = "OVERLOADED"
	CodeTimeout        ErrorCode = "TIMEOUT"

	// Clocks and cluster.
	CodeClockDrift   ErrorCode = "CLOCK_DRIFT"
	CodeJoinRejected ErrorCode = "JOIN_REJECTED"
	CodeNotOwner     ErrorCode = "NOT_OWNER"

	// Everything else.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	CodeInternal        ErrorCode = "INTERNAL"
)

// wireCodes maps error codes to the numeric codes carried by ERROR messages.
var wireCodes = map[ErrorCode]int{
	CodeServerToClient:    1000,
	CodeTransportEnvelope: 1001,
	CodeAuthMessage:       1002,
	CodeUnknownService:    1003,
	CodeInvalidArgument:   1004,
	CodeNotOwner:          1005,
	CodeJoinRejected:      1006,
	CodeOverloaded:        2000,
	CodeTimeout:           2001,
	CodeClockDrift:        2002,
	CodeInternal:          2100,
}

// WireCode returns the numeric code used on the wire for this error class.
func (c ErrorCode) WireCode() int {
	if n, ok := wireCodes[c]; ok {
		return n
	}
	return wireCodes[CodeInternal]
}

// GridError is a structured error with a code, a message and an optional cause.
type GridError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *GridError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GridError) Unwrap() error { return e.Err }

// Is reports code equality so errors.Is can match against sentinel GridErrors.
func (e *GridError) Is(target error) bool {
	t, ok := target.(*GridError)
	return ok && t.Code == e.Code
}

// New builds a GridError with the given code and formatted message.
func New(code ErrorCode, format string, args ...any) *GridError {
	return &GridError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a GridError carrying an underlying cause.
func Wrap(code ErrorCode, err error, format string, args ...any) *GridError {
	return &GridError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Overloaded signals that load shedding rejected the operation.
func Overloaded() *GridError {
	return New(CodeOverloaded, "operation rejected by load shedding")
}

// UnknownService signals a service_name the router was never configured for.
func UnknownService(name string) *GridError {
	return New(CodeUnknownService, "no service registered for %q", name)
}

// OperationTimeout signals that an operation exceeded its deadline.
func OperationTimeout(timeoutMillis uint64) *GridError {
	return New(CodeTimeout, "operation exceeded deadline of %dms", timeoutMillis)
}

// ClockDrift signals a remote timestamp too far ahead of the wall clock.
func ClockDrift(remoteMillis, wallMillis, maxDriftMillis uint64) *GridError {
	return New(CodeClockDrift, "remote clock %dms ahead of wall clock (max %dms)",
		remoteMillis-wallMillis, maxDriftMillis)
}

// ServerToClient signals a server-to-client message handed to the classifier.
func ServerToClient(messageType string) *GridError {
	return New(CodeServerToClient, "%s is a server-to-client message, not an operation", messageType)
}

// TransportEnvelope signals a transport envelope handed to the classifier.
func TransportEnvelope(messageType string) *GridError {
	return New(CodeTransportEnvelope, "%s must be unpacked by the transport", messageType)
}

// AuthMessage signals an auth handshake message handed to the classifier.
func AuthMessage(messageType string) *GridError {
	return New(CodeAuthMessage, "%s belongs to the auth handshake", messageType)
}

// JoinRejected signals a refused cluster join.
func JoinRejected(reason string) *GridError {
	return New(CodeJoinRejected, "join rejected: %s", reason)
}

// NotOwner signals an operation targeting a partition this node does not own.
func NotOwner(partitionID uint32, owner string) *GridError {
	return New(CodeNotOwner, "partition %d is owned by %q", partitionID, owner)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *GridError {
	return Wrap(CodeInternal, err, format, args...)
}

// CodeOf extracts the ErrorCode from err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if ge, ok := err.(*GridError); ok {
		return ge.Code
	}
	return CodeInternal
}
