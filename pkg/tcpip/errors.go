// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcpip

// ErrorKind classifies an Error for callers that only care about the broad
// failure class.
type ErrorKind uint8

// Error kinds.
const (
	// KindUsage is an API misuse by the caller (bad handle, wrong state).
	KindUsage ErrorKind = iota

	// KindTransient means the operation may succeed later without any
	// change by the caller (would block, connect in progress).
	KindTransient

	// KindMalformedPacket is a checksum, length or structure failure.
	KindMalformedPacket

	// KindResourceExhausted is a full table or buffer.
	KindResourceExhausted

	// KindProtocolViolation is an unexpected or hostile peer action.
	KindProtocolViolation

	// KindTimeout is an exhausted retry budget.
	KindTimeout

	// KindUnreachable is a missing route, neighbor or interface.
	KindUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindTransient:
		return "transient"
	case KindMalformedPacket:
		return "malformed-packet"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Error represents an error in the netstack error space. Every Error is one of
// the sentinel values below so callers compare them with == or errors.Is.
type Error struct {
	msg         string
	kind        ErrorKind
	ignoreStats bool
}

// Error implements error.
func (e *Error) Error() string {
	return e.msg
}

// String implements fmt.Stringer.
func (e *Error) String() string {
	return e.msg
}

// Kind returns the error class.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// IgnoreStats indicates whether this error should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

func newError(msg string, kind ErrorKind, ignoreStats bool) *Error {
	return &Error{msg: msg, kind: kind, ignoreStats: ignoreStats}
}

// Errors that can be returned by the network stack.
var (
	ErrUnknownProtocol       = newError("unknown protocol", KindUsage, false)
	ErrUnknownNICID          = newError("unknown nic id", KindUsage, false)
	ErrDuplicateNICID        = newError("duplicate nic id", KindUsage, false)
	ErrDuplicateAddress      = newError("duplicate address", KindUsage, false)
	ErrNoRoute               = newError("no route", KindUnreachable, false)
	ErrAlreadyBound          = newError("endpoint already bound", KindUsage, true)
	ErrInvalidEndpointState  = newError("endpoint is in invalid state", KindUsage, false)
	ErrAlreadyConnecting     = newError("endpoint is already connecting", KindUsage, true)
	ErrAlreadyConnected      = newError("endpoint is already connected", KindUsage, true)
	ErrNoPortAvailable       = newError("no ports are available", KindResourceExhausted, false)
	ErrPortInUse             = newError("port is in use", KindUsage, false)
	ErrBadLocalAddress       = newError("bad local address", KindUsage, false)
	ErrClosedForSend         = newError("endpoint is closed for send", KindUsage, true)
	ErrClosedForReceive      = newError("endpoint is closed for receive", KindUsage, true)
	ErrWouldBlock            = newError("operation would block", KindTransient, true)
	ErrConnectionRefused     = newError("connection was refused", KindProtocolViolation, false)
	ErrTimeout               = newError("operation timed out", KindTimeout, false)
	ErrAborted               = newError("operation aborted", KindUsage, false)
	ErrConnectStarted        = newError("connection attempt started", KindTransient, true)
	ErrDestinationRequired   = newError("destination address is required", KindUsage, true)
	ErrNotSupported          = newError("operation not supported", KindUsage, false)
	ErrNotConnected          = newError("endpoint not connected", KindUsage, true)
	ErrConnectionReset       = newError("connection reset by peer", KindProtocolViolation, false)
	ErrConnectionAborted     = newError("connection aborted", KindProtocolViolation, false)
	ErrNoSuchFile            = newError("no such file", KindUsage, false)
	ErrInvalidOptionValue    = newError("invalid option value specified", KindUsage, false)
	ErrNoLinkAddress         = newError("no remote link address", KindUnreachable, false)
	ErrBadAddress            = newError("bad address", KindUsage, false)
	ErrNetworkUnreachable    = newError("network is unreachable", KindUnreachable, false)
	ErrHostUnreachable       = newError("host is unreachable", KindUnreachable, false)
	ErrPortUnreachable       = newError("port is unreachable", KindUnreachable, false)
	ErrMessageTooLong        = newError("message too long", KindUsage, false)
	ErrNoBufferSpace         = newError("no buffer space available", KindResourceExhausted, false)
	ErrBroadcastDisabled     = newError("broadcast socket option disabled", KindUsage, false)
	ErrNotPermitted          = newError("operation not permitted", KindUsage, false)
	ErrAddressFamilyMismatch = newError("address family mismatch", KindUsage, false)
	ErrMalformedHeader       = newError("header is malformed", KindMalformedPacket, false)
	ErrInvalidHandle         = newError("invalid socket handle", KindUsage, false)
	ErrNameNotFound          = newError("name not found", KindProtocolViolation, false)
	ErrTruncated             = newError("message truncated", KindProtocolViolation, false)
	ErrNICDisabled           = newError("interface is down", KindUnreachable, false)
)
