// Package smnerr defines the error taxonomy shared by every SMN
// component: a small, closed set of kinds the coordinator's failure
// policy switches on, each carrying a machine-readable code and
// free-form context for logs.
package smnerr

import "fmt"

// Kind is one of the six error categories the coordinator's failure
// policy distinguishes between.
type Kind string

const (
	KindConfig    Kind = "config"
	KindTransport Kind = "transport"
	KindCodec     Kind = "codec"
	KindProtocol  Kind = "protocol"
	KindTimeout   Kind = "timeout"
	KindNode      Kind = "node"
)

// Error codes for programmatic handling, grouped by kind.
const (
	CodeDependencyCycle     = "DEPENDENCY_CYCLE"
	CodeDuplicateNodeName   = "DUPLICATE_NODE_NAME"
	CodeInvalidDeadline     = "INVALID_DEADLINE"
	CodeMissingField        = "MISSING_FIELD"
	CodeTransportDown       = "TRANSPORT_DOWN"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeSendFailed          = "SEND_FAILED"
	CodeCodecTruncated      = "CODEC_TRUNCATED"
	CodeCodecUnknownKind    = "CODEC_UNKNOWN_KIND"
	CodeCodecBadFields      = "CODEC_BAD_FIELDS"
	CodeRegistrationConflict = "REGISTRATION_CONFLICT"
	CodeAckWrongMask        = "ACK_WRONG_MASK"
	CodeUnexpectedState     = "UNEXPECTED_STATE"
	CodeAckTimeout          = "ACK_TIMEOUT"
	CodeNodeTimedOut        = "NODE_TIMED_OUT"
	CodeNodeReportedError   = "NODE_REPORTED_ERROR"
	CodeInvalidPeriod       = "INVALID_PERIOD"
	CodeUnknownPort         = "UNKNOWN_PORT"
)

// Error is the concrete error type every SMN package returns instead of
// a bare fmt.Errorf. Kind lets the coordinator's fail() path decide how
// to react; Code lets callers and tests match on a specific cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithContext attaches a key/value pair for logging and returns the
// same error for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given kind with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind around an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// KindOf reports the Kind of err if it is (or wraps) an *Error, and
// false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Constructors for the error paths the coordinator and its components
// hit by name, mirroring the taxonomy in SPEC_FULL.md §7.

func ErrDependencyCycle(detail string) *Error {
	return New(KindConfig, CodeDependencyCycle, "dependency graph contains a cycle").
		WithContext("detail", detail)
}

func ErrDuplicateNodeName(name string) *Error {
	return New(KindConfig, CodeDuplicateNodeName, "duplicate node name in configuration").
		WithContext("name", name)
}

func ErrInvalidDeadline(field string, value any) *Error {
	return New(KindConfig, CodeInvalidDeadline, "invalid deadline configuration").
		WithContext("field", field).
		WithContext("value", value)
}

func ErrInvalidPeriod(nodeName string, localID int32, period int64) *Error {
	return New(KindConfig, CodeInvalidPeriod, "block has a negative period").
		WithContext("node", nodeName).
		WithContext("local_id", localID).
		WithContext("period", period)
}

func ErrUnknownPort(nodeName string, localID int32, port string) *Error {
	return New(KindConfig, CodeUnknownPort, "reference to a port not declared on the node").
		WithContext("node", nodeName).
		WithContext("local_id", localID).
		WithContext("port", port)
}

func ErrTransportDown(nodeID int32, cause error) *Error {
	return Wrap(KindTransport, CodeTransportDown, "transport unreachable", cause).
		WithContext("node_id", nodeID)
}

func ErrCircuitOpen(nodeID int32) *Error {
	return New(KindTransport, CodeCircuitOpen, "circuit breaker open for node").
		WithContext("node_id", nodeID)
}

func ErrRateLimited(nodeID int32) *Error {
	return New(KindTransport, CodeRateLimited, "send throttled by rate limiter").
		WithContext("node_id", nodeID)
}

func ErrSendFailed(nodeID int32, cause error) *Error {
	return Wrap(KindTransport, CodeSendFailed, "send failed", cause).
		WithContext("node_id", nodeID)
}

func ErrCodecTruncated(have, want int) *Error {
	return New(KindCodec, CodeCodecTruncated, "frame truncated").
		WithContext("have_bytes", have).
		WithContext("want_bytes", want)
}

func ErrCodecUnknownKind(kind uint8) *Error {
	return New(KindCodec, CodeCodecUnknownKind, "unknown message kind").
		WithContext("kind", kind)
}

func ErrCodecBadFields(detail string) *Error {
	return New(KindCodec, CodeCodecBadFields, "malformed frame fields").
		WithContext("detail", detail)
}

func ErrRegistrationConflict(nodeID int32, name string) *Error {
	return New(KindProtocol, CodeRegistrationConflict, "node re-registered with conflicting declaration").
		WithContext("node_id", nodeID).
		WithContext("name", name)
}

func ErrAckWrongMask(nodeID int32, got, want uint64) *Error {
	return New(KindProtocol, CodeAckWrongMask, "acknowledgment mask does not match outstanding request").
		WithContext("node_id", nodeID).
		WithContext("got_mask", got).
		WithContext("want_mask", want)
}

func ErrUnexpectedState(detail string) *Error {
	return New(KindProtocol, CodeUnexpectedState, "unexpected coordinator state").
		WithContext("detail", detail)
}

func ErrAckTimeout(nodeID int32, phase string) *Error {
	return New(KindTimeout, CodeAckTimeout, "acknowledgment deadline exceeded").
		WithContext("node_id", nodeID).
		WithContext("phase", phase)
}

func ErrNodeTimedOut(nodeID int32, phase string) *Error {
	return New(KindTimeout, CodeNodeTimedOut, "node timed out after retry").
		WithContext("node_id", nodeID).
		WithContext("phase", phase)
}

func ErrNodeReportedError(nodeID int32, info string) *Error {
	return New(KindNode, CodeNodeReportedError, "node reported an internal error").
		WithContext("node_id", nodeID).
		WithContext("info", info)
}
