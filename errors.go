package patches

import "errors"

// Sentinel errors for the kinds that carry no payload. Callers use
// errors.Is against these; wrapped errors (below) are matched with
// errors.As.
var (
	// ErrClosedDoc is returned by Replica.Change after Close.
	ErrClosedDoc = errors.New("patches: document replica is closed")
	// ErrInvalidOps is returned when a mutator produces an operation
	// the bound strategy rejects.
	ErrInvalidOps = errors.New("patches: invalid operations")
	// ErrNotTracked is returned by engine operations addressing an
	// untracked doc id.
	ErrNotTracked = errors.New("patches: document is not tracked")
	// ErrNotConnected is returned by flushDoc/transport calls made
	// while the sync engine is disconnected.
	ErrNotConnected = errors.New("patches: not connected")
	// ErrConnectionLost rejects pending RPCs when the transport drops.
	ErrConnectionLost = errors.New("patches: connection lost")
	// ErrCancelled rejects RPCs still pending when the transport is
	// closed; jsonrpc.Client.Close rejects them at once, with no grace
	// period for in-flight requests to settle.
	ErrCancelled = errors.New("patches: cancelled")
)

// ParseError is returned for every pending RPC when the transport
// receives a frame that does not parse as JSON-RPC. RawFrame is
// truncated to 200 bytes, matching the source's recovery policy (§4.5).
type ParseError struct {
	RawFrame string
	Cause    error
}

func (e *ParseError) Error() string {
	return "patches: unparseable frame: " + e.Cause.Error() + ": " + e.RawFrame
}

func (e *ParseError) Unwrap() error { return e.Cause }

const parseErrorRawFrameLimit = 200

// NewParseError truncates raw to the wire-level limit before wrapping it.
func NewParseError(raw string, cause error) *ParseError {
	if len(raw) > parseErrorRawFrameLimit {
		raw = raw[:parseErrorRawFrameLimit]
	}
	return &ParseError{RawFrame: raw, Cause: cause}
}

// ServerError mirrors a JSON-RPC error object returned by the server,
// including custom codes above the reserved JSON-RPC range.
type ServerError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ServerError) Error() string { return e.Message }

// Reserved JSON-RPC 2.0 error codes (§6.2).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// MethodNotFoundError is returned by a client RPC call whose method the
// server does not implement.
type MethodNotFoundError struct{ Method string }

func (e *MethodNotFoundError) Error() string { return "patches: method not found: " + e.Method }

// InvalidParamsError is returned when the server rejects the shape of
// the params sent for a method.
type InvalidParamsError struct {
	Method  string
	Message string
}

func (e *InvalidParamsError) Error() string {
	return "patches: invalid params for " + e.Method + ": " + e.Message
}

// FlushFailedError wraps the cause of a failed flushDoc call with the
// doc id it was flushing (§7).
type FlushFailedError struct {
	DocID string
	Cause error
}

func (e *FlushFailedError) Error() string {
	return "patches: flush failed for " + e.DocID + ": " + e.Cause.Error()
}

func (e *FlushFailedError) Unwrap() error { return e.Cause }

// SyncFailedError wraps the cause of a failed syncDoc call with the doc
// id it was syncing (§7).
type SyncFailedError struct {
	DocID string
	Cause error
}

func (e *SyncFailedError) Error() string {
	return "patches: sync failed for " + e.DocID + ": " + e.Cause.Error()
}

func (e *SyncFailedError) Unwrap() error { return e.Cause }

// StoreError wraps any error surfaced by a Store implementation so
// callers can distinguish persistence failures from protocol/algorithm
// failures without string matching.
type StoreError struct {
	Op    string
	DocID string
	Cause error
}

func (e *StoreError) Error() string {
	if e.DocID == "" {
		return "patches: store." + e.Op + ": " + e.Cause.Error()
	}
	return "patches: store." + e.Op + "(" + e.DocID + "): " + e.Cause.Error()
}

func (e *StoreError) Unwrap() error { return e.Cause }
