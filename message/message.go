// Package message defines the logical envelopes exchanged between a
// visualization client and the RPC server.
//
// A Request or Response is the "logical message": it is serialized by the codec
// layer and may then be split into several protocol frames by the chunking
// layer when it is larger than the configured chunk size.
package message

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// ErrorKind classifies a failed call. It travels on the wire as a string.
type ErrorKind string

const (
	KindMethodNotFound     ErrorKind = "MethodNotFound"     // No handler registered under the method name
	KindHandlerException   ErrorKind = "HandlerException"   // The handler returned an error or panicked
	KindConnectionClosed   ErrorKind = "ConnectionClosed"   // Call or accessor used on/after a closed connection
	KindChunkStreamAborted ErrorKind = "ChunkStreamAborted" // Fragment ordering violation or premature closure
	KindInvalidRequest     ErrorKind = "InvalidRequest"     // Envelope could not be decoded or reused an in-flight callId
	KindTimeout            ErrorKind = "Timeout"            // Handler exceeded the configured deadline
	KindRateLimited        ErrorKind = "RateLimited"        // Connection exceeded its call budget
)

// Request is the call envelope: {callId, method, args}.
//
// CallID is opaque to the server: whatever the client sends is echoed back on
// the matching Response.
type Request struct {
	CallID any    `json:"callId" cbor:"callId"`
	Method string `json:"method" cbor:"method"`
	Args   []any  `json:"args,omitempty" cbor:"args,omitempty"`
}

// Response is either {callId, result} or {callId, error}. A successful
// response always carries result, null included.
type Response struct {
	CallID any       `json:"callId" cbor:"callId"`
	Result any       `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty" cbor:"error,omitempty"`
}

type successWire struct {
	CallID any `json:"callId" cbor:"callId"`
	Result any `json:"result" cbor:"result"`
}

type failureWire struct {
	CallID any       `json:"callId" cbor:"callId"`
	Error  *RPCError `json:"error" cbor:"error"`
}

var cborEnc, _ = cbor.CanonicalEncOptions().EncMode()

func (r Response) wire() any {
	if r.Error != nil {
		return failureWire{CallID: r.CallID, Error: r.Error}
	}
	return successWire{CallID: r.CallID, Result: r.Result}
}

func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

func (r Response) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(r.wire())
}

// RPCError is the only error shape that crosses the wire.
type RPCError struct {
	Kind    ErrorKind `json:"kind" cbor:"kind"`
	Message string    `json:"message,omitempty" cbor:"message,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports kind equality so errors.Is(err, &RPCError{Kind: k}) works.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Kind == e.Kind
}

// NewError builds an RPCError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *RPCError {
	return &RPCError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Result builds a successful response for callID.
func Result(callID any, v any) *Response {
	return &Response{CallID: callID, Result: v}
}

// Failure builds an error response for callID.
func Failure(callID any, err *RPCError) *Response {
	return &Response{CallID: callID, Error: err}
}

// CallKey normalizes an opaque call id into a comparable table key.
// JSON decodes numbers as float64 while CBOR yields uint64, so both are
// rendered through their textual form.
func CallKey(callID any) string {
	switch v := callID.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("n:%d", int64(v))
		}
		return fmt.Sprintf("n:%g", v)
	case float32:
		return CallKey(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("n:%d", v)
	default:
		return fmt.Sprintf("v:%v", v)
	}
}
