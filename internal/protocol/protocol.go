// Package protocol defines the request/response envelope exchanged between
// the bridge server embedded in the host and automation clients, together
// with the wire constants both sides share.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire constants shared between server and client.
const (
	// TokenHeader carries the shared-secret token when one is configured.
	TokenHeader = "X-Bridge-Token"

	// RouteLogsRead returns the log ring buffer as plain text.
	RouteLogsRead = "/logs/read"
	// RouteLogsStream is the server-sent-events log feed.
	RouteLogsStream = "/logs/stream"
	// RouteLogsWS is the WebSocket log feed.
	RouteLogsWS = "/logs/ws"
	// RouteStatus reports whether the host is busy (mid-reload, compiling).
	RouteStatus = "/status"
)

// Envelope is the uniform response wrapper. Exactly one of the two shapes is
// valid: OK with an optional result, or not-OK with a non-empty Error.
//
// ResultJSON carries a second, independently encoded JSON document for
// handler results whose shape is decided at runtime and has already been
// serialized by the handler itself. Absence of both Result and ResultJSON on
// a successful envelope means a void result.
type Envelope struct {
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	ResultJSON string          `json:"resultJson,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Opaque marks a handler return value as already-serialized JSON. The
// dispatcher routes it through the ResultJSON field instead of re-encoding.
type Opaque string

// StatusResult is the payload of the built-in status route.
type StatusResult struct {
	Busy bool `json:"busy"`
}

// RemoteError is a failure reported by the handler itself, carried inside a
// well-formed envelope. It is never retried by the client.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "host operation failed: " + e.Message
}

// EncodeOK builds a success envelope from a handler return value. A nil
// value yields a void success. An Opaque value is passed through verbatim
// as ResultJSON.
func EncodeOK(value any) (*Envelope, error) {
	if value == nil {
		return &Envelope{OK: true}, nil
	}
	if opaque, ok := value.(Opaque); ok {
		return EncodeOKOpaque(string(opaque)), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Envelope{OK: true, Result: data}, nil
}

// EncodeOKOpaque builds a success envelope around a pre-serialized JSON
// document.
func EncodeOKOpaque(jsonDoc string) *Envelope {
	return &Envelope{OK: true, ResultJSON: jsonDoc}
}

// EncodeErr builds a failure envelope.
func EncodeErr(message string) *Envelope {
	return &Envelope{OK: false, Error: message}
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope received from the server and extracts its
// result. A failure envelope yields a *RemoteError. A void success yields
// nil bytes. A ResultJSON payload is returned as the result document after
// validation, so callers handle both encodings identically.
func Decode(data []byte) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if !env.OK {
		if env.Error == "" {
			return nil, fmt.Errorf("malformed envelope: not ok but no error")
		}
		return nil, &RemoteError{Message: env.Error}
	}
	if len(env.Result) > 0 {
		return env.Result, nil
	}
	if env.ResultJSON != "" {
		doc := json.RawMessage(env.ResultJSON)
		if !json.Valid(doc) {
			return nil, fmt.Errorf("malformed envelope: resultJson is not valid JSON")
		}
		return doc, nil
	}
	return nil, nil
}

// DecodeInto decodes an envelope and unmarshals its result into out. A void
// result leaves out untouched.
func DecodeInto(data []byte, out any) error {
	result, err := Decode(data)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}
