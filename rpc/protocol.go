package rpc

import (
	"encoding/json"
	"fmt"
)

// Server-to-client envelope kinds on the socket/TCP channel.
const (
	// KindMessage carries a terminal ResponseMessage.
	KindMessage = "message"

	// KindStream carries a non-terminal StreamMessage.
	KindStream = "stream"

	// KindMalformedRequest carries a connection-scoped ErrorPayload for an
	// inbound message whose request id could not be recovered.
	KindMalformedRequest = "malformedRequest"
)

// RequestMessage is the client-to-server wire message on the socket/TCP
// channel. Mid is unique within the lifetime of the connection at the time
// of issue; Data is opaque and validated downstream.
type RequestMessage struct {
	Mid  uint64          `json:"mid"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResponseMessage is the terminal server-to-client wire message. ID echoes
// the request's Mid.
type ResponseMessage struct {
	ID     uint64          `json:"id"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StreamMessage is a non-terminal server-to-client wire message.
type StreamMessage struct {
	ID   uint64          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// ErrorPayload is the wire shape of a rendered error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Envelope wraps every server-to-client frame on the socket/TCP channel so
// the client can demultiplex responses, stream chunks, and connection-scoped
// events.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// rawRequest is the loose shape used to validate an inbound frame without
// letting a type mismatch abort decoding entirely.
type rawRequest struct {
	Mid  json.RawMessage `json:"mid"`
	Type json.RawMessage `json:"type"`
	Data json.RawMessage `json:"data"`
}

// rawIDResponse is a ResponseMessage whose id echoes a verbatim wire token.
// Used to reject messages whose id was numeric but not a valid request id.
type rawIDResponse struct {
	ID     json.RawMessage `json:"id"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DecodeRequestMessage validates and decodes one inbound frame. Validation
// failure yields a MalformedMessageError carrying the verbatim id token when
// it was present and numeric; it never panics, so the listener can answer
// with a synthesized error instead of dying.
func DecodeRequestMessage(raw []byte) (*RequestMessage, *MalformedMessageError) {
	var probe rawRequest
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &MalformedMessageError{Reason: "invalid json"}
	}

	if len(probe.Mid) == 0 || string(probe.Mid) == "null" {
		return nil, &MalformedMessageError{Reason: "missing mid"}
	}

	var mid uint64
	if err := json.Unmarshal(probe.Mid, &mid); err != nil {
		// A numeric id that is not a non-negative integer, -1 or 1.5 say,
		// still identifies the request for a targeted rejection.
		var f float64
		if json.Unmarshal(probe.Mid, &f) == nil {
			return nil, &MalformedMessageError{
				Reason: "mid must be a non-negative integer",
				Mid:    probe.Mid,
			}
		}
		return nil, &MalformedMessageError{Reason: "mid must be a non-negative integer"}
	}

	if len(probe.Type) == 0 || string(probe.Type) == "null" {
		return nil, &MalformedMessageError{Reason: "missing type", Mid: probe.Mid}
	}

	var route string
	if err := json.Unmarshal(probe.Type, &route); err != nil {
		return nil, &MalformedMessageError{Reason: "type must be a string", Mid: probe.Mid}
	}
	if route == "" {
		return nil, &MalformedMessageError{Reason: "type must not be empty", Mid: probe.Mid}
	}

	return &RequestMessage{Mid: mid, Type: route, Data: probe.Data}, nil
}

// EncodeEnvelope serializes a server-to-client frame.
func EncodeEnvelope(kind string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}
