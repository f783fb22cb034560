package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequestMessage(t *testing.T) {
	msg, merr := DecodeRequestMessage([]byte(`{"mid":7,"type":"node/getStatus","data":{"full":true}}`))
	require.Nil(t, merr)
	require.Equal(t, uint64(7), msg.Mid)
	require.Equal(t, "node/getStatus", msg.Type)
	require.JSONEq(t, `{"full":true}`, string(msg.Data))
}

func TestDecodeRequestMessage_NoData(t *testing.T) {
	msg, merr := DecodeRequestMessage([]byte(`{"mid":0,"type":"ping"}`))
	require.Nil(t, merr)
	require.Equal(t, uint64(0), msg.Mid)
	require.Empty(t, msg.Data)
}

func TestDecodeRequestMessage_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
		mid    string
	}{
		{"invalid json", `{not json`, "invalid json", ""},
		{"empty object", `{}`, "missing mid", ""},
		{"null mid", `{"mid":null,"type":"a"}`, "missing mid", ""},
		{"string mid", `{"mid":"7","type":"a"}`, "mid must be a non-negative integer", ""},
		{"negative mid", `{"mid":-1,"type":"a"}`, "mid must be a non-negative integer", `-1`},
		{"fractional mid", `{"mid":1.5,"type":"a"}`, "mid must be a non-negative integer", `1.5`},
		{"missing type", `{"mid":9}`, "missing type", `9`},
		{"null type", `{"mid":9,"type":null}`, "missing type", `9`},
		{"numeric type", `{"mid":9,"type":5}`, "type must be a string", `9`},
		{"empty type", `{"mid":9,"type":""}`, "type must not be empty", `9`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, merr := DecodeRequestMessage([]byte(tc.raw))
			require.Nil(t, msg)
			require.NotNil(t, merr)
			require.Equal(t, tc.reason, merr.Reason)
			if tc.mid == "" {
				require.Nil(t, merr.Mid)
			} else {
				require.Equal(t, tc.mid, string(merr.Mid))
			}
		})
	}
}

func TestEncodeEnvelope(t *testing.T) {
	frame, err := EncodeEnvelope(KindStream, StreamMessage{
		ID:   3,
		Data: json.RawMessage(`{"seq":1}`),
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, KindStream, env.Type)

	var stream StreamMessage
	require.NoError(t, json.Unmarshal(env.Data, &stream))
	require.Equal(t, uint64(3), stream.ID)
	require.JSONEq(t, `{"seq":1}`, string(stream.Data))
}

func TestEncodeEnvelope_MalformedRequest(t *testing.T) {
	frame, err := EncodeEnvelope(KindMalformedRequest, ErrorPayload{
		Code:    CodeMalformedRequest,
		Message: "malformed message: invalid json",
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	require.Equal(t, KindMalformedRequest, env.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeMalformedRequest, payload.Code)
}
