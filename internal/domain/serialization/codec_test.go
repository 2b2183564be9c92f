package serialization

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charging-platform/evse-simulator/internal/domain/ocpp16"
)

func TestDecodeCall(t *testing.T) {
	data := []byte(`[2,"msg-001","BootNotification",{"chargePointVendor":"SimVendor","chargePointModel":"SimModel"}]`)

	frame, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ocpp16.Call, frame.Type)
	assert.Equal(t, "msg-001", frame.MessageID)
	assert.Equal(t, "BootNotification", frame.Action)

	var req ocpp16.BootNotificationRequest
	require.NoError(t, DecodePayload(frame.Payload, &req))
	assert.Equal(t, "SimVendor", req.ChargePointVendor)
}

func TestDecodeCallWithoutPayload(t *testing.T) {
	frame, err := Decode([]byte(`[2,"msg-002","Heartbeat"]`))
	require.NoError(t, err)

	assert.Equal(t, ocpp16.Call, frame.Type)
	assert.Equal(t, "Heartbeat", frame.Action)
	assert.JSONEq(t, `{}`, string(frame.Payload))
}

func TestDecodeCallResult(t *testing.T) {
	data := []byte(`[3,"msg-003",{"currentTime":"2026-08-24T10:00:00Z"}]`)

	frame, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ocpp16.CallResult, frame.Type)
	assert.Equal(t, "msg-003", frame.MessageID)
	assert.Empty(t, frame.Action)
}

func TestDecodeCallError(t *testing.T) {
	data := []byte(`[4,"msg-004","NotImplemented","action not supported",{}]`)

	frame, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ocpp16.CallError, frame.Type)
	assert.Equal(t, "NotImplemented", frame.ErrorCode)
	assert.Equal(t, "action not supported", frame.ErrorDescription)
}

func TestDecodeMalformedFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `not-json`},
		{name: "not an array", data: `{"messageTypeId":2}`},
		{name: "empty array", data: `[]`},
		{name: "single element", data: `[2]`},
		{name: "message type not integer", data: `["2","msg-1","Heartbeat",{}]`},
		{name: "message id not string", data: `[2,42,"Heartbeat",{}]`},
		{name: "empty message id", data: `[2,"","Heartbeat",{}]`},
		{name: "call missing action", data: `[2,"msg-1"]`},
		{name: "call action not string", data: `[2,"msg-1",7,{}]`},
		{name: "call empty action", data: `[2,"msg-1","",{}]`},
		{name: "call too many elements", data: `[2,"msg-1","Heartbeat",{},{}]`},
		{name: "callresult too many elements", data: `[3,"msg-1",{},{}]`},
		{name: "callerror too few elements", data: `[4,"msg-1","GenericError"]`},
		{name: "callerror too many elements", data: `[4,"msg-1","GenericError","desc",{},{}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)

			var framingErr *FramingError
			assert.ErrorAs(t, err, &framingErr)
		})
	}
}

func TestDecodeUnknownFrameType(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType int
	}{
		{name: "type 5", data: `[5,"msg-1",{}]`, wantType: 5},
		{name: "type 0", data: `[0,"msg-1",{}]`, wantType: 0},
		{name: "negative type", data: `[-1,"msg-1",{}]`, wantType: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)

			var unknownErr *UnknownFrameTypeError
			require.ErrorAs(t, err, &unknownErr)
			assert.Equal(t, tt.wantType, unknownErr.Type)
		})
	}
}

func TestEncodeCall(t *testing.T) {
	payload := ocpp16.HeartbeatRequest{}

	data, err := EncodeCall("msg-010", string(ocpp16.ActionHeartbeat), payload)
	require.NoError(t, err)
	assert.Equal(t, `[2,"msg-010","Heartbeat",{}]`, string(data))
}

func TestEncodeCallResult(t *testing.T) {
	data, err := EncodeCallResult("msg-011", ocpp16.StatusNotificationResponse{})
	require.NoError(t, err)
	assert.Equal(t, `[3,"msg-011",{}]`, string(data))
}

func TestEncodeCallError(t *testing.T) {
	data, err := EncodeCallError("msg-012", "ProtocolError", "bad frame", nil)
	require.NoError(t, err)
	assert.Equal(t, `[4,"msg-012","ProtocolError","bad frame",{}]`, string(data))
}

func TestEncodeNoHTMLEscaping(t *testing.T) {
	payload := map[string]string{"data": "<a>&</a>"}

	data, err := EncodeCall("msg-013", string(ocpp16.ActionDataTransfer), payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<a>&</a>`)
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "call", data: `[2,"rt-1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Available"}]`},
		{name: "callresult", data: `[3,"rt-2",{"transactionId":42,"idTagInfo":{"status":"Accepted"}}]`},
		{name: "callerror with details", data: `[4,"rt-3","InternalError","boom",{"detail":"x"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Decode([]byte(tt.data))
			require.NoError(t, err)

			encoded, err := frame.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tt.data, string(encoded))
		})
	}
}

func TestDecodePayloadInvalid(t *testing.T) {
	var req ocpp16.BootNotificationRequest
	err := DecodePayload(json.RawMessage(`[1,2,3]`), &req)
	require.Error(t, err)

	var framingErr *FramingError
	assert.ErrorAs(t, err, &framingErr)
}
