package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest_Flattens(t *testing.T) {
	body := struct {
		MAC     string `json:"mac"`
		NewName string `json:"new_name"`
	}{MAC: "AA:BB:CC:DD:EE:FF", NewName: "porch"}

	b, err := EncodeRequest(OpRenameCamera, 42, body)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "rename_camera", got["type"])
	assert.EqualValues(t, 42, got["transaction_id"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", got["mac"])
	assert.Equal(t, "porch", got["new_name"])
	assert.Len(t, got, 4)
}

func TestEncodeRequest_RoutingFieldsWin(t *testing.T) {
	b, err := EncodeRequest(OpGetCameras, 7, map[string]interface{}{"type": "spoof", "transaction_id": 1})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "get_cameras", got["type"])
	assert.EqualValues(t, 7, got["transaction_id"])
}

func TestEncodeRequest_NilBody(t *testing.T) {
	b, err := EncodeRequest(OpGetNotifications, 9, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_notifications","transaction_id":9}`, string(b))
}

func TestEncodeRequest_RejectsNonObject(t *testing.T) {
	_, err := EncodeRequest(OpSendFCMToken, 1, []string{"a"})
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"transaction_id": 12, "status": "success", "data": {"type": "frame", "frame": "abc"}}`))
	require.NoError(t, err)
	assert.EqualValues(t, 12, env.TransactionID)
	assert.True(t, env.Succeeded())

	typ, ok := env.EventType()
	assert.True(t, ok)
	assert.Equal(t, EventFrame, typ)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	for _, in := range []string{"", "[]", "not json", `{"transaction_id": -1}`, `{"transaction_id": "x"}`} {
		_, err := DecodeEnvelope([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformed), "input %q: %v", in, err)
	}
}

func TestEnvelope_EventType_NonObjectData(t *testing.T) {
	env := Envelope{Status: "error", Data: json.RawMessage(`"nope"`)}
	_, ok := env.EventType()
	assert.False(t, ok)

	env = Envelope{Status: StatusSuccess, Data: json.RawMessage(`{"cameras": []}`)}
	_, ok = env.EventType()
	assert.False(t, ok)
}

func TestEnvelope_Reason(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"error field", Envelope{Error: "Request timed out"}, "Request timed out"},
		{"string data", Envelope{Data: json.RawMessage(`"Wrong password"`)}, "Wrong password"},
		{"reason member", Envelope{Data: json.RawMessage(`{"reason": "Code sent", "time_left": 60}`)}, "Code sent"},
		{"info member", Envelope{Data: json.RawMessage(`{"info": "Invalid password"}`)}, "Invalid password"},
		{"info before others", Envelope{Data: json.RawMessage(`{"session_id": "abc", "info": "Logged in successfully", "reason": "x"}`)}, "Logged in successfully"},
		{"error member", Envelope{Data: json.RawMessage(`{"error": "Unknown camera"}`)}, "Unknown camera"},
		{"raw fallback", Envelope{Data: json.RawMessage(`17`)}, "17"},
		{"empty", Envelope{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.Reason())
		})
	}
}

func TestEnvelope_DecodeData(t *testing.T) {
	var out struct {
		Start string `json:"start_date"`
	}
	env := Envelope{Data: json.RawMessage(`{"start_date": "2024-01-01T00:00:00Z"}`)}
	require.NoError(t, env.DecodeData(&out))
	assert.Equal(t, "2024-01-01T00:00:00Z", out.Start)

	err := Envelope{}.DecodeData(&out)
	assert.True(t, errors.Is(err, ErrMalformed))

	err = Envelope{Data: json.RawMessage(`null`)}.DecodeData(&out)
	assert.True(t, errors.Is(err, ErrMalformed))

	err = Envelope{Data: json.RawMessage(`"str"`)}.DecodeData(&out)
	assert.True(t, errors.Is(err, ErrMalformed))
}
