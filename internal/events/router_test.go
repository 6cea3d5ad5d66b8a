package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/bilbercode/hsec-client/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameEnvelope(id uint32, status string) protocol.Envelope {
	return protocol.Envelope{
		TransactionID: id,
		Status:        status,
		Data:          json.RawMessage(`{"type":"frame","mac":"AA:BB:CC:DD:EE:FF","frame":"/9j/4AAQ"}`),
	}
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()

	var got []Event
	r.Register(protocol.EventFrame, func(e Event) { got = append(got, e) })

	assert.True(t, r.Dispatch(frameEnvelope(5, protocol.StatusSuccess)))
	assert.True(t, r.Dispatch(frameEnvelope(5, "error")))
	require.Len(t, got, 2)

	assert.Equal(t, protocol.EventFrame, got[0].Type)
	assert.True(t, got[0].Success)
	assert.EqualValues(t, 5, got[0].TransactionID)
	assert.False(t, got[1].Success)

	f, err := got[0].Frame()
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", f.MAC)
	assert.Equal(t, "/9j/4AAQ", f.Frame)
}

func TestRouter_ReplaceHandler(t *testing.T) {
	r := NewRouter()

	var first, second int
	r.Register(protocol.EventFrame, func(Event) { first++ })
	r.Dispatch(frameEnvelope(1, protocol.StatusSuccess))
	r.Register(protocol.EventFrame, func(Event) { second++ })
	r.Dispatch(frameEnvelope(1, protocol.StatusSuccess))
	r.Dispatch(frameEnvelope(1, protocol.StatusSuccess))

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestRouter_Unregister(t *testing.T) {
	r := NewRouter()

	calls := 0
	r.Register(protocol.EventFrame, func(Event) { calls++ })
	assert.True(t, r.Has(protocol.EventFrame))
	r.Unregister(protocol.EventFrame)
	assert.False(t, r.Has(protocol.EventFrame))

	assert.False(t, r.Dispatch(frameEnvelope(1, protocol.StatusSuccess)))
	assert.Zero(t, calls)

	r.Register(protocol.EventFrame, func(Event) { calls++ })
	r.Register(protocol.EventFrame, nil)
	assert.False(t, r.Has(protocol.EventFrame))
}

func TestRouter_IgnoresNonEvents(t *testing.T) {
	r := NewRouter()
	calls := 0
	r.Register(protocol.EventFrame, func(Event) { calls++ })

	for _, env := range []protocol.Envelope{
		{TransactionID: 1, Status: protocol.StatusSuccess, Data: json.RawMessage(`{"cameras":[]}`)},
		{TransactionID: 1, Status: "error", Data: json.RawMessage(`"Unknown camera"`)},
		{TransactionID: 1, Status: protocol.StatusSuccess},
		{Status: protocol.StatusSuccess, Data: json.RawMessage(`{"type":"camera_discovered","ip":"10.0.0.9"}`)},
	} {
		assert.False(t, r.Dispatch(env))
	}
	assert.Zero(t, calls)
}

func TestEvent_TypedPayloads(t *testing.T) {
	discovered := Event{
		Type: protocol.EventCameraDiscovered,
		Data: json.RawMessage(`{"type":"camera_discovered","ip":"10.0.0.9","mac":"11:22:33:44:55:66","port":4999}`),
	}
	c, err := discovered.CameraDiscovered()
	require.NoError(t, err)
	assert.Equal(t, CameraDiscovered{IP: "10.0.0.9", MAC: "11:22:33:44:55:66", Port: 4999}, c)

	_, err = discovered.Frame()
	assert.Error(t, err)

	trigger := Event{
		Type: protocol.EventRedZoneTrigger,
		Data: json.RawMessage(`{"type":"red_zone_trigger","mac":"11:22:33:44:55:66","frame":"AAEC"}`),
	}
	z, err := trigger.RedZoneTrigger()
	require.NoError(t, err)
	assert.Equal(t, RedZoneTrigger{MAC: "11:22:33:44:55:66", Frame: "AAEC"}, z)

	bad := Event{Type: protocol.EventFrame, Data: json.RawMessage(`{"type":"frame","frame":12}`)}
	_, err = bad.Frame()
	assert.True(t, errors.Is(err, protocol.ErrMalformed))
}
