package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

// Envelope is an inbound frame. Data is kept raw and decoded per operation.
type Envelope struct {
	TransactionID uint32          `json:"transaction_id"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Succeeded reports whether the hub marked the message as a success.
func (e Envelope) Succeeded() bool {
	return e.Status == StatusSuccess
}

// EventType returns data.type when data is an object carrying one.
func (e Envelope) EventType() (EventType, bool) {
	if !isObject(e.Data) {
		return "", false
	}
	var peek struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(e.Data, &peek); err != nil || peek.Type == "" {
		return "", false
	}
	return peek.Type, true
}

// Reason extracts the human readable text of an envelope: the error field, a
// plain string data payload, or an info/reason/error/message member of a data
// object, in that order.
func (e Envelope) Reason() string {
	if e.Error != "" {
		return e.Error
	}
	if len(e.Data) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}

	if isObject(e.Data) {
		var fields struct {
			Info    string `json:"info"`
			Reason  string `json:"reason"`
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(e.Data, &fields); err == nil {
			switch {
			case fields.Info != "":
				return fields.Info
			case fields.Reason != "":
				return fields.Reason
			case fields.Error != "":
				return fields.Error
			case fields.Message != "":
				return fields.Message
			}
		}
	}
	return string(e.Data)
}

// DecodeData unmarshals the data payload into v.
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	return nil
}

// DecodeEnvelope parses one inbound text frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if !isObject(b) {
		return env, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}
	return env, nil
}

// EncodeRequest builds {"type": op, "transaction_id": id, ...body}. body must
// marshal to a JSON object (or be nil); its members are flattened next to the
// routing fields, which always win on a name clash.
func EncodeRequest(op Operation, id uint32, body interface{}) ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request body: %w", op, err)
		}
		if !bytes.Equal(b, []byte("null")) {
			if !isObject(b) {
				return nil, fmt.Errorf("failed to encode %s request body: not an object", op)
			}
			if err := json.Unmarshal(b, &fields); err != nil {
				return nil, fmt.Errorf("failed to flatten %s request body: %w", op, err)
			}
		}
	}

	typ, _ := json.Marshal(op)
	tid, _ := json.Marshal(id)
	fields["type"] = typ
	fields["transaction_id"] = tid

	return json.Marshal(fields)
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
