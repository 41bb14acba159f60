package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Message types exchanged with apps
const (
	MsgConnectionInit     = "connection_init"
	MsgConnectionAck      = "connection_ack"
	MsgConnectionError    = "connection_error"
	MsgSubscriptionUpdate = "subscription_update"
	MsgDataStream         = "data_stream"
	MsgAppStopped         = "app_stopped"
	MsgRequestTimeout     = "request_timeout"
	MsgRequestCancelled   = "request_cancelled"
	MsgRequestError       = "request_error"
)

// Message types exchanged with the device
const (
	MsgMicrophoneState = "microphone_state_change"
	MsgLocationTier    = "set_location_tier"
	MsgAppStateChange  = "app_state_change"
)

var ErrEmptyFrame = errors.New("empty frame")

// codec mirrors encoding/json semantics (tags, html escaping off)
var codec = sonic.ConfigStd

// Message is the JSON envelope carried by every text frame
type Message struct {
	Type          string            `json:"type"`
	PackageName   string            `json:"packageName,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	RequestID     string            `json:"requestId,omitempty"`
	Reconnect     bool              `json:"reconnect,omitempty"`
	StreamType    string            `json:"streamType,omitempty"`
	Subscriptions []json.RawMessage `json:"subscriptions,omitempty"`
	Data          json.RawMessage   `json:"data,omitempty"`
	Error         string            `json:"error,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
}

// NewMessage creates a message stamped with the current time
func NewMessage(msgType string) *Message {
	return &Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
}

// WithData marshals v into the Data field.
func (m *Message) WithData(v any) (*Message, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", m.Type, err)
	}
	m.Data = raw
	return m, nil
}

// Frame is one outbound WebSocket frame
type Frame struct {
	Binary bool
	Data   []byte
}

// BinaryFrame wraps raw bytes (audio) as a binary frame
func BinaryFrame(data []byte) Frame {
	return Frame{Binary: true, Data: data}
}

// Encode serializes a message into a text frame.
func Encode(msg *Message) (Frame, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	raw, err := codec.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return Frame{Data: raw}, nil
}

// Decode parses a text frame into a message.
func Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyFrame
	}
	var msg Message
	if err := codec.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("decode message: missing type")
	}
	return &msg, nil
}

// DecodeData unmarshals the Data field into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return ErrEmptyFrame
	}
	return codec.Unmarshal(m.Data, v)
}
