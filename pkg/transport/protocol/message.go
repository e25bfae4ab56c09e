package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies a client wire frame
type MessageType string

// Reserved inbound message types
const (
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeUnsubscribe  MessageType = "unsubscribe"
	MessageTypeAuthenticate MessageType = "authenticate"
	MessageTypePing         MessageType = "ping"
)

// Reserved outbound message types
const (
	MessageTypeWelcome       MessageType = "welcome"
	MessageTypeSubscribed    MessageType = "subscribed"
	MessageTypeUnsubscribed  MessageType = "unsubscribed"
	MessageTypeAuthenticated MessageType = "authenticated"
	MessageTypePong          MessageType = "pong"
	MessageTypeError         MessageType = "error"
	MessageTypeBatch         MessageType = "batch"
)

// Message is the JSON frame exchanged with clients in both directions
type Message struct {
	Type          MessageType     `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewMessage creates an outbound message with a marshaled payload
func NewMessage(messageType MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

// Decode decodes the message payload into the provided value
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

// Marshal marshals the message to bytes
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal unmarshals bytes into a message
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SubscribeRequest is the payload of subscribe/unsubscribe frames
type SubscribeRequest struct {
	Events []string `json:"events"`
}

// SubscribeResponse confirms a subscription change
type SubscribeResponse struct {
	Events []string `json:"events"`
}

// AuthenticateRequest is the payload of an authenticate frame.
// The token is validated by a collaborator before the connection is
// admitted; this layer only records the user id.
type AuthenticateRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// AuthenticateResponse confirms authentication
type AuthenticateResponse struct {
	UserID string `json:"userId"`
}

// WelcomePayload is sent once after a connection is registered
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
	NodeID       string `json:"nodeId,omitempty"`
}

// ErrorPayload describes a rejected frame
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchPayload coalesces several outbound messages into one frame.
// Compressed is a hint meaning "more than a few messages were
// coalesced"; no wire-level compression is applied.
type BatchPayload struct {
	Messages   []json.RawMessage `json:"messages"`
	Timestamp  time.Time         `json:"timestamp"`
	Compressed bool              `json:"compressed"`
}
