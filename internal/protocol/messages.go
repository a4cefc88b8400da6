// Package protocol defines the JSON envelopes exchanged over the real-time transports.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/osail-liaso/relay/internal/models"
)

// Inbound message types.
const (
	TypePing   = "ping"
	TypePrompt = "prompt"
)

// Outbound event types.
const (
	TypePong    = "pong"
	TypeMessage = "message"
	TypeEOM     = "EOM"
	TypeError   = "ERROR"
)

// Transport tags carried in every outbound frame.
const (
	KindWebSockets = "websockets"
	KindSocketIO   = "socket.io"
)

// Defaults applied to prompt frames that omit them.
const (
	DefaultProvider = models.ProviderOpenAI
	DefaultModel    = "gpt-4"
)

// Error texts sent to clients.
const (
	ErrMissingUUID          = "Missing Uuid"
	ErrProcessingMessage    = "Error processing message"
	ErrUnrecognizedType     = "Unrecognized message type"
	ErrProviderNotSupported = "Provider not supported or not activated."
	ErrRequestTimedOut      = "request timed out"
)

// Inbound is a client frame.
type Inbound struct {
	UUID           string               `json:"uuid"`
	Session        string               `json:"session"`
	Type           string               `json:"type"`
	Token          string               `json:"token,omitempty"`
	Provider       string               `json:"provider,omitempty"`
	Model          string               `json:"model,omitempty"`
	Temperature    Temperature          `json:"temperature,omitempty"`
	SystemPrompt   string               `json:"systemPrompt,omitempty"`
	UserPrompt     string               `json:"userPrompt,omitempty"`
	MessageHistory []models.ChatMessage `json:"messageHistory,omitempty"`
}

// ProviderOrDefault returns the requested provider tag, or openAi when omitted.
func (in *Inbound) ProviderOrDefault() string {
	if in.Provider == "" {
		return DefaultProvider
	}
	return in.Provider
}

// ModelOrDefault returns the requested model, or gpt-4 when omitted.
func (in *Inbound) ModelOrDefault() string {
	if in.Model == "" {
		return DefaultModel
	}
	return in.Model
}

// Outbound is a server frame. Message is null for pong and EOM.
type Outbound struct {
	Session          string  `json:"session"`
	Type             string  `json:"type"`
	Message          *string `json:"message"`
	RealTimeProtocol string  `json:"realTimeProtocol"`
}

// Identify is the first frame sent on a new connection.
type Identify struct {
	UUID             string `json:"uuid"`
	RealTimeProtocol string `json:"realTimeProtocol"`
}

// ErrorReply is sent for frames rejected before they reach the relay.
type ErrorReply struct {
	Message string `json:"message"`
}

// ProviderErrorMessage is the ERROR payload for an unknown or disabled provider.
func ProviderErrorMessage() string {
	b, _ := json.Marshal(ErrorReply{Message: ErrProviderNotSupported})
	return string(b)
}

// Temperature accepts a JSON number or a numeric string. Anything else decodes as zero.
type Temperature float64

// UnmarshalJSON implements json.Unmarshaler.
func (t *Temperature) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}

	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			*t = 0
			return nil
		}
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*t = 0
		return nil
	}
	*t = Temperature(f)
	return nil
}

// Decode parses a client frame.
func Decode(raw []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
