package cable

import (
	"encoding/json"
	"fmt"
)

/*
LEARNING: CHANNEL MULTIPLEXING OVER ONE SOCKET

A single WebSocket carries any number of channel subscriptions. Every
frame names the subscription it belongs to with an "identifier": the
JSON encoding of the channel name plus its parameters. Client frames are
commands (subscribe / unsubscribe / message); server frames are either
control frames tagged with "type" or channel messages carrying
"identifier" + "message".
*/

// Client commands
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandMessage     = "message"
)

// Server control frame types
const (
	TypeWelcome    = "welcome"
	TypePing       = "ping"
	TypeConfirm    = "confirm_subscription"
	TypeReject     = "reject_subscription"
	TypeDisconnect = "disconnect"
)

const (
	// Path is where the relay mounts the cable endpoint.
	Path = "/cable"
	// ChannelParamName is the identifier key holding the channel name.
	ChannelParamName = "channel"
)

// ClientFrame is a client -> server frame. Data is a JSON document
// encoded as a string, holding the action name and its payload.
type ClientFrame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// ServerFrame is a server -> client frame.
type ServerFrame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Identifier returns the canonical identifier of channel with params.
// Map keys are marshalled in sorted order, so equal inputs always produce
// the same string.
func Identifier(channel string, params map[string]string) string {
	fields := make(map[string]string, len(params)+1)
	for k, v := range params {
		fields[k] = v
	}
	fields[ChannelParamName] = channel
	raw, _ := json.Marshal(fields)
	return string(raw)
}

// ParseIdentifier splits an identifier into its channel and parameters.
func ParseIdentifier(identifier string) (string, map[string]string, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(identifier), &fields); err != nil {
		return "", nil, fmt.Errorf("parse identifier: %w", err)
	}
	channel := fields[ChannelParamName]
	if channel == "" {
		return "", nil, fmt.Errorf("parse identifier: missing channel")
	}
	delete(fields, ChannelParamName)
	return channel, fields, nil
}

// EncodeAction merges the action name into the JSON object of payload.
func EncodeAction(action string, payload any) (string, error) {
	body := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", action, err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return "", fmt.Errorf("encode %s payload: not an object: %w", action, err)
		}
	}
	name, _ := json.Marshal(action)
	body["action"] = name

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
