package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType discriminates inbound frames.
type FrameType string

const (
	FrameNewMessage    FrameType = "new_message"
	FrameMessageStatus FrameType = "message_status"
	FrameError         FrameType = "error"
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	if ft == "" {
		return "UNKNOWN"
	}
	return string(ft)
}

var (
	// ErrUnknownFrame is returned for well-formed frames of a type this
	// package does not understand. Callers are expected to discard them.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrInvalidMessage is returned when an outbound send frame is missing
	// receiver_id or content.
	ErrInvalidMessage = errors.New("invalid message format")
)

// Delivery statuses carried by message_status frames.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
)

// MessageStatus confirms a message to its sender.
type MessageStatus struct {
	Status  string  `json:"status"`
	Message Message `json:"message"`
}

// Frame is one decoded server-to-client frame. Exactly one of Message,
// Status or Error is meaningful, selected by Type.
type Frame struct {
	Type    FrameType
	Message *Message
	Status  *MessageStatus
	Error   string
}

type wireFrame struct {
	Type  string          `json:"type,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewMessageFrame builds a new_message frame for msg.
func NewMessageFrame(msg Message) Frame {
	return Frame{Type: FrameNewMessage, Message: &msg}
}

// NewStatusFrame builds a message_status frame.
func NewStatusFrame(status string, msg Message) Frame {
	return Frame{Type: FrameMessageStatus, Status: &MessageStatus{Status: status, Message: msg}}
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(detail string) Frame {
	return Frame{Type: FrameError, Error: detail}
}

// Encode encodes the frame into its JSON wire form.
func (f Frame) Encode() ([]byte, error) {
	var w wireFrame
	switch f.Type {
	case FrameNewMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("failed to encode frame: %s without message", f.Type)
		}
		data, err := json.Marshal(f.Message)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		w = wireFrame{Type: string(f.Type), Data: data}
	case FrameMessageStatus:
		if f.Status == nil {
			return nil, fmt.Errorf("failed to encode frame: %s without status", f.Type)
		}
		data, err := json.Marshal(f.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		w = wireFrame{Type: string(f.Type), Data: data}
	case FrameError:
		w = wireFrame{Error: f.Error}
	default:
		return nil, fmt.Errorf("failed to encode frame: %w: %q", ErrUnknownFrame, f.Type)
	}
	return json.Marshal(w)
}

// DecodeFrame decodes one inbound frame. Error frames carry no type field;
// they are recognized by a non-empty "error" member.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch FrameType(w.Type) {
	case FrameNewMessage:
		if isEmptyData(w.Data) {
			return Frame{}, fmt.Errorf("failed to decode frame: %s without data", w.Type)
		}
		var msg Message
		if err := json.Unmarshal(w.Data, &msg); err != nil {
			return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
		}
		return Frame{Type: FrameNewMessage, Message: &msg}, nil
	case FrameMessageStatus:
		if isEmptyData(w.Data) {
			return Frame{}, fmt.Errorf("failed to decode frame: %s without data", w.Type)
		}
		var status MessageStatus
		if err := json.Unmarshal(w.Data, &status); err != nil {
			return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
		}
		return Frame{Type: FrameMessageStatus, Status: &status}, nil
	case "":
		if w.Error != "" {
			return Frame{Type: FrameError, Error: w.Error}, nil
		}
		return Frame{}, fmt.Errorf("failed to decode frame: %w: missing type", ErrUnknownFrame)
	case FrameError:
		return Frame{Type: FrameError, Error: w.Error}, nil
	default:
		return Frame{Type: FrameType(w.Type)}, fmt.Errorf("failed to decode frame: %w: %q", ErrUnknownFrame, w.Type)
	}
}

func isEmptyData(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed == "" || trimmed == "null"
}

// SendRequest is the client-to-server frame that creates a message.
type SendRequest struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// Encode encodes the request into its JSON wire form.
func (r SendRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}
	return data, nil
}

// DecodeSendRequest decodes and validates a client send frame. Both fields
// must be present; an empty content string is allowed on the wire.
func DecodeSendRequest(data []byte) (SendRequest, error) {
	var raw struct {
		ReceiverID *json.Number `json:"receiver_id"`
		Content    *string      `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return SendRequest{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if raw.ReceiverID == nil || raw.Content == nil {
		return SendRequest{}, ErrInvalidMessage
	}
	id, err := raw.ReceiverID.Int64()
	if err != nil {
		return SendRequest{}, fmt.Errorf("%w: receiver_id: %v", ErrInvalidMessage, err)
	}
	return SendRequest{ReceiverID: id, Content: *raw.Content}, nil
}
