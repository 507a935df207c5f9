// Package wire defines the JSON frames exchanged over the live websocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypePublish     Type = "publish"
	TypeMessage     Type = "message"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
)

var ErrInvalidFrame = errors.New("invalid frame")

// Frame is one websocket text message. Payload is carried through untouched.
type Frame struct {
	Type    Type            `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Validate checks that a frame has the fields its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if f.Topic == "" {
			return fmt.Errorf("%w: %s without topic", ErrInvalidFrame, f.Type)
		}
	case TypePublish, TypeMessage:
		if f.Topic == "" {
			return fmt.Errorf("%w: %s without topic", ErrInvalidFrame, f.Type)
		}
		if len(f.Payload) > 0 && !json.Valid(f.Payload) {
			return fmt.Errorf("%w: %s payload is not json", ErrInvalidFrame, f.Type)
		}
	case TypePing, TypePong, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

// Decode parses and validates a frame.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%w: %s", ErrInvalidFrame, err)
	}
	return f, f.Validate()
}

// Errorf builds an error frame that echoes the id of the request it answers.
func Errorf(id, format string, a ...any) Frame {
	return Frame{Type: TypeError, ID: id, Error: fmt.Sprintf(format, a...)}
}
