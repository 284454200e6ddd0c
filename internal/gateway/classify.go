// Package gateway runs the room protocol for one connection: it classifies
// inbound frames, dispatches them to the room and queues outbound frames.
package gateway

import (
	"fmt"

	"pkt.systems/roomsync/schema"
)

// Class is the protocol meaning of an inbound frame.
type Class int

const (
	// ClassUpdate is an opaque document update for the codec.
	ClassUpdate Class = iota + 1
	// ClassControl is a JSON control message.
	ClassControl
)

func (c Class) String() string {
	switch c {
	case ClassUpdate:
		return "update"
	case ClassControl:
		return "control"
	default:
		return "unknown"
	}
}

// Classify decides how an inbound frame is handled. Text frames are control
// messages. Binary frames whose first non-space byte is '{' or '[' are
// control messages sent over a binary channel; other binary frames are
// document updates.
func Classify(frame schema.Frame) (Class, error) {
	if len(frame.Data) == 0 {
		return 0, fmt.Errorf("%w: empty %s frame", schema.ErrInvalidMessage, frame.Kind)
	}
	switch frame.Kind {
	case schema.FrameText:
		return ClassControl, nil
	case schema.FrameBinary:
		if looksLikeJSON(frame.Data) {
			return ClassControl, nil
		}
		return ClassUpdate, nil
	default:
		return 0, fmt.Errorf("%w: frame kind %d", schema.ErrInvalidMessage, frame.Kind)
	}
}

func looksLikeJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}
