// Package roomtest provides peers that record frames for room and backing tests.
package roomtest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pkt.systems/roomsync/schema"
)

// ErrSendFailed is returned by a failing peer.
var ErrSendFailed = errors.New("roomtest: send failed")

// Peer records every frame it is sent. When Fail is set, Send returns
// ErrSendFailed and records nothing.
type Peer struct {
	id schema.PeerID

	mu       sync.Mutex
	frames   []schema.Frame
	fail     bool
	notifyCh chan struct{}
}

// NewPeer returns a recording peer.
func NewPeer(id string) *Peer {
	return &Peer{id: schema.PeerID(id), notifyCh: make(chan struct{}, 1)}
}

func (p *Peer) ID() schema.PeerID { return p.id }

func (p *Peer) Send(frame schema.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrSendFailed
	}
	p.frames = append(p.frames, schema.Frame{Kind: frame.Kind, Data: append([]byte(nil), frame.Data...)})
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// SetFail toggles send failures.
func (p *Peer) SetFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

// Frames returns a copy of the recorded frames.
func (p *Peer) Frames() []schema.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schema.Frame(nil), p.frames...)
}

// Reset drops recorded frames.
func (p *Peer) Reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// WaitFrames blocks until at least n frames were recorded or timeout elapses.
func (p *Peer) WaitFrames(n int, timeout time.Duration) []schema.Frame {
	deadline := time.Now().Add(timeout)
	for {
		frames := p.Frames()
		if len(frames) >= n {
			return frames
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frames
		}
		select {
		case <-p.notifyCh:
		case <-time.After(remaining):
		}
	}
}

// AwarenessUsers decodes an awareness snapshot frame.
func AwarenessUsers(frame schema.Frame) ([]schema.AwarenessEntry, error) {
	if frame.Kind != schema.FrameText {
		return nil, errors.New("roomtest: not a text frame")
	}
	var msg schema.ControlMessage
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != schema.MessageAwareness {
		return nil, errors.New("roomtest: not an awareness message")
	}
	return msg.Users, nil
}
