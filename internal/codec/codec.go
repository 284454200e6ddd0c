// Package codec implements the document boundary of a room: an opaque CRDT
// document exchanged as binary updates.
package codec

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/roomsync/schema"
)

// Document is a conflict-free replicated document. Applying the same set of
// updates in any order, any number of times, yields identical State bytes.
type Document interface {
	// State encodes the full document as an update.
	State() []byte
	// Apply merges an update. A failed Apply leaves the document unchanged.
	Apply(update []byte) error
	// StateVector summarizes what the document has seen.
	StateVector() []byte
	// Diff returns an update holding everything not covered by stateVector.
	Diff(stateVector []byte) ([]byte, error)
}

// Factory constructs an empty document.
type Factory func() Document

// DefaultFactory returns empty LWW documents.
func DefaultFactory() Document { return NewLWW() }

const headBytes = 16

// SafeApply applies update inside a failure boundary. Decode errors and
// panics are converted to schema.ErrInvalidUpdate and logged with the
// payload length and leading bytes.
func SafeApply(ctx context.Context, doc Document, update []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", schema.ErrInvalidUpdate, r)
		}
		if err != nil {
			if !errors.Is(err, schema.ErrInvalidUpdate) {
				err = fmt.Errorf("%w: %v", schema.ErrInvalidUpdate, err)
			}
			pslog.Ctx(ctx).Warn("codec update rejected", "len", len(update), "head", Head(update), "err", err)
		}
	}()
	if doc == nil {
		return errors.New("document is nil")
	}
	return doc.Apply(update)
}

// Head returns the hex encoding of the first bytes of data for diagnostics.
func Head(data []byte) string {
	if len(data) > headBytes {
		data = data[:headBytes]
	}
	return hex.EncodeToString(data)
}
