package codec

import (
	"errors"
	"sort"
	"sync"
)

// Replica is a local LWW document that produces updates for its own edits.
// It keeps a Lamport clock advanced past every clock it has applied.
type Replica struct {
	id  string
	doc *LWW

	mu    sync.Mutex
	clock uint64
}

// NewReplica returns an empty replica. The id must be unique among writers.
func NewReplica(id string) (*Replica, error) {
	if id == "" {
		return nil, errors.New("replica id is required")
	}
	return &Replica{id: id, doc: NewLWW()}, nil
}

// ID returns the replica id.
func (r *Replica) ID() string { return r.id }

// Document exposes the underlying document.
func (r *Replica) Document() *LWW { return r.doc }

// Set writes value under key and returns the update to broadcast.
func (r *Replica) Set(key string, value []byte) ([]byte, error) {
	return r.write(Entry{Key: key, Value: append([]byte(nil), value...)})
}

// Delete removes key and returns the update to broadcast.
func (r *Replica) Delete(key string) ([]byte, error) {
	return r.write(Entry{Key: key, Deleted: true})
}

// Apply merges a remote update or snapshot.
func (r *Replica) Apply(update []byte) error {
	if err := r.doc.Apply(update); err != nil {
		return err
	}
	r.observe(r.doc.MaxClock())
	return nil
}

// Get returns the live value for key.
func (r *Replica) Get(key string) ([]byte, bool) { return r.doc.Get(key) }

// Keys returns the live keys in order.
func (r *Replica) Keys() []string {
	values := r.doc.Values()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the full document state.
func (r *Replica) State() []byte { return r.doc.State() }

func (r *Replica) write(e Entry) ([]byte, error) {
	if e.Key == "" {
		return nil, errors.New("key is required")
	}
	r.mu.Lock()
	if max := r.doc.MaxClock(); max > r.clock {
		r.clock = max
	}
	r.clock++
	e.Clock = r.clock
	e.Replica = r.id
	r.mu.Unlock()
	update := EncodeUpdate(e)
	if err := r.doc.Apply(update); err != nil {
		return nil, err
	}
	return update, nil
}

func (r *Replica) observe(clock uint64) {
	r.mu.Lock()
	if clock > r.clock {
		r.clock = clock
	}
	r.mu.Unlock()
}
