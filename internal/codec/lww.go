package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/roomsync/schema"
)

// Wire layout (protobuf wire format, hand-encoded):
//
//	update  = 1:magic(varint) 2:entry(bytes)*
//	entry   = 1:key(bytes) 2:value(bytes) 3:clock(varint) 4:replica(bytes) 5:deleted(varint)
//	vector  = 1:magic(varint) 2:version(bytes)*
//	version = 1:key(bytes) 3:clock(varint) 4:replica(bytes) 5:deleted(varint)
//
// The magic tag byte is 0x08, so encoded updates never look like JSON.
const (
	updateMagic = 0x52534c31 // "RSL1"
	vectorMagic = 0x52535631 // "RSV1"

	fieldMagic   protowire.Number = 1
	fieldEntry   protowire.Number = 2
	fieldKey     protowire.Number = 1
	fieldValue   protowire.Number = 2
	fieldClock   protowire.Number = 3
	fieldReplica protowire.Number = 4
	fieldDeleted protowire.Number = 5
)

// Entry is one register of the LWW map.
type Entry struct {
	Key     string
	Value   []byte
	Clock   uint64
	Replica string
	Deleted bool
}

// newer reports whether e wins over other. The order is total so replicas
// resolve identical conflicts identically.
func (e Entry) newer(other Entry) bool {
	if e.Clock != other.Clock {
		return e.Clock > other.Clock
	}
	if e.Replica != other.Replica {
		return e.Replica > other.Replica
	}
	if e.Deleted != other.Deleted {
		return e.Deleted
	}
	return bytes.Compare(e.Value, other.Value) > 0
}

// LWW is a last-writer-wins map CRDT. It is safe for concurrent use.
type LWW struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewLWW returns an empty document.
func NewLWW() *LWW {
	return &LWW{entries: make(map[string]Entry)}
}

// State implements Document.
func (d *LWW) State() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeEntries(updateMagic, sortedEntries(d.entries, nil), true)
}

// Apply implements Document. The update is decoded fully before any entry is merged.
func (d *LWW) Apply(update []byte) error {
	entries, err := decodeEntries(update, updateMagic, true)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		d.mergeLocked(e)
	}
	return nil
}

// StateVector implements Document. It lists the winning version of every key.
func (d *LWW) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return encodeEntries(vectorMagic, sortedEntries(d.entries, nil), false)
}

// Diff implements Document.
func (d *LWW) Diff(stateVector []byte) ([]byte, error) {
	var seen map[string]Entry
	if len(stateVector) > 0 {
		versions, err := decodeEntries(stateVector, vectorMagic, false)
		if err != nil {
			return nil, err
		}
		seen = make(map[string]Entry, len(versions))
		for _, v := range versions {
			seen[v.Key] = v
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	missing := sortedEntries(d.entries, func(e Entry) bool {
		known, ok := seen[e.Key]
		if !ok {
			return true
		}
		return e.Clock != known.Clock || e.Replica != known.Replica || e.Deleted != known.Deleted
	})
	return encodeEntries(updateMagic, missing, true), nil
}

// Get returns the live value for key.
func (d *LWW) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Values returns a copy of all live values.
func (d *LWW) Values() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]byte, len(d.entries))
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		out[k] = append([]byte(nil), e.Value...)
	}
	return out
}

// MaxClock returns the highest clock seen.
func (d *LWW) MaxClock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var max uint64
	for _, e := range d.entries {
		if e.Clock > max {
			max = e.Clock
		}
	}
	return max
}

func (d *LWW) mergeLocked(e Entry) {
	current, ok := d.entries[e.Key]
	if ok && !e.newer(current) {
		return
	}
	d.entries[e.Key] = e
}

// EncodeUpdate encodes entries as a standalone update.
func EncodeUpdate(entries ...Entry) []byte {
	return encodeEntries(updateMagic, entries, true)
}

func sortedEntries(entries map[string]Entry, keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func encodeEntries(magic uint64, entries []Entry, withValues bool) []byte {
	b := protowire.AppendTag(nil, fieldMagic, protowire.VarintType)
	b = protowire.AppendVarint(b, magic)
	for _, e := range entries {
		var m []byte
		m = protowire.AppendTag(m, fieldKey, protowire.BytesType)
		m = protowire.AppendString(m, e.Key)
		if withValues && !e.Deleted {
			m = protowire.AppendTag(m, fieldValue, protowire.BytesType)
			m = protowire.AppendBytes(m, e.Value)
		}
		m = protowire.AppendTag(m, fieldClock, protowire.VarintType)
		m = protowire.AppendVarint(m, e.Clock)
		m = protowire.AppendTag(m, fieldReplica, protowire.BytesType)
		m = protowire.AppendString(m, e.Replica)
		if e.Deleted {
			m = protowire.AppendTag(m, fieldDeleted, protowire.VarintType)
			m = protowire.AppendVarint(m, protowire.EncodeBool(true))
		}
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

func decodeEntries(data []byte, magic uint64, withValues bool) ([]Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", schema.ErrInvalidUpdate)
	}
	var (
		entries   []Entry
		sawMagic  bool
		remaining = data
	)
	for len(remaining) > 0 {
		num, typ, n := protowire.ConsumeTag(remaining)
		if n < 0 {
			return nil, invalid(protowire.ParseError(n))
		}
		remaining = remaining[n:]
		switch {
		case num == fieldMagic && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(remaining)
			if n < 0 {
				return nil, invalid(protowire.ParseError(n))
			}
			if v != magic {
				return nil, fmt.Errorf("%w: unexpected magic %#x", schema.ErrInvalidUpdate, v)
			}
			sawMagic = true
			remaining = remaining[n:]
		case num == fieldEntry && typ == protowire.BytesType:
			if !sawMagic {
				return nil, fmt.Errorf("%w: entry before header", schema.ErrInvalidUpdate)
			}
			raw, n := protowire.ConsumeBytes(remaining)
			if n < 0 {
				return nil, invalid(protowire.ParseError(n))
			}
			e, err := decodeEntry(raw, withValues)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
			remaining = remaining[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, remaining)
			if n < 0 {
				return nil, invalid(protowire.ParseError(n))
			}
			remaining = remaining[n:]
		}
	}
	if !sawMagic {
		return nil, fmt.Errorf("%w: missing header", schema.ErrInvalidUpdate)
	}
	return entries, nil
}

func decodeEntry(data []byte, withValues bool) (Entry, error) {
	var e Entry
	var sawKey bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Entry{}, invalid(protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			e.Key = string(v)
			sawKey = true
			data = data[n:]
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			if withValues {
				e.Value = append([]byte(nil), v...)
			}
			data = data[n:]
		case num == fieldClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			e.Clock = v
			data = data[n:]
		case num == fieldReplica && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			e.Replica = string(v)
			data = data[n:]
		case num == fieldDeleted && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			e.Deleted = protowire.DecodeBool(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Entry{}, invalid(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if !sawKey || e.Key == "" {
		return Entry{}, fmt.Errorf("%w: entry without key", schema.ErrInvalidUpdate)
	}
	if e.Clock == 0 {
		return Entry{}, fmt.Errorf("%w: entry %q without clock", schema.ErrInvalidUpdate, e.Key)
	}
	if e.Replica == "" {
		return Entry{}, fmt.Errorf("%w: entry %q without replica", schema.ErrInvalidUpdate, e.Key)
	}
	if e.Deleted {
		e.Value = nil
	}
	return e, nil
}

func invalid(err error) error {
	if err == nil {
		err = errors.New("malformed payload")
	}
	return fmt.Errorf("%w: %v", schema.ErrInvalidUpdate, err)
}
