package schema

// FrameKind tags a transport frame after normalization.
type FrameKind uint8

const (
	// FrameBinary carries raw bytes.
	FrameBinary FrameKind = iota + 1
	// FrameText carries UTF-8 text.
	FrameText
)

// String returns the kind name used in logs.
func (k FrameKind) String() string {
	switch k {
	case FrameBinary:
		return "binary"
	case FrameText:
		return "text"
	default:
		return "unknown"
	}
}

// Frame is a transport-independent message. Transports convert whatever
// wrapper they receive into a Frame before any protocol logic runs.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// BinaryFrame wraps data as a binary frame.
func BinaryFrame(data []byte) Frame {
	return Frame{Kind: FrameBinary, Data: data}
}

// TextFrame wraps data as a text frame.
func TextFrame(data []byte) Frame {
	return Frame{Kind: FrameText, Data: data}
}
