package cmn

import (
	"io"
)

// DataKind tags the shape a CacheData value carries.
type DataKind uint8

const (
	KindText DataKind = iota
	KindBytes
	KindStream
)

// CacheData is a tagged value representing payload content in one of three
// shapes: inline text, inline bytes, or a lazy byte stream paired with an
// optional declared length. Streams are finite, forward-only, and not
// restartable -- once Reader has been consumed the CacheData is spent.
type CacheData struct {
	Kind   DataKind
	Text   string
	Bytes  []byte
	Reader io.Reader
	// StreamLen is the declared length of a KindStream value; -1 means
	// undeclared. Ignored for KindText/KindBytes, whose length is implicit.
	StreamLen int64
}

// NewTextData builds an inline-text CacheData.
func NewTextData(s string) CacheData { return CacheData{Kind: KindText, Text: s} }

// NewBytesData builds an inline-bytes CacheData.
func NewBytesData(b []byte) CacheData { return CacheData{Kind: KindBytes, Bytes: b} }

// NewStreamData builds a lazy streaming CacheData. Pass length -1 when the
// length is not known ahead of time; such a value is rejected by any bounded
// (size-limited) cache -- see Length.
func NewStreamData(r io.Reader, length int64) CacheData {
	return CacheData{Kind: KindStream, Reader: r, StreamLen: length}
}

// Length returns the payload size in bytes, or -1 if it cannot be
// determined without consuming the stream.
func (d CacheData) Length() int64 {
	switch d.Kind {
	case KindText:
		return int64(len(d.Text))
	case KindBytes:
		return int64(len(d.Bytes))
	case KindStream:
		return d.StreamLen
	default:
		return -1
	}
}

// IsText reports whether the value is inline text (KindText). KindBytes and
// KindStream values report false whatever their content.
func (d CacheData) IsText() bool { return d.Kind == KindText }
