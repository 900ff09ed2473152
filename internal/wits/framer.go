// Package wits handles the WITS level-0 wire format: a stream of ASCII
// records separated by a fixed delimiter (LF, or CRLF for Noralis-flavored
// feeds). The package does not interpret record contents; channel decoding
// belongs to the consumers.
package wits

import (
	"bytes"

	"github.com/rs/zerolog"
)

// DefaultBufferSize bounds the carry-over buffer of a Framer. A WITS record
// is a few hundred bytes at most; 10KB of buffered bytes without a single
// delimiter means the upstream is not speaking delimited WITS.
const DefaultBufferSize = 10000

// Delimiters negotiated at session setup.
var (
	DelimiterLF   = []byte("\n")
	DelimiterCRLF = []byte("\r\n")
)

// Framer splits an upstream byte stream into delimited records. It is owned
// by a single reader goroutine and is not safe for concurrent use.
//
// The trailing partial record is carried over between Feed calls. If the
// buffer grows to maxSize or beyond without a delimiter, everything but the
// newest maxSize/2 bytes is discarded so a garbage stream cannot grow memory
// without bound.
type Framer struct {
	delim   []byte
	buf     []byte
	maxSize int
	logger  zerolog.Logger

	overflows int64
}

// NewFramer creates a framer with the given delimiter. maxSize <= 0 selects
// DefaultBufferSize.
func NewFramer(delim []byte, maxSize int, logger zerolog.Logger) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &Framer{
		delim:   delim,
		maxSize: maxSize,
		logger:  logger.With().Str("component", "framer").Logger(),
	}
}

// Delimiter returns the delimiter the framer splits on.
func (f *Framer) Delimiter() []byte {
	return f.delim
}

// Feed appends data to the carry-over buffer and returns every complete
// record found, in stream order, without the trailing delimiter. Empty
// records (consecutive delimiters) are dropped.
func (f *Framer) Feed(data []byte) [][]byte {
	f.buf = append(f.buf, data...)

	var records [][]byte
	for {
		idx := bytes.Index(f.buf, f.delim)
		if idx < 0 {
			break
		}
		if idx > 0 {
			rec := make([]byte, idx)
			copy(rec, f.buf[:idx])
			records = append(records, rec)
		}
		f.buf = f.buf[idx+len(f.delim):]
	}

	// No delimiter in maxSize bytes: keep only the newest maxSize/2 bytes
	// and keep going.
	// The partial record at the cut point is lost; the warning is the only
	// trace of it.
	if len(f.buf) >= f.maxSize {
		discard := len(f.buf) - f.maxSize/2
		f.buf = append(f.buf[:0:0], f.buf[discard:]...)
		f.overflows++
		f.logger.Warn().
			Int("discarded_bytes", discard).
			Int("retained_bytes", len(f.buf)).
			Int64("overflows", f.overflows).
			Msg("Framer buffer overflow, discarding oldest bytes")
	}

	return records
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many times the buffer cap was hit.
func (f *Framer) Overflows() int64 {
	return f.overflows
}

// Reset clears the carry-over buffer.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}
