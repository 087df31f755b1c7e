package readers

import (
	"io"

	"github.com/pkg/errors"
)

// NewPatternReader creates a reader producing a deterministic byte
// pattern of the given size - byte i of the stream is i mod 256. Handy
// as a seekable stand-in for an image file in tests.
func NewPatternReader(size int64) io.ReadSeeker {
	return &patternReader{
		size: size,
	}
}

type patternReader struct {
	size   int64
	offset int64
}

// Read the pattern
func (r *patternReader) Read(p []byte) (n int, err error) {
	if r.offset >= r.size {
		return 0, io.EOF
	}
	for n < len(p) && r.offset < r.size {
		p[n] = byte(r.offset)
		n++
		r.offset++
	}
	return n, nil
}

// Seek within the pattern
func (r *patternReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, errors.Errorf("unknown whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("negative seek position")
	}
	r.offset = abs
	return abs, nil
}
