package readers

import (
	"io"

	"github.com/pkg/errors"
)

var errCantSeek = errors.New("can't Seek")

// NoSeeker adapts an io.Reader into an io.ReadSeeker whose Seek always
// fails. It is used to hand a stream to code which probes for
// seekability without letting it seek.
type NoSeeker struct {
	io.Reader
}

// Seek the stream - returns an error
func (r NoSeeker) Seek(offset int64, whence int) (abs int64, err error) {
	return 0, errCantSeek
}
