// Package verify checks what a write left on the device.
//
// Two modes share the streaming scaffolding: compare mode reads the
// device back and byte compares it against a seekable source, checksum
// mode hashes a stream and compares digests. The choice between them is
// policy owned by this package - compare needs a seekable source, so
// anything compressed or remote is verified by checksumming both sides.
package verify

import (
	"crypto/subtle"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/device"
	"github.com/mstephenholl/engraver/hash"
	"github.com/mstephenholl/engraver/lib/readers"
	"github.com/mstephenholl/engraver/source"
)

// Block size bounds for verification reads
const (
	DefaultBlockSize = 1 * 1024 * 1024
	MinBlockSize     = 4 * 1024
	MaxBlockSize     = 64 * 1024 * 1024
)

// Config controls verification
type Config struct {
	// BlockSize is the unit of comparison reads
	BlockSize int
}

// DefaultConfig returns the standard verify configuration
func DefaultConfig() Config {
	return Config{BlockSize: DefaultBlockSize}
}

// WithBlockSize returns a copy with the block size clamped into
// [MinBlockSize, MaxBlockSize]
func (c Config) WithBlockSize(n int) Config {
	if n < MinBlockSize {
		n = MinBlockSize
	}
	if n > MaxBlockSize {
		n = MaxBlockSize
	}
	c.BlockSize = n
	return c
}

// Progress is a snapshot of a running verification
type Progress struct {
	// BytesProcessed so far
	BytesProcessed int64

	// TotalBytes expected, 0 when unknown
	TotalBytes int64
}

// Percentage of the verification completed, 100 when the total is
// unknown
func (p *Progress) Percentage() float64 {
	if p.TotalBytes <= 0 {
		return 100.0
	}
	return float64(p.BytesProcessed) / float64(p.TotalBytes) * 100.0
}

// ProgressFunc is called on the verifier's goroutine between blocks
type ProgressFunc func(*Progress)

// Result of a verification. In checksum mode (VerifyWrite with a
// source that isn't seekable) Mismatches is 1 when the digests differ
// and FirstMismatchOffset stays -1.
type Result struct {
	// Success is true when every byte matched
	Success bool

	// BytesVerified is how many bytes were compared
	BytesVerified int64

	// Mismatches is the number of differing bytes in compare mode
	Mismatches int64

	// FirstMismatchOffset is the offset of the first differing byte,
	// -1 when everything matched or the mismatch was found by checksum
	FirstMismatchOffset int64

	// Elapsed wall clock time
	Elapsed time.Duration

	// Speed in bytes per second
	Speed int64
}

// Verifier runs verification with progress and cancellation
type Verifier struct {
	config     Config
	onProgress ProgressFunc
	cancelled  atomic.Bool
}

// New creates a Verifier with the given configuration
func New(config Config) *Verifier {
	return &Verifier{config: config}
}

// OnProgress sets the progress callback and returns the verifier for
// chaining
func (v *Verifier) OnProgress(fn ProgressFunc) *Verifier {
	v.onProgress = fn
	return v
}

// Cancel asks the verifier to stop at the next block boundary
func (v *Verifier) Cancel() {
	v.cancelled.Store(true)
}

// Compare reads totalBytes from both streams in lockstep and byte
// compares them. A mismatch doesn't stop the run - the whole extent is
// compared and counted. totalBytes of 0 means compare until the source
// ends.
func (v *Verifier) Compare(src, dev io.Reader, totalBytes int64) (*Result, error) {
	v.cancelled.Store(false)
	start := time.Now()

	if totalBytes > 0 {
		src = io.LimitReader(src, totalBytes)
	}

	srcBuf := make([]byte, v.config.BlockSize)
	devBuf := make([]byte, v.config.BlockSize)
	progress := &Progress{TotalBytes: totalBytes}
	result := &Result{FirstMismatchOffset: -1}

	for {
		if v.cancelled.Load() {
			return nil, engraver.ErrCancelled
		}

		n, err := readers.ReadFill(src, srcBuf)
		if err != nil && err != io.EOF {
			return nil, errors.Wrap(err, "reading source")
		}
		if n == 0 {
			break
		}

		dn, derr := readers.ReadFill(dev, devBuf[:n])
		if derr != nil && derr != io.EOF {
			return nil, errors.Wrap(derr, "reading device")
		}
		if dn < n {
			return nil, errors.Wrapf(io.ErrUnexpectedEOF, "device ended %d bytes early", int64(n-dn))
		}

		if subtle.ConstantTimeCompare(srcBuf[:n], devBuf[:n]) != 1 {
			for i := 0; i < n; i++ {
				if srcBuf[i] != devBuf[i] {
					if result.FirstMismatchOffset < 0 {
						result.FirstMismatchOffset = result.BytesVerified + int64(i)
					}
					result.Mismatches++
				}
			}
		}
		result.BytesVerified += int64(n)

		progress.BytesProcessed = result.BytesVerified
		if v.onProgress != nil {
			v.onProgress(progress)
		}

		if err == io.EOF {
			break
		}
	}

	result.Success = result.Mismatches == 0
	result.Elapsed = time.Since(start)
	if secs := result.Elapsed.Seconds(); secs > 0 {
		result.Speed = int64(float64(result.BytesVerified) / secs)
	}
	logrus.WithFields(logrus.Fields{
		"bytes_verified": result.BytesVerified,
		"mismatches":     result.Mismatches,
	}).Debug("compare finished")
	return result, nil
}

// CalculateChecksum streams r through the chosen hash. sizeHint, when
// non zero, only feeds progress reporting.
func (v *Verifier) CalculateChecksum(r io.Reader, algorithm hash.Type, sizeHint int64) (hash.Sum, error) {
	v.cancelled.Store(false)
	sum, _, err := v.checksum(r, algorithm, sizeHint)
	return sum, err
}

// checksum hashes the stream, also returning how many bytes it read
func (v *Verifier) checksum(r io.Reader, algorithm hash.Type, sizeHint int64) (hash.Sum, int64, error) {
	hasher, err := hash.NewMultiHasherTypes(hash.NewHashSet(algorithm))
	if err != nil {
		return hash.Sum{}, 0, err
	}

	buf := make([]byte, v.config.BlockSize)
	progress := &Progress{TotalBytes: sizeHint}
	for {
		if v.cancelled.Load() {
			return hash.Sum{}, 0, engraver.ErrCancelled
		}
		n, err := readers.ReadFill(r, buf)
		if n > 0 {
			if _, werr := hasher.Write(buf[:n]); werr != nil {
				return hash.Sum{}, 0, werr
			}
			progress.BytesProcessed += int64(n)
			if v.onProgress != nil {
				v.onProgress(progress)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return hash.Sum{}, 0, errors.Wrap(err, "reading stream")
		}
	}

	sum, err := hasher.Sum(algorithm)
	if err != nil {
		return hash.Sum{}, 0, err
	}
	return sum, hasher.Size(), nil
}

// VerifyChecksum hashes the stream and compares the digest against
// expectedHex in constant time, case insensitively
func (v *Verifier) VerifyChecksum(r io.Reader, algorithm hash.Type, expectedHex string, sizeHint int64) error {
	sum, err := v.CalculateChecksum(r, algorithm, sizeHint)
	if err != nil {
		return err
	}
	if !hash.Equal(sum.Hex(), expectedHex) {
		return &engraver.ChecksumMismatchError{
			Expected: strings.ToLower(expectedHex),
			Actual:   sum.Hex(),
		}
	}
	return nil
}

// VerifyWrite checks the device against the source after a write.
//
// The mode is chosen here: a seekable source is rewound and byte
// compared against the device; everything else - compressed streams,
// remote objects - is checksummed on both sides and the digests
// compared. src must be freshly opened (or rewindable) - the write
// consumed the original stream.
func (v *Verifier) VerifyWrite(src *source.Source, dev *device.Device, totalBytes int64) (*Result, error) {
	v.cancelled.Store(false)
	if src.Info().Seekable {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "rewinding source")
		}
		if _, err := dev.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "rewinding device")
		}
		return v.Compare(src, dev, totalBytes)
	}

	logrus.Debug("source is not seekable, verifying by checksum")
	start := time.Now()
	srcSum, srcBytes, err := v.checksum(src, hash.SHA256, totalBytes)
	if err != nil {
		return nil, errors.Wrap(err, "checksumming source")
	}

	if _, err := dev.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding device")
	}
	devSum, _, err := v.checksum(io.LimitReader(dev, srcBytes), hash.SHA256, srcBytes)
	if err != nil {
		return nil, errors.Wrap(err, "checksumming device")
	}

	result := &Result{
		Success:             srcSum.Equal(devSum),
		BytesVerified:       srcBytes,
		FirstMismatchOffset: -1,
		Elapsed:             time.Since(start),
	}
	if secs := result.Elapsed.Seconds(); secs > 0 {
		result.Speed = int64(float64(2*srcBytes) / secs)
	}
	if !result.Success {
		result.Mismatches = 1
	}
	return result, nil
}

