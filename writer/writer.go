package writer

import (
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/lib/readers"
)

// Block size bounds
const (
	// DefaultBlockSize is a good compromise for USB mass storage
	DefaultBlockSize = 4 * 1024 * 1024

	// MinBlockSize is the smallest accepted block size
	MinBlockSize = 4 * 1024

	// MaxBlockSize is the largest accepted block size
	MaxBlockSize = 64 * 1024 * 1024
)

// Retry defaults
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 100 * time.Millisecond
)

// Config controls a write. Build one with DefaultConfig and the With
// methods - they return modified copies so a Config handed to a Writer
// never changes under it.
type Config struct {
	// BlockSize is the unit of I/O against the device
	BlockSize int

	// SyncEachBlock flushes the device after every block
	SyncEachBlock bool

	// SyncOnComplete flushes the device once after the last block
	SyncOnComplete bool

	// RetryAttempts is how many times a failing block is retried
	// before the write gives up
	RetryAttempts int

	// RetryDelay is slept between attempts on the same block
	RetryDelay time.Duration

	// VerifyAfterWrite asks the orchestrator to run the verifier when
	// the write completes
	VerifyAfterWrite bool
}

// DefaultConfig returns the standard write configuration
func DefaultConfig() Config {
	return Config{
		BlockSize:      DefaultBlockSize,
		SyncOnComplete: true,
		RetryAttempts:  DefaultRetryAttempts,
		RetryDelay:     DefaultRetryDelay,
	}
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

// WithSyncEachBlock returns a copy with per block syncing set
func (c Config) WithSyncEachBlock(sync bool) Config {
	c.SyncEachBlock = sync
	return c
}

// WithSyncOnComplete returns a copy with the final sync set
func (c Config) WithSyncOnComplete(sync bool) Config {
	c.SyncOnComplete = sync
	return c
}

// WithRetries returns a copy with the retry policy set
func (c Config) WithRetries(attempts int, delay time.Duration) Config {
	c.RetryAttempts = attempts
	c.RetryDelay = delay
	return c
}

// WithVerifyAfterWrite returns a copy with the verify request set
func (c Config) WithVerifyAfterWrite(verify bool) Config {
	c.VerifyAfterWrite = verify
	return c
}

// validate rejects configurations the write loop can't honour
func (c Config) validate() error {
	if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
		return errors.Wrapf(engraver.ErrInvalidConfig, "block size %d out of range", c.BlockSize)
	}
	if c.BlockSize&(c.BlockSize-1) != 0 {
		return errors.Wrapf(engraver.ErrInvalidConfig, "block size %d is not a power of two", c.BlockSize)
	}
	if c.RetryAttempts < 0 {
		return errors.Wrapf(engraver.ErrInvalidConfig, "negative retry attempts %d", c.RetryAttempts)
	}
	return nil
}

// Result is the final tally of a write. On cancellation or an error
// during the write the writer still returns one so the caller can
// checkpoint the bytes that made it to the device; a rejected Config
// returns nil.
type Result struct {
	// BytesWritten including any resumed prefix
	BytesWritten int64

	// Elapsed wall clock time of this run
	Elapsed time.Duration

	// AverageSpeed in bytes per second over the run
	AverageSpeed int64

	// RetryCount is the number of block retries
	RetryCount int

	// Verified is nil when verification didn't run, otherwise its
	// outcome
	Verified *bool
}

// SpeedDisplay formats the average speed, eg "45.200 MiB/s"
func (r *Result) SpeedDisplay() string {
	return engraver.SizeSuffix(r.AverageSpeed).ByteRateUnit()
}

// ProgressFunc is called on the writer's goroutine after every block.
// It must not block - the device sits idle while it runs.
type ProgressFunc func(*Progress)

// syncer is how the writer flushes a destination which supports it
type syncer interface {
	Sync() error
}

// Writer pumps a source stream onto a device
type Writer struct {
	config     Config
	onProgress ProgressFunc
	cancelled  atomic.Bool
}

// New creates a Writer with the given configuration
func New(config Config) *Writer {
	return &Writer{config: config}
}

// OnProgress sets the progress callback and returns the writer for
// chaining
func (w *Writer) OnProgress(fn ProgressFunc) *Writer {
	w.onProgress = fn
	return w
}

// Cancel asks the writer to stop at the next block boundary. Safe to
// call from any goroutine, eg a signal handler.
func (w *Writer) Cancel() {
	w.cancelled.Store(true)
}

// Cancelled reports whether a cancel has been requested
func (w *Writer) Cancelled() bool {
	return w.cancelled.Load()
}

// Write pumps src onto dst from the start. totalBytes is the expected
// uncompressed size, 0 when unknown.
func (w *Writer) Write(src io.Reader, dst io.WriteSeeker, totalBytes int64) (*Result, error) {
	return w.WriteFromOffset(src, dst, totalBytes, 0)
}

// WriteFromOffset resumes a write at startOffset. The caller must
// already have positioned src at that byte of the uncompressed stream;
// the writer seeks dst there itself.
//
// On cancellation or an error during the write the returned Result
// still carries the byte count that reached the device, so the caller
// can persist a checkpoint. An invalid Config is rejected before any
// I/O with a nil Result.
func (w *Writer) WriteFromOffset(src io.Reader, dst io.WriteSeeker, totalBytes, startOffset int64) (*Result, error) {
	if err := w.config.validate(); err != nil {
		return nil, err
	}
	w.cancelled.Store(false)

	start := time.Now()
	blockSize := w.config.BlockSize
	buf := make([]byte, blockSize)

	progress := newProgress(totalBytes, blockSize)
	progress.BytesWritten = startOffset
	progress.CurrentBlock = startOffset / int64(blockSize)
	var tracker speedTracker

	result := func() *Result {
		elapsed := time.Since(start)
		r := &Result{
			BytesWritten: progress.BytesWritten,
			Elapsed:      elapsed,
			RetryCount:   progress.RetryCount,
		}
		if secs := elapsed.Seconds(); secs > 0 {
			r.AverageSpeed = int64(float64(progress.BytesWritten-startOffset) / secs)
		}
		return r
	}

	if _, err := dst.Seek(startOffset, io.SeekStart); err != nil {
		return result(), errors.Wrapf(err, "seeking device to %d", startOffset)
	}

	logrus.WithFields(logrus.Fields{
		"total_bytes":  totalBytes,
		"start_offset": startOffset,
		"block_size":   blockSize,
	}).Debug("starting write")

	for {
		if w.cancelled.Load() {
			logrus.WithField("bytes_written", progress.BytesWritten).Info("write cancelled")
			return result(), engraver.ErrCancelled
		}

		n, err := readBlock(src, buf)
		if err != nil && err != io.EOF {
			return result(), errors.Wrap(err, "reading source")
		}
		if n == 0 {
			break
		}

		if werr := w.writeBlock(dst, buf[:n], progress); werr != nil {
			return result(), werr
		}
		progress.BytesWritten += int64(n)
		progress.CurrentBlock++

		if w.config.SyncEachBlock {
			if err := syncDest(dst); err != nil {
				return result(), errors.Wrap(err, "syncing device")
			}
		}

		progress.Elapsed = time.Since(start)
		tracker.update(progress.BytesWritten)
		progress.Speed = tracker.speed()
		progress.ETA, progress.ETAOK = eta(progress.BytesWritten, progress.TotalBytes, progress.Speed)
		if w.onProgress != nil {
			w.onProgress(progress)
		}

		if err == io.EOF {
			break
		}
	}

	if w.config.SyncOnComplete {
		if err := syncDest(dst); err != nil {
			return result(), errors.Wrap(err, "syncing device")
		}
	}

	r := result()
	logrus.WithFields(logrus.Fields{
		"bytes_written": r.BytesWritten,
		"elapsed":       r.Elapsed,
		"retries":       r.RetryCount,
	}).Debug("write complete")
	return r, nil
}

// readBlock fills buf from src, looping across interrupted reads. A
// short count with io.EOF means the final partial block; n == 0 with
// io.EOF means a clean end of stream.
func readBlock(src io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		nn, err := readers.ReadFill(src, buf[n:])
		n += nn
		if err == nil {
			break
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
	return n, nil
}

// writeBlock writes one block at the current device offset, retrying
// partial writes and transient errors with a re-seek before each
// attempt
func (w *Writer) writeBlock(dst io.WriteSeeker, data []byte, progress *Progress) error {
	offset := progress.BytesWritten
	var lastErr error

	for attempt := 0; attempt <= w.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			progress.RetryCount++
			logrus.WithFields(logrus.Fields{
				"offset":  offset,
				"attempt": attempt,
			}).Warn("retrying block")
			time.Sleep(w.config.RetryDelay)
			if _, err := dst.Seek(offset, io.SeekStart); err != nil {
				return errors.Wrapf(err, "re-seeking device to %d", offset)
			}
		}

		n, err := dst.Write(data)
		if err == nil && n == len(data) {
			return nil
		}
		if err != nil {
			lastErr = errors.Wrapf(err, "writing block at %d", offset)
			if !engraver.IsRetriable(err) {
				return lastErr
			}
			continue
		}
		lastErr = &engraver.PartialWriteError{Expected: len(data), Actual: n}
	}
	return lastErr
}

// syncDest flushes destinations which support it - devices and plain
// files do, a bytes.Buffer in a test doesn't
func syncDest(dst io.WriteSeeker) error {
	if s, ok := dst.(syncer); ok {
		return s.Sync()
	}
	return nil
}
