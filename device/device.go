// Package device opens block devices for aligned raw I/O.
//
// On Linux direct I/O means O_DIRECT, on macOS F_NOCACHE on the raw
// device node, on Windows FILE_FLAG_NO_BUFFERING|FILE_FLAG_WRITE_THROUGH
// on the physical drive. When direct I/O is enabled every write offset
// and length must be a multiple of the device's logical block size; the
// Device owns a bounce buffer which pads and aligns partial blocks so
// callers never see that requirement except through AlignmentError on
// misaligned offsets.
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
)

// DefaultBlockSize is the alignment used when the logical block size
// can't be discovered
const DefaultBlockSize = 4096

// OpenOptions controls how a device is opened
type OpenOptions struct {
	// Read opens the device for reading
	Read bool

	// Write opens the device for writing
	Write bool

	// DirectIO bypasses the OS page cache
	DirectIO bool

	// BlockSize is the requested alignment for direct I/O. 0 means use
	// the device's logical block size.
	BlockSize int
}

// DefaultOpenOptions returns options suitable for writing an image -
// read/write with direct I/O
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		Read:     true,
		Write:    true,
		DirectIO: true,
	}
}

// Device is an open block device (or a regular file standing in for
// one in tests)
type Device struct {
	f         *os.File
	path      string
	size      int64
	blockSize int
	directIO  bool
	offset    int64
	bounce    *alignedBuffer
}

// Open opens the device at path. The path is canonicalized first -
// /dev/diskN becomes /dev/rdiskN on macOS, a bare number becomes
// \\.\PhysicalDriveN on Windows.
func Open(path string, opt OpenOptions) (*Device, error) {
	path = CanonicalRawPath(path)

	f, err := openFile(path, opt)
	if err != nil {
		return nil, err
	}

	size, err := deviceSize(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "sizing %q", path)
	}

	blockSize := opt.BlockSize
	if blockSize == 0 {
		blockSize = logicalBlockSize(f)
	}

	d := &Device{
		f:         f,
		path:      path,
		size:      size,
		blockSize: blockSize,
		directIO:  opt.DirectIO,
	}
	if opt.DirectIO {
		d.bounce = newAlignedBuffer(2*blockSize, blockSize)
	}
	logrus.WithFields(logrus.Fields{
		"path":       path,
		"size":       size,
		"block_size": blockSize,
		"direct_io":  opt.DirectIO,
	}).Debug("opened device")
	return d, nil
}

// Path returns the canonical path the device was opened from
func (d *Device) Path() string {
	return d.path
}

// Size returns the device size in bytes
func (d *Device) Size() int64 {
	return d.size
}

// BlockSize returns the logical block size used for alignment
func (d *Device) BlockSize() int {
	return d.blockSize
}

// DirectIO reports whether the device bypasses the page cache
func (d *Device) DirectIO() bool {
	return d.directIO
}

// Read reads from the current offset
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.f.Read(p)
	d.offset += int64(n)
	return n, err
}

// Write writes at the current offset, bouncing through the aligned
// buffer when direct I/O demands it
func (d *Device) Write(p []byte) (int, error) {
	n, err := d.WriteAt(p, d.offset)
	d.offset += int64(n)
	return n, err
}

// Seek repositions the device
func (d *Device) Seek(offset int64, whence int) (int64, error) {
	abs, err := d.f.Seek(offset, whence)
	if err == nil {
		d.offset = abs
	}
	return abs, err
}

// WriteAt writes p at the given offset.
//
// Without direct I/O this is a plain positional write. With direct I/O
// the offset must be block aligned; an aligned buffer of an aligned
// length is written straight through, anything else is copied into the
// bounce buffer, zero padded to the next block boundary and issued as
// one aligned write. The returned count never exceeds len(p) - the pad
// bytes aren't the caller's.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if !d.directIO {
		return d.f.WriteAt(p, off)
	}

	bs := int64(d.blockSize)
	if !IsAligned(off, bs) {
		return 0, &engraver.AlignmentError{
			Detail: fmt.Sprintf("write offset %d is not a multiple of block size %d", off, d.blockSize),
		}
	}

	if IsAligned(int64(len(p)), bs) && isBufAligned(p, d.blockSize) {
		return d.f.WriteAt(p, off)
	}

	padded := int(AlignUp(int64(len(p)), bs))
	buf := d.bounceFor(padded)
	copy(buf, p)
	for i := len(p); i < padded; i++ {
		buf[i] = 0
	}
	n, err := d.f.WriteAt(buf, off)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// bounceFor returns an aligned bounce slice of n bytes, growing the
// buffer if a write larger than it has ever seen arrives
func (d *Device) bounceFor(n int) []byte {
	if d.bounce == nil || n > len(d.bounce.raw)-d.bounce.offset {
		d.bounce = newAlignedBuffer(max(n, 2*d.blockSize), d.blockSize)
	}
	return d.bounce.slice(n)
}

// ReadAt reads into p from the given offset, bouncing through the
// aligned buffer when direct I/O demands it
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if !d.directIO {
		return d.f.ReadAt(p, off)
	}

	bs := int64(d.blockSize)
	if !IsAligned(off, bs) {
		return 0, &engraver.AlignmentError{
			Detail: fmt.Sprintf("read offset %d is not a multiple of block size %d", off, d.blockSize),
		}
	}

	if IsAligned(int64(len(p)), bs) && isBufAligned(p, d.blockSize) {
		return d.f.ReadAt(p, off)
	}

	padded := int(AlignUp(int64(len(p)), bs))
	buf := d.bounceFor(padded)
	n, err := d.f.ReadAt(buf, off)
	if n > len(p) {
		n = len(p)
	}
	copy(p, buf[:n])
	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// Sync flushes all issued writes to the device
func (d *Device) Sync() error {
	return d.f.Sync()
}

// Close flushes and releases the device
func (d *Device) Close() error {
	if err := d.f.Sync(); err != nil {
		_ = d.f.Close()
		return err
	}
	return d.f.Close()
}

// Check interfaces
var (
	_ io.ReadWriteSeeker = (*Device)(nil)
	_ io.ReaderAt        = (*Device)(nil)
	_ io.WriterAt        = (*Device)(nil)
	_ io.Closer          = (*Device)(nil)
)
