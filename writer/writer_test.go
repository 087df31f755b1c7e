package writer_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/lib/readers"
	"github.com/mstephenholl/engraver/writer"
)

// testConfig keeps blocks small so the tests stay fast
func testConfig() writer.Config {
	return writer.DefaultConfig().WithBlockSize(writer.MinBlockSize).WithRetries(3, time.Millisecond)
}

// makeTarget creates a sparse file standing in for a device
func makeTarget(t *testing.T, size int64) *os.File {
	t.Helper()
	p := filepath.Join(t.TempDir(), "target.img")
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func readBack(t *testing.T, f *os.File, n int64) []byte {
	t.Helper()
	got := make([]byte, n)
	_, err := f.ReadAt(got, 0)
	require.NoError(t, err)
	return got
}

func TestConfigBlockSizeClamp(t *testing.T) {
	for _, test := range []struct {
		in   int
		want int
	}{
		{0, writer.MinBlockSize},
		{1, writer.MinBlockSize},
		{writer.MinBlockSize, writer.MinBlockSize},
		{writer.DefaultBlockSize, writer.DefaultBlockSize},
		{writer.MaxBlockSize, writer.MaxBlockSize},
		{writer.MaxBlockSize * 2, writer.MaxBlockSize},
	} {
		got := writer.DefaultConfig().WithBlockSize(test.in)
		assert.Equal(t, test.want, got.BlockSize, "block size %d", test.in)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := writer.DefaultConfig()
	cfg.BlockSize = 5000 // in range but not a power of two
	w := writer.New(cfg)
	_, err := w.Write(bytes.NewReader(nil), makeTarget(t, 1<<20), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrInvalidConfig))
}

// A 10 MiB patterned source lands byte for byte on the target
func TestWrite(t *testing.T) {
	const size = 10 * 1024 * 1024
	src := readers.NewPatternReader(size)
	dst := makeTarget(t, 32*1024*1024)

	w := writer.New(writer.DefaultConfig())
	res, err := w.Write(src, dst, size)
	require.NoError(t, err)
	assert.Equal(t, int64(size), res.BytesWritten)
	assert.Equal(t, 0, res.RetryCount)
	assert.Nil(t, res.Verified)

	want, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	assert.Equal(t, want, readBack(t, dst, size))
}

func TestWriteEmptySource(t *testing.T) {
	dst := makeTarget(t, 1<<20)
	w := writer.New(testConfig())
	res, err := w.Write(bytes.NewReader(nil), dst, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.BytesWritten)
}

func TestWriteExactlyOneBlock(t *testing.T) {
	size := int64(writer.MinBlockSize)
	dst := makeTarget(t, 1<<20)

	var blocks int
	w := writer.New(testConfig()).OnProgress(func(p *writer.Progress) {
		blocks = int(p.CurrentBlock)
	})
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.NoError(t, err)
	assert.Equal(t, size, res.BytesWritten)
	assert.Equal(t, 1, blocks)
}

// A source of k blocks plus a tail writes the tail short, without
// padding
func TestWritePartialFinalBlock(t *testing.T) {
	size := int64(writer.MinBlockSize)*3 + 100
	dst := makeTarget(t, 1<<20)

	w := writer.New(testConfig())
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.NoError(t, err)
	assert.Equal(t, size, res.BytesWritten)

	want, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	assert.Equal(t, want, readBack(t, dst, size))
	// Nothing past the tail was touched
	past := readBack(t, dst, size+10)[size:]
	assert.Equal(t, make([]byte, 10), past)
}

func TestWriteSourceError(t *testing.T) {
	dst := makeTarget(t, 1<<20)
	w := writer.New(testConfig())

	boom := errors.New("boom")
	res, err := w.Write(readers.ErrorReader{Err: boom}, dst, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	require.NotNil(t, res)
	assert.Equal(t, int64(0), res.BytesWritten)
}

// flakyDest fails write attempts until failures runs out
type flakyDest struct {
	*os.File
	failures int
	err      error
	partial  bool
}

func (f *flakyDest) Write(p []byte) (int, error) {
	if f.failures > 0 {
		f.failures--
		if f.partial {
			n, _ := f.File.Write(p[:len(p)/2])
			return n, nil
		}
		return 0, f.err
	}
	return f.File.Write(p)
}

func TestWriteRetriesTransientError(t *testing.T) {
	size := int64(writer.MinBlockSize) * 2
	target := makeTarget(t, 1<<20)
	dst := &flakyDest{File: target, failures: 2, err: syscall.EIO}

	w := writer.New(testConfig())
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.NoError(t, err)
	assert.Equal(t, size, res.BytesWritten)
	assert.Equal(t, 2, res.RetryCount)

	want, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	assert.Equal(t, want, readBack(t, target, size))
}

func TestWriteRetriesPartialWrite(t *testing.T) {
	size := int64(writer.MinBlockSize)
	target := makeTarget(t, 1<<20)
	dst := &flakyDest{File: target, failures: 1, partial: true}

	w := writer.New(testConfig())
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.NoError(t, err)
	assert.Equal(t, size, res.BytesWritten)
	assert.Equal(t, 1, res.RetryCount)

	want, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	assert.Equal(t, want, readBack(t, target, size))
}

func TestWriteRetriesExhausted(t *testing.T) {
	size := int64(writer.MinBlockSize)
	target := makeTarget(t, 1<<20)
	dst := &flakyDest{File: target, failures: 100, err: syscall.EIO}

	w := writer.New(testConfig())
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EIO))
	assert.Equal(t, int64(0), res.BytesWritten)
	assert.Equal(t, 3, res.RetryCount)
}

func TestWriteCancellation(t *testing.T) {
	const size = 100 * writer.MinBlockSize
	const cancelAfter = 20 * writer.MinBlockSize
	dst := makeTarget(t, 2*size)

	var w *writer.Writer
	w = writer.New(testConfig()).OnProgress(func(p *writer.Progress) {
		if p.BytesWritten >= cancelAfter {
			w.Cancel()
		}
	})

	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrCancelled))
	require.NotNil(t, res)

	// Cancellation lands on a block boundary, at most one block after
	// the request
	assert.Zero(t, res.BytesWritten%int64(writer.MinBlockSize))
	assert.GreaterOrEqual(t, res.BytesWritten, int64(cancelAfter))
	assert.LessOrEqual(t, res.BytesWritten, int64(cancelAfter+writer.MinBlockSize))
}

// An interrupted write picks up at the checkpoint offset and the two
// runs concatenate to the full source
func TestWriteResume(t *testing.T) {
	const size = 50 * writer.MinBlockSize
	const cancelAfter = 10 * writer.MinBlockSize
	dst := makeTarget(t, 2*size)

	var w *writer.Writer
	w = writer.New(testConfig()).OnProgress(func(p *writer.Progress) {
		if p.BytesWritten >= cancelAfter {
			w.Cancel()
		}
	})
	res, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.True(t, errors.Is(err, engraver.ErrCancelled))
	offset := res.BytesWritten

	// Second run - source positioned at the offset, as the contract
	// requires
	src := readers.NewPatternReader(size)
	_, err = src.Seek(offset, io.SeekStart)
	require.NoError(t, err)

	w2 := writer.New(testConfig())
	res2, err := w2.WriteFromOffset(src, dst, size, offset)
	require.NoError(t, err)
	assert.Equal(t, int64(size), res2.BytesWritten)

	want, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	assert.Equal(t, want, readBack(t, dst, size))
}

func TestWriteProgressMonotonic(t *testing.T) {
	size := int64(writer.MinBlockSize) * 20
	dst := makeTarget(t, 1<<20)

	var last int64 = -1
	monotonic := true
	w := writer.New(testConfig()).OnProgress(func(p *writer.Progress) {
		if p.BytesWritten < last {
			monotonic = false
		}
		last = p.BytesWritten
	})
	_, err := w.Write(readers.NewPatternReader(size), dst, size)
	require.NoError(t, err)
	assert.True(t, monotonic)
	assert.Equal(t, size, last)
}
