package source_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/lib/readers"
	"github.com/mstephenholl/engraver/source"
)

func TestDetectType(t *testing.T) {
	for _, test := range []struct {
		uri  string
		head []byte
		want source.Type
	}{
		{"image.iso", nil, source.LocalFile},
		{"image.img", []byte{0x00, 0x01}, source.LocalFile},
		{"image.iso.gz", nil, source.Gzip},
		{"image.tgz", nil, source.Gzip},
		{"image.iso.xz", nil, source.Xz},
		{"image.txz", nil, source.Xz},
		{"image.iso.zst", nil, source.Zstd},
		{"image.zstd", nil, source.Zstd},
		{"image.iso.bz2", nil, source.Bzip2},
		{"image.tbz2", nil, source.Bzip2},
		// Magic detection when the extension says nothing
		{"image.iso", []byte{0x1f, 0x8b, 0x08}, source.Gzip},
		{"image.iso", []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00, 0x00}, source.Xz},
		{"image.iso", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x01}, source.Zstd},
		{"image.iso", []byte{0x42, 0x5a, 0x68, 0x39}, source.Bzip2},
		// Extension wins over magic
		{"image.iso.gz", []byte{0x28, 0xb5, 0x2f, 0xfd}, source.Gzip},
		// Remote
		{"https://example.com/image.iso", nil, source.Remote},
		{"http://example.com/image.iso?sig=abc", nil, source.Remote},
		{"https://example.com/image.iso.gz", nil, source.Gzip},
		{"https://example.com/image.gz?download=1", nil, source.Gzip},
	} {
		got := source.DetectType(test.uri, test.head)
		assert.Equal(t, test.want, got, test.uri)
	}
}

func TestTypeText(t *testing.T) {
	for _, kind := range []source.Type{
		source.LocalFile, source.Remote, source.Gzip, source.Xz, source.Zstd, source.Bzip2,
	} {
		out, err := kind.MarshalText()
		require.NoError(t, err)
		var back source.Type
		require.NoError(t, back.UnmarshalText(out))
		assert.Equal(t, kind, back)
	}
	var kind source.Type
	assert.Error(t, kind.UnmarshalText([]byte("tar")))
}

func TestTypeCompressed(t *testing.T) {
	assert.False(t, source.LocalFile.Compressed())
	assert.False(t, source.Remote.Compressed())
	assert.True(t, source.Gzip.Compressed())
	assert.True(t, source.Xz.Compressed())
	assert.True(t, source.Zstd.Compressed())
	assert.True(t, source.Bzip2.Compressed())
}

// writeTestFile writes contents into dir under name and returns the
// path
func writeTestFile(t *testing.T, dir, name string, contents []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, contents, 0o600))
	return p
}

func testPattern(t *testing.T, size int64) []byte {
	t.Helper()
	b, err := io.ReadAll(readers.NewPatternReader(size))
	require.NoError(t, err)
	return b
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestValidateLocal(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)

	p := writeTestFile(t, dir, "image.iso", data)
	info, err := source.Validate(p)
	require.NoError(t, err)
	assert.Equal(t, source.LocalFile, info.Type)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, int64(-1), info.CompressedSize)
	assert.True(t, info.Seekable)
	assert.False(t, info.Resumable)

	gz := gzipped(t, data)
	p = writeTestFile(t, dir, "image.iso.gz", gz)
	info, err = source.Validate(p)
	require.NoError(t, err)
	assert.Equal(t, source.Gzip, info.Type)
	assert.Equal(t, int64(-1), info.Size)
	assert.Equal(t, int64(len(gz)), info.CompressedSize)
	assert.False(t, info.Seekable)
	assert.False(t, info.Resumable)

	// Magic only, no extension
	p = writeTestFile(t, dir, "image.img", gz)
	info, err = source.Validate(p)
	require.NoError(t, err)
	assert.Equal(t, source.Gzip, info.Type)
}

func TestValidateMissing(t *testing.T) {
	_, err := source.Validate(filepath.Join(t.TempDir(), "no-such-file.iso"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrSourceNotFound))
}

func TestOpenLocal(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)
	p := writeTestFile(t, dir, "image.iso", data)

	s, err := source.Open(p)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpenLocalWithOffset(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)
	p := writeTestFile(t, dir, "image.iso", data)

	s, err := source.OpenWithOffset(p, 4096)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data[4096:], got)
}

func TestOpenGzip(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)
	p := writeTestFile(t, dir, "image.iso.gz", gzipped(t, data))

	s, err := source.Open(p)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, source.Gzip, s.Info().Type)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpenXz(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)

	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p := writeTestFile(t, dir, "image.iso.xz", buf.Bytes())
	s, err := source.Open(p)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, source.Xz, s.Info().Type)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpenZstd(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)

	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	p := writeTestFile(t, dir, "image.iso.zst", buf.Bytes())
	s, err := source.Open(p)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, source.Zstd, s.Info().Type)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// Compressed sources must refuse offset opens without consuming any
// bytes
func TestOpenCompressedWithOffset(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 64*1024)
	p := writeTestFile(t, dir, "image.iso.gz", gzipped(t, data))

	_, err := source.OpenWithOffset(p, 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrNotResumable))
}

func TestSourceSeek(t *testing.T) {
	dir := t.TempDir()
	data := testPattern(t, 8192)

	p := writeTestFile(t, dir, "image.iso", data)
	s, err := source.Open(p)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	abs, err := s.Seek(4096, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), abs)
	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, data[4096:], got)

	// Compressed streams can't seek
	pgz := writeTestFile(t, dir, "image.iso.gz", gzipped(t, data))
	sgz, err := source.Open(pgz)
	require.NoError(t, err)
	defer func() { _ = sgz.Close() }()
	_, err = sgz.Seek(0, io.SeekStart)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrNotResumable))
}

func TestOpenCorruptGzip(t *testing.T) {
	dir := t.TempDir()
	// Valid magic, garbage after
	corrupt := append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0xff}, 64)...)
	p := writeTestFile(t, dir, "image.iso.gz", corrupt)

	_, err := source.Open(p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engraver.ErrDecompression))
}
