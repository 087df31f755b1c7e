// Package source turns a URI into a lazy stream of uncompressed image
// bytes.
//
// A source is one of six kinds - a local file, a remote HTTP(S) object,
// or a gzip/xz/zstd/bzip2 compressed stream over either. Compression is
// detected from the filename extension first and content magic bytes
// second, and is decompressed transparently - the reader handed back
// always yields image bytes. Local files are seekable; remote objects
// are resumable when the server advertises range support; compressed
// streams are neither.
package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/cosnicolaou/pbzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/mstephenholl/engraver"
)

// Type is the kind of a source
type Type int

// Kinds of source
const (
	LocalFile Type = iota
	Remote
	Gzip
	Xz
	Zstd
	Bzip2
)

var typeNames = map[Type]string{
	LocalFile: "file",
	Remote:    "remote",
	Gzip:      "gzip",
	Xz:        "xz",
	Zstd:      "zstd",
	Bzip2:     "bzip2",
}

// String returns the kind as a lowercase tag
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind for JSON
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes the kind
func (t *Type) UnmarshalText(text []byte) error {
	s := string(text)
	for kind, name := range typeNames {
		if name == s {
			*t = kind
			return nil
		}
	}
	return errors.Errorf("unknown source type %q", s)
}

// Compressed reports whether the kind is a streaming decompressor
func (t Type) Compressed() bool {
	switch t {
	case Gzip, Xz, Zstd, Bzip2:
		return true
	}
	return false
}

// Info describes a validated source. Sizes are -1 when unknown.
type Info struct {
	// Path is the URI the source was validated from
	Path string

	// Type is the kind of the source
	Type Type

	// Size of the uncompressed data, -1 if unknown
	Size int64

	// CompressedSize of the on disk or on the wire data for compressed
	// kinds, -1 if unknown
	CompressedSize int64

	// Seekable is true only for local uncompressed files
	Seekable bool

	// Resumable is true only for remote sources whose server advertises
	// byte range support
	Resumable bool

	// ContentType reported by the server, if any
	ContentType string

	// ETag reported by the server, if any
	ETag string
}

// Magic byte prefixes for compressed streams
var (
	gzipMagic  = []byte{0x1f, 0x8b}
	xzMagic    = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	bzip2Magic = []byte{0x42, 0x5a, 0x68}
)

// magicLen is how many leading bytes detection needs
const magicLen = 16

// detectCompressionExt maps a filename extension to a compressed kind.
// The bool is false if the extension implies no compression.
func detectCompressionExt(name string) (Type, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".tgz":
		return Gzip, true
	case ".xz", ".txz":
		return Xz, true
	case ".zst", ".zstd":
		return Zstd, true
	case ".bz2", ".tbz2":
		return Bzip2, true
	}
	return LocalFile, false
}

// detectCompressionMagic sniffs the leading bytes for a compression
// signature. The bool is false if no signature matches.
func detectCompressionMagic(head []byte) (Type, bool) {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip, true
	case bytes.HasPrefix(head, xzMagic):
		return Xz, true
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd, true
	case bytes.HasPrefix(head, bzip2Magic):
		return Bzip2, true
	}
	return LocalFile, false
}

// DetectType classifies a URI given the leading bytes of its content.
// Extension wins over magic; head may be nil when the content couldn't
// be probed.
func DetectType(uri string, head []byte) Type {
	if kind, ok := detectCompressionExt(uriPath(uri)); ok {
		return kind
	}
	if kind, ok := detectCompressionMagic(head); ok {
		return kind
	}
	if isRemote(uri) {
		return Remote
	}
	return LocalFile
}

// isRemote reports whether the URI has an HTTP(S) scheme
func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// uriPath strips scheme, host and query so extension detection sees
// only the path
func uriPath(uri string) string {
	if !isRemote(uri) {
		return uri
	}
	rest := uri[strings.Index(uri, "://")+3:]
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[i:]
	}
	return ""
}

// Validate probes a URI without opening the bulk stream and describes
// what it found. Local files are stat-ed and their first bytes sniffed;
// remote objects get a HEAD (or a 16 byte ranged GET).
func Validate(uri string) (*Info, error) {
	if isRemote(uri) {
		return validateRemote(uri)
	}
	return validateLocal(uri)
}

func validateLocal(uri string) (*Info, error) {
	fi, err := os.Stat(uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(engraver.ErrSourceNotFound, uri)
		}
		if os.IsPermission(err) {
			return nil, errors.Wrap(engraver.ErrPermissionDenied, uri)
		}
		return nil, errors.Wrapf(err, "stat %q", uri)
	}
	if fi.IsDir() {
		return nil, errors.Wrapf(engraver.ErrSourceNotFound, "%s is a directory", uri)
	}

	f, err := os.Open(uri)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrap(engraver.ErrPermissionDenied, uri)
		}
		return nil, errors.Wrapf(err, "open %q", uri)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, magicLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(err, "read %q", uri)
	}
	kind := DetectType(uri, head[:n])

	info := &Info{
		Path:           uri,
		Type:           kind,
		Size:           -1,
		CompressedSize: -1,
	}
	if kind.Compressed() {
		info.CompressedSize = fi.Size()
	} else {
		info.Size = fi.Size()
		info.Seekable = true
	}
	logrus.WithFields(logrus.Fields{
		"path": uri,
		"type": kind,
		"size": fi.Size(),
	}).Debug("validated local source")
	return info, nil
}

// Source is an open stream of uncompressed image bytes
type Source struct {
	info    Info
	reader  io.Reader
	file    *os.File // non-nil only for seekable local files
	closers []io.Closer
	cancel  context.CancelFunc
}

// Open opens a URI for reading from the start
func Open(uri string) (*Source, error) {
	return OpenWithOffset(uri, 0)
}

// OpenWithOffset opens a URI positioned at the given byte offset of the
// uncompressed output. Compressed kinds refuse any non-zero offset with
// ErrNotResumable - skipping into a compressed stream would mean
// decompressing and discarding everything before the offset.
func OpenWithOffset(uri string, offset int64) (*Source, error) {
	info, err := Validate(uri)
	if err != nil {
		return nil, err
	}
	if offset > 0 && info.Type.Compressed() {
		return nil, errors.Wrapf(engraver.ErrNotResumable, "%s source %q", info.Type, uri)
	}
	if offset < 0 {
		return nil, errors.Wrapf(engraver.ErrInvalidConfig, "negative offset %d", offset)
	}

	s := &Source{info: *info}
	var raw io.Reader
	if isRemote(uri) {
		body, err := openRemote(uri, offset, info)
		if err != nil {
			return nil, err
		}
		raw = body
		s.closers = append(s.closers, body)
	} else {
		f, err := os.Open(uri)
		if err != nil {
			if os.IsPermission(err) {
				return nil, errors.Wrap(engraver.ErrPermissionDenied, uri)
			}
			return nil, errors.Wrapf(err, "open %q", uri)
		}
		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "seek %q to %d", uri, offset)
			}
		}
		raw = f
		if !info.Type.Compressed() {
			s.file = f
		}
		s.closers = append(s.closers, f)
	}

	if err := s.wrapDecompressor(raw); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// wrapDecompressor installs the streaming decompressor for compressed
// kinds, or passes the raw stream through.
func (s *Source) wrapDecompressor(raw io.Reader) error {
	switch s.info.Type {
	case Gzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return errors.Wrapf(engraver.ErrDecompression, "gzip: %v", err)
		}
		s.reader = decompReader{gz}
		s.closers = append([]io.Closer{gz}, s.closers...)
	case Xz:
		xzr, err := xz.NewReader(raw)
		if err != nil {
			return errors.Wrapf(engraver.ErrDecompression, "xz: %v", err)
		}
		s.reader = decompReader{xzr}
	case Zstd:
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return errors.Wrapf(engraver.ErrDecompression, "zstd: %v", err)
		}
		rc := zr.IOReadCloser()
		s.reader = decompReader{rc}
		s.closers = append([]io.Closer{rc}, s.closers...)
	case Bzip2:
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.reader = decompReader{pbzip2.NewReader(ctx, raw)}
	default:
		s.reader = raw
	}
	return nil
}

// decompReader labels non-EOF errors from a decompressor as
// decompression errors
type decompReader struct {
	r io.Reader
}

func (d decompReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		err = errors.Wrapf(engraver.ErrDecompression, "%v", err)
	}
	return n, err
}

// Info returns the source description
func (s *Source) Info() Info {
	return s.info
}

// Read reads uncompressed bytes
func (s *Source) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Seek repositions the stream. Only local uncompressed files support
// it; every other kind returns ErrNotResumable.
func (s *Source) Seek(offset int64, whence int) (int64, error) {
	if s.file == nil {
		return 0, errors.Wrapf(engraver.ErrNotResumable, "%s source", s.info.Type)
	}
	return s.file.Seek(offset, whence)
}

// Close releases the stream and any decompressor state
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// Check interfaces
var _ io.ReadSeeker = (*Source)(nil)
var _ io.Closer = (*Source)(nil)
