// Package hash provides the checksum engine - multi-algorithm streaming
// hashes, constant time digest comparison and checksum manifest parsing.
package hash

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Type indicates a standard hashing algorithm
type Type int

const (
	// None indicates no hashes are supported
	None Type = 0

	// MD5 indicates MD5 support
	MD5 Type = 1 << iota

	// SHA256 indicates SHA-256 support
	SHA256

	// SHA512 indicates SHA-512 support
	SHA512

	// CRC32 indicates CRC-32 (IEEE 802.3 polynomial) support
	CRC32
)

// ErrUnsupported is returned when a hash type outside the supported set
// is requested
var ErrUnsupported = errors.New("hash type not supported")

type hashDefinition struct {
	hashType Type
	name     string
	width    int
	newFunc  func() hash.Hash
}

var hashes = []hashDefinition{
	{MD5, "MD5", 32, md5.New},
	{SHA256, "SHA-256", 64, sha256.New},
	{SHA512, "SHA-512", 128, sha512.New},
	{CRC32, "CRC32", 8, func() hash.Hash { return crc32.NewIEEE() }},
}

// Supported returns a set of all the supported hashes
func Supported() Set {
	var set Set
	for _, def := range hashes {
		set = set.Add(def.hashType)
	}
	return set
}

// Width returns the width in hex characters for any HashType
func Width(hashType Type) int {
	for _, def := range hashes {
		if def.hashType == hashType {
			return def.width
		}
	}
	return 0
}

func lookup(t Type) (hashDefinition, bool) {
	for _, def := range hashes {
		if def.hashType == t {
			return def, true
		}
	}
	return hashDefinition{}, false
}

// String returns a string representation of the hash type
func (h Type) String() string {
	if h == None {
		return "None"
	}
	def, ok := lookup(h)
	if !ok {
		return fmt.Sprintf("Unknown-0x%x", int(h))
	}
	return def.name
}

// Set a Type from a flag - names are case insensitive and the dash in
// "SHA-256" is optional
func (h *Type) Set(s string) error {
	if strings.EqualFold(s, "None") {
		*h = None
		return nil
	}
	normalized := strings.ReplaceAll(strings.ToLower(s), "-", "")
	for _, def := range hashes {
		if normalized == strings.ReplaceAll(strings.ToLower(def.name), "-", "") {
			*h = def.hashType
			return nil
		}
	}
	return errors.Errorf("unknown hash type %q", s)
}

// Type of the value for pflag
func (h *Type) Type() string {
	return "string"
}

// MarshalText encodes the hash type for JSON and friends
func (h Type) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes the hash type
func (h *Type) UnmarshalText(text []byte) error {
	return h.Set(string(text))
}

// fromWidth infers a hash type from the hex width of a digest, as used
// by GNU style checksum files which don't name the algorithm
func fromWidth(width int) Type {
	for _, def := range hashes {
		if def.width == width {
			return def.hashType
		}
	}
	return None
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(a, b string) bool {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Sum is a digest produced by a hash type
type Sum struct {
	Type   Type
	Digest []byte
}

// Hex returns the digest as lowercase hex
func (s Sum) Hex() string {
	return hex.EncodeToString(s.Digest)
}

// String returns the digest as lowercase hex
func (s Sum) String() string {
	return s.Hex()
}

// Equal compares two sums in constant time
func (s Sum) Equal(other Sum) bool {
	if s.Type != other.Type {
		return false
	}
	return subtle.ConstantTimeCompare(s.Digest, other.Digest) == 1
}

// MultiHasher will construct a set of hashes and write to all of them at
// once
type MultiHasher struct {
	w    io.Writer
	size int64
	h    map[Type]hash.Hash
}

// NewMultiHasher returns a hasher for all supported hash types
func NewMultiHasher() *MultiHasher {
	h, err := NewMultiHasherTypes(Supported())
	if err != nil {
		panic("internal error: could not create multihasher")
	}
	return h
}

// NewMultiHasherTypes returns a hasher for the requested set of hash
// types
func NewMultiHasherTypes(set Set) (*MultiHasher, error) {
	hashers := make(map[Type]hash.Hash)
	writers := make([]io.Writer, 0, set.Count())
	for _, t := range set.Array() {
		def, ok := lookup(t)
		if !ok {
			return nil, ErrUnsupported
		}
		h := def.newFunc()
		hashers[t] = h
		writers = append(writers, h)
	}
	return &MultiHasher{
		w: io.MultiWriter(writers...),
		h: hashers,
	}, nil
}

// Write writes to all the hashes
func (m *MultiHasher) Write(p []byte) (n int, err error) {
	n, err = m.w.Write(p)
	m.size += int64(n)
	return n, err
}

// Sums returns the digests as lowercase hex, one per hash type
func (m *MultiHasher) Sums() map[Type]string {
	dst := make(map[Type]string)
	for t, h := range m.h {
		dst[t] = hex.EncodeToString(h.Sum(nil))
	}
	return dst
}

// Sum returns the digest for the given hash type
func (m *MultiHasher) Sum(hashType Type) (Sum, error) {
	h, ok := m.h[hashType]
	if !ok {
		return Sum{}, ErrUnsupported
	}
	return Sum{Type: hashType, Digest: h.Sum(nil)}, nil
}

// Size returns the number of bytes written
func (m *MultiHasher) Size() int64 {
	return m.size
}

// Stream reads the input and returns digests of all supported hash types
func Stream(r io.Reader) (map[Type]string, error) {
	return StreamTypes(r, Supported())
}

// StreamTypes reads the input and returns digests of the requested hash
// types
func StreamTypes(r io.Reader, set Set) (map[Type]string, error) {
	hasher, err := NewMultiHasherTypes(set)
	if err != nil {
		return nil, err
	}
	_, err = io.Copy(hasher, r)
	if err != nil {
		return nil, err
	}
	return hasher.Sums(), nil
}

// Set is a bit flag set of hash types
type Set int

// NewHashSet returns a new set with the hash types passed in
func NewHashSet(t ...Type) Set {
	var set Set
	return set.Add(t...)
}

// Add adds hash types to the set, returning the new set
func (s Set) Add(t ...Type) Set {
	for _, hashType := range t {
		s |= Set(hashType)
	}
	return s
}

// Contains returns true if the set contains the given hash type
func (s Set) Contains(t Type) bool {
	return s&Set(t) != 0
}

// Overlap returns the overlapping hash types
func (s Set) Overlap(t Set) Set {
	return s & t
}

// SubsetOf returns true if s is a subset of t
func (s Set) SubsetOf(t Set) bool {
	return s|t == t
}

// GetOne returns one of the hash types in the set, or None if empty
func (s Set) GetOne() Type {
	for _, def := range hashes {
		if s.Contains(def.hashType) {
			return def.hashType
		}
	}
	return None
}

// Array returns the hash types in the set as an array
func (s Set) Array() []Type {
	var types []Type
	for _, def := range hashes {
		if s.Contains(def.hashType) {
			types = append(types, def.hashType)
		}
	}
	return types
}

// Count returns the number of hash types in the set
func (s Set) Count() int {
	var count int
	for _, def := range hashes {
		if s.Contains(def.hashType) {
			count++
		}
	}
	return count
}

// String returns a string representation of the set
func (s Set) String() string {
	a := s.Array()
	names := make([]string, len(a))
	for i, t := range a {
		names[i] = t.String()
	}
	return "[" + strings.Join(names, ", ") + "]"
}
