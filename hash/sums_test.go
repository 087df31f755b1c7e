package hash_test

import (
	"strings"
	"testing"

	"github.com/mstephenholl/engraver/hash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSumFile(t *testing.T) {
	in := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855  ubuntu.iso\n" +
		"# comment\n" +
		"SHA-256 (debian.iso) = abc123\n"

	entries, err := hash.ParseSumFile(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, hash.SHA256, entries[0].Type)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", entries[0].Sum)
	assert.Equal(t, "ubuntu.iso", entries[0].Filename)

	assert.Equal(t, hash.SHA256, entries[1].Type)
	assert.Equal(t, "abc123", entries[1].Sum)
	assert.Equal(t, "debian.iso", entries[1].Filename)
}

func TestParseSumFileFormats(t *testing.T) {
	in := strings.Join([]string{
		"",
		"d41d8cd98f00b204e9800998ecf8427e  empty.img",
		"d41d8cd98f00b204e9800998ecf8427e *binary.img",
		"MD5 (bsd.img) = D41D8CD98F00B204E9800998ECF8427E",
		"CRC32 (small.img) = cbf43926",
		"this line is garbage",
		"cbf43926  crc.img",
		"SHA-512 (big.img) = cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e",
	}, "\n")

	entries, err := hash.ParseSumFile(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, entries, 6)

	assert.Equal(t, hash.MD5, entries[0].Type)
	assert.Equal(t, "empty.img", entries[0].Filename)

	assert.Equal(t, hash.MD5, entries[1].Type)
	assert.Equal(t, "binary.img", entries[1].Filename)

	// BSD hex is normalized to lowercase
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", entries[2].Sum)
	assert.Equal(t, hash.MD5, entries[2].Type)

	assert.Equal(t, hash.CRC32, entries[3].Type)

	// GNU line with an 8 character digest infers CRC32
	assert.Equal(t, hash.CRC32, entries[4].Type)
	assert.Equal(t, "crc.img", entries[4].Filename)

	assert.Equal(t, hash.SHA512, entries[5].Type)
}

func TestFindSum(t *testing.T) {
	entries := []hash.SumEntry{
		{Type: hash.SHA256, Sum: "aa", Filename: "images/ubuntu.iso"},
		{Type: hash.SHA256, Sum: "bb", Filename: "debian.iso"},
	}

	// Exact match
	entry, ok := hash.FindSum(entries, "debian.iso")
	require.True(t, ok)
	assert.Equal(t, "bb", entry.Sum)

	// Exact match beats basename match
	entry, ok = hash.FindSum(entries, "images/ubuntu.iso")
	require.True(t, ok)
	assert.Equal(t, "aa", entry.Sum)

	// Basename match
	entry, ok = hash.FindSum(entries, "/srv/download/ubuntu.iso")
	require.True(t, ok)
	assert.Equal(t, "aa", entry.Sum)

	_, ok = hash.FindSum(entries, "fedora.iso")
	assert.False(t, ok)
}
