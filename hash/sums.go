package hash

import (
	"bufio"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SumEntry is a single line of a checksum manifest
type SumEntry struct {
	// Type of the digest. For GNU style lines it is inferred from the
	// digest width and may be None when the width matches no known
	// algorithm.
	Type Type

	// Sum is the digest as lowercase hex
	Sum string

	// Filename the digest belongs to, exactly as written in the manifest
	Filename string
}

var (
	// BSD style, eg `SHA-256 (ubuntu.iso) = deadbeef...`
	bsdSumLine = regexp.MustCompile(`^([A-Za-z0-9-]+) \((.+)\) = ([0-9a-fA-F]+)$`)

	// GNU style, eg `deadbeef...  ubuntu.iso` or `deadbeef... *ubuntu.iso`
	gnuSumLine = regexp.MustCompile(`^([0-9a-fA-F]+) [ *](.+)$`)
)

// ParseSumFile parses a checksum manifest in BSD or GNU format, both of
// which may appear in the same file. Blank lines and lines starting with
// "#" are skipped, as are lines which parse as neither format.
func ParseSumFile(r io.Reader) ([]SumEntry, error) {
	var entries []SumEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if groups := bsdSumLine.FindStringSubmatch(line); groups != nil {
			var hashType Type
			if err := hashType.Set(groups[1]); err != nil {
				logrus.WithField("algorithm", groups[1]).Debug("skipping checksum line with unknown algorithm")
				continue
			}
			entries = append(entries, SumEntry{
				Type:     hashType,
				Sum:      strings.ToLower(groups[3]),
				Filename: groups[2],
			})
			continue
		}
		if groups := gnuSumLine.FindStringSubmatch(line); groups != nil {
			entries = append(entries, SumEntry{
				Type:     fromWidth(len(groups[1])),
				Sum:      strings.ToLower(groups[1]),
				Filename: groups[2],
			})
			continue
		}
		logrus.WithField("line", line).Debug("skipping unparseable checksum line")
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading checksum file")
	}
	return entries, nil
}

// FindSum looks up the digest for a filename in manifest entries - first
// by exact match, then by base name. The second return is false if the
// filename appears in neither form.
func FindSum(entries []SumEntry, filename string) (SumEntry, bool) {
	for _, entry := range entries {
		if entry.Filename == filename {
			return entry, true
		}
	}
	base := path.Base(filename)
	for _, entry := range entries {
		if path.Base(entry.Filename) == base {
			return entry, true
		}
	}
	return SumEntry{}, false
}
